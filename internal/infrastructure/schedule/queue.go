package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// TaskID is a cancellation handle for a scheduled task.
type TaskID int64

type task struct {
	id       TaskID
	dueAt    time.Time
	run      func()
	canceled bool
	index    int
}

// Queue is a cancellable deadline queue: a priority queue of callbacks
// ordered by due time. It replaces ad hoc delayed callbacks so that an early
// lease release or a manual conflict resolution can reliably cancel its
// pending timer. The queue never sleeps; a driver (the reaper) calls RunDue
// with the current time, so tests can use a virtual clock.
type Queue struct {
	mu   sync.Mutex
	next TaskID
	heap taskHeap
	byID map[TaskID]*task
}

// NewQueue creates an empty deadline queue.
func NewQueue() *Queue {
	return &Queue{byID: make(map[TaskID]*task)}
}

// Schedule registers run to fire once dueAt has passed and returns a handle
// for cancellation.
func (q *Queue) Schedule(dueAt time.Time, run func()) TaskID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.next++
	t := &task{id: q.next, dueAt: dueAt, run: run}
	heap.Push(&q.heap, t)
	q.byID[t.id] = t
	return t.id
}

// Cancel prevents a pending task from firing. Returns false when the task
// already fired or was cancelled before.
func (q *Queue) Cancel(id TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok || t.canceled {
		return false
	}
	t.canceled = true
	delete(q.byID, id)
	return true
}

// RunDue fires every non-cancelled task due at or before now, in due order,
// and returns how many ran. Callbacks execute outside the queue lock so they
// may schedule or cancel freely.
func (q *Queue) RunDue(now time.Time) int {
	ran := 0
	for {
		q.mu.Lock()
		if q.heap.Len() == 0 {
			q.mu.Unlock()
			return ran
		}
		t := q.heap[0]
		if t.dueAt.After(now) {
			q.mu.Unlock()
			return ran
		}
		heap.Pop(&q.heap)
		if t.canceled {
			q.mu.Unlock()
			continue
		}
		delete(q.byID, t.id)
		q.mu.Unlock()

		t.run()
		ran++
	}
}

// NextDue returns the earliest pending deadline, if any.
func (q *Queue) NextDue() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.heap {
		if !t.canceled {
			return q.earliestLocked()
		}
	}
	return time.Time{}, false
}

func (q *Queue) earliestLocked() (time.Time, bool) {
	var best time.Time
	found := false
	for _, t := range q.heap {
		if t.canceled {
			continue
		}
		if !found || t.dueAt.Before(best) {
			best = t.dueAt
			found = true
		}
	}
	return best, found
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byID)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].id < h[j].id
	}
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
