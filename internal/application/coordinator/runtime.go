package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/lease"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
	"github.com/tallyhub/tallyhub/internal/infrastructure/schedule"
)

// runtime is the lock-protected state container for one session. All live
// coordination state for a session hangs off its runtime, so unrelated
// sessions never contend on a shared lock.
type runtime struct {
	mu sync.Mutex

	session      *session.Session
	leases       *lease.Table
	presence     *presence.Set
	conflicts    *conflict.Queue
	participants map[string]*session.ParticipantProgress
	roles        map[string]string

	// counted marks item ids counted at least once; progress and zone
	// completion derive from it so recounts never inflate completion.
	counted    map[string]bool
	lastCounts map[string]lastCount

	leaseTasks    map[string]schedule.TaskID
	conflictTasks map[uuid.UUID]schedule.TaskID

	lastActivity time.Time
}

type lastCount struct {
	userID   string
	quantity float64
}

func newRuntime(sess *session.Session, now time.Time) *runtime {
	return &runtime{
		session:       sess,
		leases:        lease.NewTable(sess.SessionID),
		presence:      presence.NewSet(),
		conflicts:     conflict.NewQueue(),
		participants:  make(map[string]*session.ParticipantProgress),
		roles:         make(map[string]string),
		counted:       make(map[string]bool),
		lastCounts:    make(map[string]lastCount),
		leaseTasks:    make(map[string]schedule.TaskID),
		conflictTasks: make(map[uuid.UUID]schedule.TaskID),
		lastActivity:  now,
	}
}

func (rt *runtime) touch(now time.Time) {
	rt.lastActivity = now
}

func (rt *runtime) cancelLeaseTask(sched *schedule.Queue, itemID string) {
	if id, ok := rt.leaseTasks[itemID]; ok {
		sched.Cancel(id)
		delete(rt.leaseTasks, itemID)
	}
}

func (rt *runtime) cancelConflictTask(sched *schedule.Queue, conflictID uuid.UUID) {
	if id, ok := rt.conflictTasks[conflictID]; ok {
		sched.Cancel(id)
		delete(rt.conflictTasks, conflictID)
	}
}

// retire releases every lease and pending timer and marks all participants
// offline. Called when a session reaches a terminal state.
func (rt *runtime) retire(sched *schedule.Queue, now time.Time) {
	rt.leases.Clear(now)
	for itemID := range rt.leaseTasks {
		rt.cancelLeaseTask(sched, itemID)
	}
	for conflictID := range rt.conflictTasks {
		rt.cancelConflictTask(sched, conflictID)
	}
	for _, u := range rt.session.AssignedUsers {
		rt.presence.MarkOffline(u, now)
	}
}

// zoneFullyCounted reports whether every item of the zone has been counted
// at least once.
func (rt *runtime) zoneFullyCounted(z *session.Zone) bool {
	for _, itemID := range z.ItemIDs {
		if !rt.counted[itemID] {
			return false
		}
	}
	return true
}

// holdsLeaseInZone reports whether userID holds a live lease on any item of
// the zone other than exceptItemID.
func (rt *runtime) holdsLeaseInZone(z *session.Zone, userID string, now time.Time, exceptItemID string) bool {
	for _, itemID := range z.ItemIDs {
		if itemID == exceptItemID {
			continue
		}
		if l := rt.leases.Get(itemID, now); l != nil && l.HolderID == userID {
			return true
		}
	}
	return false
}

// recomputeProgress refreshes the session-wide completion view. Completed
// items count distinct counted items, so the percentage is monotone for a
// live session and clamped to [0,100].
func (rt *runtime) recomputeProgress() {
	p := &rt.session.Progress
	completed := len(rt.counted)
	if completed > p.CompletedItems {
		p.CompletedItems = completed
	}
	if p.CompletedItems > p.TotalItems {
		p.CompletedItems = p.TotalItems
	}
	if p.TotalItems == 0 {
		p.Percentage = 0
		return
	}
	pct := float64(p.CompletedItems) / float64(p.TotalItems) * 100
	if pct > 100 {
		pct = 100
	}
	if pct > p.Percentage {
		p.Percentage = pct
	}
}

// cloneSession copies the session for return to callers so they never share
// memory with the lock-protected runtime state.
func cloneSession(s *session.Session) *session.Session {
	cp := *s
	cp.Zones = make([]session.Zone, len(s.Zones))
	for i, z := range s.Zones {
		cp.Zones[i] = z
		cp.Zones[i].ItemIDs = append([]string(nil), z.ItemIDs...)
	}
	cp.AssignedUsers = append([]string(nil), s.AssignedUsers...)
	return &cp
}

// assignZones distributes unassigned zones across participants, giving each
// unassigned zone to the member with the fewest zones (ties broken by join
// order), which round-robins as users join.
func assignZones(sess *session.Session) {
	if len(sess.AssignedUsers) == 0 {
		return
	}
	counts := make(map[string]int)
	for i := range sess.Zones {
		if a := sess.Zones[i].AssignedTo; a != "" {
			counts[a]++
		}
	}
	for i := range sess.Zones {
		z := &sess.Zones[i]
		if z.AssignedTo != "" {
			continue
		}
		best := ""
		for _, u := range sess.AssignedUsers {
			if best == "" || counts[u] < counts[best] {
				best = u
			}
		}
		z.AssignedTo = best
		counts[best]++
	}
}

// zonesAssignedTo lists the zone ids currently assigned to userID.
func zonesAssignedTo(sess *session.Session, userID string) []string {
	out := make([]string, 0)
	for i := range sess.Zones {
		if sess.Zones[i].AssignedTo == userID {
			out = append(out, sess.Zones[i].ZoneID)
		}
	}
	return out
}
