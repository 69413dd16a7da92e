package conflict

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Kind describes what clashed.
type Kind string

const (
	KindSimultaneousClaim Kind = "simultaneous_claim"
	KindQuantityMismatch  Kind = "quantity_mismatch"
	KindZoneOverlap       Kind = "zone_overlap"
)

// Method describes how a conflict was settled.
type Method string

const (
	MethodNewestWins           Method = "newest_wins"
	MethodHighestAuthority     Method = "highest_authority"
	MethodAverage              Method = "average"
	MethodManualReview         Method = "manual_review"
	MethodFirstComeFirstServed Method = "first_come_first_served"
)

// Status describes conflict lifecycle state. Escalated conflicts still await
// a manual resolution; resolved conflicts are never reopened.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

var (
	ErrNotFound        = errors.New("conflict not found")
	ErrAlreadyResolved = errors.New("conflict already resolved")
)

// Resolution records how a conflict was settled.
type Resolution struct {
	Method     Method    `json:"method"`
	ResolverID string    `json:"resolverId"`
	ResolvedAt time.Time `json:"resolvedAt"`
	FinalValue *float64  `json:"finalValue,omitempty"`
}

// Record is one detected clash between two participants.
type Record struct {
	ConflictID      uuid.UUID   `json:"conflictId"`
	SessionID       uuid.UUID   `json:"sessionId"`
	Kind            Kind        `json:"kind"`
	ItemID          string      `json:"itemId,omitempty"`
	ZoneID          string      `json:"zoneId,omitempty"`
	IncumbentID     string      `json:"incumbentId"`
	ChallengerID    string      `json:"challengerId"`
	IncumbentValue  *float64    `json:"incumbentValue,omitempty"`
	ChallengerValue *float64    `json:"challengerValue,omitempty"`
	Status          Status      `json:"status"`
	CreatedAt       time.Time   `json:"createdAt"`
	Resolution      *Resolution `json:"resolution,omitempty"`
}

// Resolve settles the record. Resolving twice is rejected.
func (r *Record) Resolve(method Method, resolverID string, at time.Time, finalValue *float64) error {
	if r.Status == StatusResolved {
		return ErrAlreadyResolved
	}
	r.Status = StatusResolved
	r.Resolution = &Resolution{
		Method:     method,
		ResolverID: resolverID,
		ResolvedAt: at,
		FinalValue: finalValue,
	}
	return nil
}

// Escalate marks the record as needing human review. No-op unless pending.
func (r *Record) Escalate() {
	if r.Status == StatusPending {
		r.Status = StatusEscalated
	}
}

// Queue holds the unresolved conflicts of one session in detection order.
type Queue struct {
	records map[uuid.UUID]*Record
	order   []uuid.UUID
}

// NewQueue creates an empty conflict queue.
func NewQueue() *Queue {
	return &Queue{records: make(map[uuid.UUID]*Record)}
}

// Add enqueues a record.
func (q *Queue) Add(r *Record) {
	if _, ok := q.records[r.ConflictID]; ok {
		return
	}
	q.records[r.ConflictID] = r
	q.order = append(q.order, r.ConflictID)
}

// Get returns the record with the given id, or nil.
func (q *Queue) Get(id uuid.UUID) *Record {
	return q.records[id]
}

// Remove drops a record from the queue once resolved.
func (q *Queue) Remove(id uuid.UUID) {
	if _, ok := q.records[id]; !ok {
		return
	}
	delete(q.records, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Unresolved returns the pending and escalated records in detection order.
func (q *Queue) Unresolved() []*Record {
	out := make([]*Record, 0, len(q.order))
	for _, id := range q.order {
		if r, ok := q.records[id]; ok && r.Status != StatusResolved {
			out = append(out, r)
		}
	}
	return out
}

// PendingCount returns the number of records still awaiting any resolution.
func (q *Queue) PendingCount() int {
	n := 0
	for _, r := range q.records {
		if r.Status != StatusResolved {
			n++
		}
	}
	return n
}
