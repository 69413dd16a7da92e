package lease

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind describes why an item is held.
type Kind string

const (
	KindCount    Kind = "count"
	KindEdit     Kind = "edit"
	KindTransfer Kind = "transfer"
)

// Lease is a time-bounded exclusive claim on a countable item. It is owned by
// its holder until released or expired; expiry makes the item available again
// without an explicit unlock.
type Lease struct {
	ItemID     string    `json:"itemId"`
	SessionID  uuid.UUID `json:"sessionId"`
	HolderID   string    `json:"holderId"`
	Kind       Kind      `json:"kind"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Live reports whether the lease has not yet expired at now.
func (l *Lease) Live(now time.Time) bool {
	return now.Before(l.ExpiresAt)
}

// Table holds the live leases of one session, keyed by item id. It is a pure
// data structure: callers serialize access, and every operation takes the
// current time so expiry is enforced reactively. An expired entry is treated
// as absent everywhere.
type Table struct {
	sessionID uuid.UUID
	items     map[string]*Lease
}

// NewTable creates an empty lease table for a session.
func NewTable(sessionID uuid.UUID) *Table {
	return &Table{
		sessionID: sessionID,
		items:     make(map[string]*Lease),
	}
}

// Claim creates or refreshes a lease on itemID for userID. On success the
// granted lease is returned. If a live lease held by a different user exists
// the claim is denied and that competing lease is returned instead; the entry
// is never overwritten.
func (t *Table) Claim(itemID, userID string, kind Kind, now time.Time, ttl time.Duration) (granted, competing *Lease) {
	if existing, ok := t.items[itemID]; ok && existing.Live(now) {
		if existing.HolderID != userID {
			return nil, existing
		}
		existing.Kind = kind
		existing.ExpiresAt = now.Add(ttl)
		return existing, nil
	}
	l := &Lease{
		ItemID:     itemID,
		SessionID:  t.sessionID,
		HolderID:   userID,
		Kind:       kind,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	t.items[itemID] = l
	return l, nil
}

// Release removes the lease on itemID if userID is its live holder and
// returns it. A release by a non-holder, against an expired entry, or when no
// lease exists is a no-op returning nil, so late or duplicate releases never
// disturb a newer lease.
func (t *Table) Release(itemID, userID string, now time.Time) *Lease {
	existing, ok := t.items[itemID]
	if !ok || !existing.Live(now) || existing.HolderID != userID {
		return nil
	}
	delete(t.items, itemID)
	return existing
}

// Get returns the live lease on itemID, or nil.
func (t *Table) Get(itemID string, now time.Time) *Lease {
	if l, ok := t.items[itemID]; ok && l.Live(now) {
		return l
	}
	return nil
}

// Reassign hands the lease on itemID to userID with a fresh ttl, regardless
// of the current holder. Used when a conflict resolution supersedes the
// incumbent.
func (t *Table) Reassign(itemID, userID string, kind Kind, now time.Time, ttl time.Duration) *Lease {
	l := &Lease{
		ItemID:     itemID,
		SessionID:  t.sessionID,
		HolderID:   userID,
		Kind:       kind,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	t.items[itemID] = l
	return l
}

// ReleaseAllHeldBy removes every live lease held by userID and returns them
// sorted by item id.
func (t *Table) ReleaseAllHeldBy(userID string, now time.Time) []*Lease {
	out := make([]*Lease, 0)
	for id, l := range t.items {
		if l.HolderID == userID && l.Live(now) {
			out = append(out, l)
			delete(t.items, id)
		}
	}
	sortLeases(out)
	return out
}

// ExpireItem removes the entry on itemID if its expiry has passed and
// returns it. Returns nil when no entry exists or it is still live, so a
// stale expiry callback never disturbs a refreshed lease.
func (t *Table) ExpireItem(itemID string, now time.Time) *Lease {
	l, ok := t.items[itemID]
	if !ok || l.Live(now) {
		return nil
	}
	delete(t.items, itemID)
	return l
}

// Expired removes every entry whose expiry has passed and returns them sorted
// by item id, so the sweep can emit release events for each.
func (t *Table) Expired(now time.Time) []*Lease {
	out := make([]*Lease, 0)
	for id, l := range t.items {
		if !l.Live(now) {
			out = append(out, l)
			delete(t.items, id)
		}
	}
	sortLeases(out)
	return out
}

// Clear drops every entry and returns the leases that were still live.
func (t *Table) Clear(now time.Time) []*Lease {
	out := make([]*Lease, 0)
	for _, l := range t.items {
		if l.Live(now) {
			out = append(out, l)
		}
	}
	t.items = make(map[string]*Lease)
	sortLeases(out)
	return out
}

// ActiveCount returns the number of live leases.
func (t *Table) ActiveCount(now time.Time) int {
	n := 0
	for _, l := range t.items {
		if l.Live(now) {
			n++
		}
	}
	return n
}

func sortLeases(ls []*Lease) {
	sort.Slice(ls, func(i, j int) bool { return ls[i].ItemID < ls[j].ItemID })
}
