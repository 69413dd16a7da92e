package presence

import (
	"sort"
	"time"
)

// Status describes a participant's current activity within a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusCounting Status = "counting"
	StatusOffline  Status = "offline"
)

// Record is an ephemeral liveness snapshot for one user in one session. It is
// coordination metadata only and is discarded when the session is retired.
type Record struct {
	UserID         string    `json:"userId"`
	Status         Status    `json:"status"`
	CurrentZoneID  string    `json:"currentZoneId,omitempty"`
	CurrentItemID  string    `json:"currentItemId,omitempty"`
	DeviceClass    string    `json:"deviceClass,omitempty"`
	NetworkQuality string    `json:"networkQuality,omitempty"`
	LastSeenAt     time.Time `json:"lastSeenAt"`
}

// Meta carries the optional fields of a presence update.
type Meta struct {
	CurrentZoneID  string
	CurrentItemID  string
	DeviceClass    string
	NetworkQuality string
}

// Set holds the presence records of one session, keyed by user id. Callers
// serialize access.
type Set struct {
	records map[string]*Record
}

// NewSet creates an empty presence set.
func NewSet() *Set {
	return &Set{records: make(map[string]*Record)}
}

// Upsert creates or updates the record for userID and refreshes LastSeenAt.
func (s *Set) Upsert(userID string, status Status, meta Meta, at time.Time) *Record {
	r, ok := s.records[userID]
	if !ok {
		r = &Record{UserID: userID}
		s.records[userID] = r
	}
	r.Status = status
	r.CurrentZoneID = meta.CurrentZoneID
	r.CurrentItemID = meta.CurrentItemID
	if meta.DeviceClass != "" {
		r.DeviceClass = meta.DeviceClass
	}
	if meta.NetworkQuality != "" {
		r.NetworkQuality = meta.NetworkQuality
	}
	r.LastSeenAt = at
	return r
}

// Get returns the record for userID, or nil.
func (s *Set) Get(userID string) *Record {
	return s.records[userID]
}

// MarkOffline sets userID offline and clears its current zone/item. No-op
// when the user has no record.
func (s *Set) MarkOffline(userID string, at time.Time) *Record {
	r, ok := s.records[userID]
	if !ok {
		return nil
	}
	r.Status = StatusOffline
	r.CurrentZoneID = ""
	r.CurrentItemID = ""
	r.LastSeenAt = at
	return r
}

// Snapshot returns copies of all records sorted by user id.
func (s *Set) Snapshot() []*Record {
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
