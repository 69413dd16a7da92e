package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status describes cycle-count session lifecycle state. The lifecycle only
// moves forward: planning -> active <-> paused -> completed, with cancelled
// reachable from any non-terminal state.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ZoneStatus describes one zone's counting state.
type ZoneStatus string

const (
	ZonePending    ZoneStatus = "pending"
	ZoneInProgress ZoneStatus = "in_progress"
	ZoneCompleted  ZoneStatus = "completed"
)

// ParticipantStatus describes a participant's connection state.
type ParticipantStatus string

const (
	ParticipantActive       ParticipantStatus = "active"
	ParticipantIdle         ParticipantStatus = "idle"
	ParticipantCounting     ParticipantStatus = "counting"
	ParticipantDisconnected ParticipantStatus = "disconnected"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionClosed     = errors.New("session is completed or cancelled")
	ErrSessionNotActive  = errors.New("session is not active")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrZoneOverlap       = errors.New("zones must partition items disjointly")
	ErrNotParticipant    = errors.New("user is not a session participant")
	ErrItemNotInSession  = errors.New("item does not belong to any session zone")
)

// Settings are immutable per-session counting rules.
type Settings struct {
	DiscrepancyTolerance float64 `json:"discrepancyTolerance"`
	RequirePhoto         bool    `json:"requirePhoto"`
	RequireNotes         bool    `json:"requireNotes"`
	AutoReconcile        bool    `json:"autoReconcile"`
	// EscalationRule is an optional boolean expression evaluated against a
	// conflict's context; when it holds, automatic resolution defers to a
	// human instead.
	EscalationRule string `json:"escalationRule,omitempty"`
}

// Zone is a disjoint partition of countable items assigned to one
// participant.
type Zone struct {
	ZoneID           string     `json:"zoneId"`
	Name             string     `json:"name"`
	ItemIDs          []string   `json:"itemIds"`
	AssignedTo       string     `json:"assignedTo,omitempty"`
	Status           ZoneStatus `json:"status"`
	EstimatedMinutes int        `json:"estimatedMinutes,omitempty"`
}

// Progress is the session-wide completion view. CompletedItems counts
// distinct counted items and never decreases for a live session.
type Progress struct {
	TotalItems     int     `json:"totalItems"`
	CompletedItems int     `json:"completedItems"`
	Percentage     float64 `json:"percentage"`
}

// ParticipantProgress tracks one participant's contribution.
type ParticipantProgress struct {
	UserID         string            `json:"userId"`
	ItemsCounted   int               `json:"itemsCounted"`
	ZonesCompleted int               `json:"zonesCompleted"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	Status         ParticipantStatus `json:"status"`
}

// CountRecord is one submitted count, kept as durable history.
type CountRecord struct {
	CountID    uuid.UUID `json:"countId"`
	SessionID  uuid.UUID `json:"sessionId"`
	ZoneID     string    `json:"zoneId"`
	ItemID     string    `json:"itemId"`
	UserID     string    `json:"userId"`
	Quantity   float64   `json:"quantity"`
	Notes      string    `json:"notes,omitempty"`
	PhotoRef   string    `json:"photoRef,omitempty"`
	RecordedAt time.Time `json:"recordedAt"`
}

// Session identifies one collaborative cycle-count effort.
type Session struct {
	SessionID   uuid.UUID `json:"sessionId"`
	BusinessID  uuid.UUID `json:"businessId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Zones       []Zone    `json:"zones"`
	// AssignedUsers is a set kept in join order.
	AssignedUsers []string   `json:"assignedUsers"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Progress      Progress   `json:"progress"`
	Settings      Settings   `json:"settings"`
}

// CanTransitionTo checks whether moving to target is a legal lifecycle step.
func (s *Session) CanTransitionTo(target Status) bool {
	transitions := map[Status][]Status{
		StatusPlanning:  {StatusActive, StatusCancelled},
		StatusActive:    {StatusPaused, StatusCompleted, StatusCancelled},
		StatusPaused:    {StatusActive, StatusCancelled},
		StatusCompleted: {},
		StatusCancelled: {},
	}
	allowed, ok := transitions[s.Status]
	if !ok {
		return false
	}
	for _, t := range allowed {
		if t == target {
			return true
		}
	}
	return false
}

// Transition applies a lifecycle move, stamping start/completion times.
func (s *Session) Transition(target Status, at time.Time) error {
	if !s.CanTransitionTo(target) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, target)
	}
	s.Status = target
	switch target {
	case StatusActive:
		if s.StartedAt == nil {
			t := at
			s.StartedAt = &t
		}
	case StatusCompleted, StatusCancelled:
		t := at
		s.CompletedAt = &t
	}
	return nil
}

// IsTerminal reports whether the session has been retired.
func (s *Session) IsTerminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusCancelled
}

// HasUser reports membership in the assigned-user set.
func (s *Session) HasUser(userID string) bool {
	for _, u := range s.AssignedUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// AddUser adds userID to the assigned-user set. Returns false when the user
// was already a member.
func (s *Session) AddUser(userID string) bool {
	if s.HasUser(userID) {
		return false
	}
	s.AssignedUsers = append(s.AssignedUsers, userID)
	return true
}

// Zone returns the zone with the given id, or nil.
func (s *Session) Zone(zoneID string) *Zone {
	for i := range s.Zones {
		if s.Zones[i].ZoneID == zoneID {
			return &s.Zones[i]
		}
	}
	return nil
}

// ZoneOfItem returns the zone owning itemID; every item belongs to exactly
// one zone within a session.
func (s *Session) ZoneOfItem(itemID string) *Zone {
	for i := range s.Zones {
		for _, id := range s.Zones[i].ItemIDs {
			if id == itemID {
				return &s.Zones[i]
			}
		}
	}
	return nil
}

// TotalItems sums the zone item counts.
func (s *Session) TotalItems() int {
	n := 0
	for i := range s.Zones {
		n += len(s.Zones[i].ItemIDs)
	}
	return n
}

// ValidateZones checks that the zones partition the item set with no
// overlaps and no blank item ids.
func ValidateZones(zones []Zone) error {
	if len(zones) == 0 {
		return fmt.Errorf("at least one zone is required")
	}
	seen := make(map[string]string)
	for _, z := range zones {
		for _, itemID := range z.ItemIDs {
			if itemID == "" {
				return fmt.Errorf("zone %q contains a blank item id", z.Name)
			}
			if prev, ok := seen[itemID]; ok {
				return fmt.Errorf("%w: item %s appears in zones %q and %q", ErrZoneOverlap, itemID, prev, z.Name)
			}
			seen[itemID] = z.Name
		}
	}
	return nil
}
