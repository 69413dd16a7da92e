package event

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies one variant in a session's event stream.
type Kind string

const (
	KindUserJoined       Kind = "user_joined"
	KindUserLeft         Kind = "user_left"
	KindProductClaimed   Kind = "product_claimed"
	KindProductReleased  Kind = "product_released"
	KindCountSubmitted   Kind = "count_submitted"
	KindZoneCompleted    Kind = "zone_completed"
	KindConflictDetected Kind = "conflict_detected"
	KindConflictResolved Kind = "conflict_resolved"
	KindPresenceChanged  Kind = "presence_changed"
	KindSessionPaused    Kind = "session_paused"
	KindSessionResumed   Kind = "session_resumed"
	KindSessionCompleted Kind = "session_completed"
	KindSessionCancelled Kind = "session_cancelled"
)

// ReleaseReason explains why a lease went away.
type ReleaseReason string

const (
	ReleaseExplicit         ReleaseReason = "explicit"
	ReleaseExpired          ReleaseReason = "expired"
	ReleaseUserDisconnected ReleaseReason = "user_disconnected"
)

// Payload is the closed set of kind-specific event payloads. Consumers switch
// on the concrete type instead of probing optional fields.
type Payload interface {
	EventKind() Kind
}

// Event is one entry in a session's ordered stream. Events for a session are
// published in the order their causing operations were applied.
type Event struct {
	EventID    uuid.UUID `json:"eventId"`
	SessionID  uuid.UUID `json:"sessionId"`
	ActorID    string    `json:"actorId"`
	OccurredAt time.Time `json:"occurredAt"`
	Kind       Kind      `json:"kind"`
	Payload    Payload   `json:"payload"`
}

// New builds an event; Kind is derived from the payload.
func New(eventID, sessionID uuid.UUID, actorID string, at time.Time, payload Payload) *Event {
	return &Event{
		EventID:    eventID,
		SessionID:  sessionID,
		ActorID:    actorID,
		OccurredAt: at,
		Kind:       payload.EventKind(),
		Payload:    payload,
	}
}

// Publisher delivers session events to subscribers in submission order.
// The transport behind it is an external collaborator.
type Publisher interface {
	Publish(e *Event)
}

type UserJoined struct {
	UserID        string   `json:"userId"`
	AssignedZones []string `json:"assignedZones,omitempty"`
}

func (UserJoined) EventKind() Kind { return KindUserJoined }

type UserLeft struct {
	UserID string `json:"userId"`
}

func (UserLeft) EventKind() Kind { return KindUserLeft }

type ProductClaimed struct {
	ItemID    string    `json:"itemId"`
	UserID    string    `json:"userId"`
	LeaseKind string    `json:"leaseKind"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (ProductClaimed) EventKind() Kind { return KindProductClaimed }

type ProductReleased struct {
	ItemID   string        `json:"itemId"`
	HolderID string        `json:"holderId"`
	Reason   ReleaseReason `json:"reason"`
}

func (ProductReleased) EventKind() Kind { return KindProductReleased }

type CountSubmitted struct {
	ItemID   string  `json:"itemId"`
	ZoneID   string  `json:"zoneId"`
	UserID   string  `json:"userId"`
	Quantity float64 `json:"quantity"`
}

func (CountSubmitted) EventKind() Kind { return KindCountSubmitted }

type ZoneCompleted struct {
	ZoneID string `json:"zoneId"`
	UserID string `json:"userId"`
}

func (ZoneCompleted) EventKind() Kind { return KindZoneCompleted }

type ConflictDetected struct {
	ConflictID   uuid.UUID `json:"conflictId"`
	ConflictKind string    `json:"conflictKind"`
	ItemID       string    `json:"itemId,omitempty"`
	ZoneID       string    `json:"zoneId,omitempty"`
	IncumbentID  string    `json:"incumbentId"`
	ChallengerID string    `json:"challengerId"`
}

func (ConflictDetected) EventKind() Kind { return KindConflictDetected }

type ConflictResolved struct {
	ConflictID uuid.UUID `json:"conflictId"`
	Method     string    `json:"method"`
	ResolverID string    `json:"resolverId"`
	FinalValue *float64  `json:"finalValue,omitempty"`
}

func (ConflictResolved) EventKind() Kind { return KindConflictResolved }

type PresenceChanged struct {
	UserID        string `json:"userId"`
	Status        string `json:"status"`
	CurrentZoneID string `json:"currentZoneId,omitempty"`
	CurrentItemID string `json:"currentItemId,omitempty"`
}

func (PresenceChanged) EventKind() Kind { return KindPresenceChanged }

type SessionPaused struct{}

func (SessionPaused) EventKind() Kind { return KindSessionPaused }

type SessionResumed struct{}

func (SessionResumed) EventKind() Kind { return KindSessionResumed }

type SessionCompleted struct {
	TotalItems     int     `json:"totalItems"`
	CompletedItems int     `json:"completedItems"`
	Percentage     float64 `json:"percentage"`
}

func (SessionCompleted) EventKind() Kind { return KindSessionCompleted }

type SessionCancelled struct {
	Reason string `json:"reason"`
}

func (SessionCancelled) EventKind() Kind { return KindSessionCancelled }
