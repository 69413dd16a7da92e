package coordinator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/event"
	"github.com/tallyhub/tallyhub/internal/domain/lease"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
)

// ClaimResult reports the outcome of a claim attempt. A denied claim is not
// an error: the caller gets the conflict id opened for it instead.
type ClaimResult struct {
	Granted    bool         `json:"granted"`
	Lease      *lease.Lease `json:"lease,omitempty"`
	ConflictID *uuid.UUID   `json:"conflictId,omitempty"`
}

// ClaimItem attempts an exclusive lease on itemID for userID. A claim against
// a live foreign lease is denied and opens a simultaneous_claim conflict. A
// granted claim in a zone another participant is actively working opens a
// zone_overlap conflict without revoking the lease.
func (s *Service) ClaimItem(ctx context.Context, sessionID uuid.UUID, itemID, userID string, kind lease.Kind, duration time.Duration) (*ClaimResult, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, fmt.Errorf("item id is required")
	}
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionClosed, sessionID)
	}
	if rt.session.Status != session.StatusActive {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotActive, rt.session.Status)
	}
	if !rt.session.HasUser(userID) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotParticipant, userID)
	}
	zone := rt.session.ZoneOfItem(itemID)
	if zone == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrItemNotInSession, itemID)
	}

	now := s.clk.Now()
	rt.touch(now)
	if kind == "" {
		kind = lease.KindCount
	}
	ttl := duration
	if ttl <= 0 {
		ttl = s.cfg.DefaultLeaseTTL
	}

	granted, competing := rt.leases.Claim(itemID, userID, kind, now, ttl)
	if competing != nil {
		rec := s.openConflict(rt, conflict.KindSimultaneousClaim, itemID, zone.ZoneID, competing.HolderID, userID, nil, nil, now)
		id := rec.ConflictID
		return &ClaimResult{ConflictID: &id}, nil
	}

	rt.cancelLeaseTask(s.sched, itemID)
	rt.leaseTasks[itemID] = s.sched.Schedule(granted.ExpiresAt, func() {
		s.expireLease(sessionID, itemID)
	})

	if zone.Status == session.ZonePending {
		zone.Status = session.ZoneInProgress
	}
	rt.presence.Upsert(userID, presence.StatusCounting, presence.Meta{
		CurrentZoneID: zone.ZoneID,
		CurrentItemID: itemID,
	}, now)
	if p := rt.participants[userID]; p != nil {
		p.Status = session.ParticipantCounting
		p.LastActivityAt = now
	}

	s.emit(rt, userID, event.ProductClaimed{
		ItemID:    itemID,
		UserID:    userID,
		LeaseKind: string(granted.Kind),
		ExpiresAt: granted.ExpiresAt,
	})

	if zone.AssignedTo != "" && zone.AssignedTo != userID &&
		rt.holdsLeaseInZone(zone, zone.AssignedTo, now, itemID) {
		s.openConflict(rt, conflict.KindZoneOverlap, itemID, zone.ZoneID, zone.AssignedTo, userID, nil, nil, now)
	}

	l := *granted
	return &ClaimResult{Granted: true, Lease: &l}, nil
}

// ReleaseItem drops the caller's lease on itemID. A release by a non-holder,
// a duplicate release, or a release after expiry is a silent no-op.
func (s *Service) ReleaseItem(ctx context.Context, sessionID uuid.UUID, itemID, userID string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.IsTerminal() {
		return fmt.Errorf("%w: %s", session.ErrSessionClosed, sessionID)
	}
	now := s.clk.Now()
	rt.touch(now)

	released := rt.leases.Release(itemID, userID, now)
	if released == nil {
		return nil
	}
	rt.cancelLeaseTask(s.sched, itemID)

	if rec := rt.presence.Get(userID); rec != nil && rec.CurrentItemID == itemID {
		rt.presence.Upsert(userID, presence.StatusActive, presence.Meta{
			CurrentZoneID: rec.CurrentZoneID,
		}, now)
	}
	if p := rt.participants[userID]; p != nil {
		p.Status = session.ParticipantActive
		p.LastActivityAt = now
	}

	s.emit(rt, userID, event.ProductReleased{
		ItemID:   itemID,
		HolderID: userID,
		Reason:   event.ReleaseExplicit,
	})
	return nil
}

// SubmitCountInput carries the data for SubmitCount. PhotoRef is an opaque
// reference to evidence stored elsewhere (the coordinator never touches the
// bytes).
type SubmitCountInput struct {
	SessionID uuid.UUID `json:"sessionId"`
	ItemID    string    `json:"itemId"`
	UserID    string    `json:"userId"`
	Quantity  float64   `json:"quantity"`
	Notes     string    `json:"notes"`
	PhotoRef  string    `json:"photoRef"`
}

// CountResult reports what a submitted count changed.
type CountResult struct {
	Progress        session.Progress `json:"progress"`
	CompletedZoneID string           `json:"completedZoneId,omitempty"`
	ConflictID      *uuid.UUID       `json:"conflictId,omitempty"`
}

// SubmitCount records a count for an item. A quantity differing from another
// participant's earlier count by more than the session tolerance opens a
// quantity_mismatch conflict; the count is still recorded. Counting the last
// uncounted item completes the session.
func (s *Service) SubmitCount(ctx context.Context, in SubmitCountInput) (*CountResult, error) {
	rt, err := s.runtimeFor(in.SessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.IsTerminal() {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionClosed, in.SessionID)
	}
	if rt.session.Status != session.StatusActive {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotActive, rt.session.Status)
	}
	if !rt.session.HasUser(in.UserID) {
		return nil, fmt.Errorf("%w: %s", session.ErrNotParticipant, in.UserID)
	}
	zone := rt.session.ZoneOfItem(in.ItemID)
	if zone == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrItemNotInSession, in.ItemID)
	}
	if in.Quantity < 0 {
		return nil, fmt.Errorf("quantity must not be negative")
	}
	if rt.session.Settings.RequireNotes && strings.TrimSpace(in.Notes) == "" {
		return nil, fmt.Errorf("notes are required by session settings")
	}
	if rt.session.Settings.RequirePhoto && strings.TrimSpace(in.PhotoRef) == "" {
		return nil, fmt.Errorf("a photo reference is required by session settings")
	}

	now := s.clk.Now()
	rt.touch(now)

	var conflictID *uuid.UUID
	if prev, ok := rt.lastCounts[in.ItemID]; ok && prev.userID != in.UserID {
		if math.Abs(prev.quantity-in.Quantity) > rt.session.Settings.DiscrepancyTolerance {
			pv, cv := prev.quantity, in.Quantity
			rec := s.openConflict(rt, conflict.KindQuantityMismatch, in.ItemID, zone.ZoneID, prev.userID, in.UserID, &pv, &cv, now)
			id := rec.ConflictID
			conflictID = &id
		}
	}
	rt.lastCounts[in.ItemID] = lastCount{userID: in.UserID, quantity: in.Quantity}

	p := rt.participants[in.UserID]
	if p != nil {
		p.ItemsCounted++
		p.LastActivityAt = now
		if p.Status == session.ParticipantDisconnected {
			p.Status = session.ParticipantActive
		}
	}

	firstCount := !rt.counted[in.ItemID]
	rt.counted[in.ItemID] = true
	if zone.Status == session.ZonePending {
		zone.Status = session.ZoneInProgress
	}

	s.emit(rt, in.UserID, event.CountSubmitted{
		ItemID:   in.ItemID,
		ZoneID:   zone.ZoneID,
		UserID:   in.UserID,
		Quantity: in.Quantity,
	})

	var completedZone string
	if firstCount && zone.Status != session.ZoneCompleted && rt.zoneFullyCounted(zone) {
		zone.Status = session.ZoneCompleted
		if p != nil {
			p.ZonesCompleted++
		}
		completedZone = zone.ZoneID
		s.emit(rt, in.UserID, event.ZoneCompleted{ZoneID: zone.ZoneID, UserID: in.UserID})
	}
	rt.recomputeProgress()

	s.persistCount(ctx, &session.CountRecord{
		CountID:    s.ids.NewID(),
		SessionID:  in.SessionID,
		ZoneID:     zone.ZoneID,
		ItemID:     in.ItemID,
		UserID:     in.UserID,
		Quantity:   in.Quantity,
		Notes:      in.Notes,
		PhotoRef:   in.PhotoRef,
		RecordedAt: now,
	})

	if rt.session.Progress.TotalItems > 0 &&
		rt.session.Progress.CompletedItems >= rt.session.Progress.TotalItems &&
		rt.session.Status == session.StatusActive {
		s.completeSession(ctx, rt, in.UserID, now)
	}

	return &CountResult{
		Progress:        rt.session.Progress,
		CompletedZoneID: completedZone,
		ConflictID:      conflictID,
	}, nil
}

// completeSession finishes the session once every item is counted. Called
// with rt.mu held.
func (s *Service) completeSession(ctx context.Context, rt *runtime, actorID string, now time.Time) {
	if err := rt.session.Transition(session.StatusCompleted, now); err != nil {
		return
	}
	rt.retire(s.sched, now)
	s.emit(rt, actorID, event.SessionCompleted{
		TotalItems:     rt.session.Progress.TotalItems,
		CompletedItems: rt.session.Progress.CompletedItems,
		Percentage:     rt.session.Progress.Percentage,
	})
	s.persistStatus(ctx, rt.session.SessionID, session.StatusCompleted, now)
	s.logger.Info().
		Str("session_id", rt.session.SessionID.String()).
		Msg("session completed")
}

// expireLease is the scheduled callback for one lease's deadline. The lease
// may have been refreshed or released since scheduling; then this is a no-op.
func (s *Service) expireLease(sessionID uuid.UUID, itemID string) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.leaseTasks, itemID)
	now := s.clk.Now()
	l := rt.leases.ExpireItem(itemID, now)
	if l == nil {
		return
	}
	if rec := rt.presence.Get(l.HolderID); rec != nil && rec.CurrentItemID == itemID {
		rt.presence.Upsert(l.HolderID, presence.StatusActive, presence.Meta{
			CurrentZoneID: rec.CurrentZoneID,
		}, now)
	}
	s.emit(rt, l.HolderID, event.ProductReleased{
		ItemID:   itemID,
		HolderID: l.HolderID,
		Reason:   event.ReleaseExpired,
	})
}
