package coordinator

import (
	"context"
	"time"

	"github.com/tallyhub/tallyhub/internal/domain/event"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
)

// ExpireLeases sweeps every live session and drops leases whose deadline has
// passed, emitting product_released(expired) for each. The deadline queue
// normally fires these first; the sweep is the safety net behind it. Returns
// the number of leases expired.
func (s *Service) ExpireLeases(now time.Time) int {
	expired := 0
	for _, rt := range s.allRuntimes() {
		rt.mu.Lock()
		if rt.session.IsTerminal() {
			rt.mu.Unlock()
			continue
		}
		for _, l := range rt.leases.Expired(now) {
			rt.cancelLeaseTask(s.sched, l.ItemID)
			if rec := rt.presence.Get(l.HolderID); rec != nil && rec.CurrentItemID == l.ItemID {
				rt.presence.Upsert(l.HolderID, presence.StatusActive, presence.Meta{
					CurrentZoneID: rec.CurrentZoneID,
				}, now)
			}
			s.emit(rt, l.HolderID, event.ProductReleased{
				ItemID:   l.ItemID,
				HolderID: l.HolderID,
				Reason:   event.ReleaseExpired,
			})
			expired++
		}
		rt.mu.Unlock()
	}
	return expired
}

// CancelInactive cancels active sessions that have seen no operation for the
// configured inactivity threshold. Returns the number of sessions cancelled.
func (s *Service) CancelInactive(now time.Time) int {
	cancelled := 0
	for _, rt := range s.allRuntimes() {
		rt.mu.Lock()
		if rt.session.Status != session.StatusActive ||
			now.Sub(rt.lastActivity) < s.cfg.InactivityThreshold {
			rt.mu.Unlock()
			continue
		}
		if err := rt.session.Transition(session.StatusCancelled, now); err != nil {
			rt.mu.Unlock()
			continue
		}
		rt.retire(s.sched, now)
		s.emit(rt, systemActor, event.SessionCancelled{Reason: "inactivity"})
		s.persistStatus(context.Background(), rt.session.SessionID, session.StatusCancelled, now)
		s.logger.Info().
			Str("session_id", rt.session.SessionID.String()).
			Msg("session cancelled for inactivity")
		cancelled++
		rt.mu.Unlock()
	}
	return cancelled
}

func (s *Service) allRuntimes() []*runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*runtime, 0, len(s.sessions))
	for _, rt := range s.sessions {
		out = append(out, rt)
	}
	return out
}
