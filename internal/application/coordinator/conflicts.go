package coordinator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Knetic/govaluate"
	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/event"
	"github.com/tallyhub/tallyhub/internal/domain/lease"
)

// rolePrecedence orders participant roles for highest_authority resolution.
// Unknown roles rank lowest.
var rolePrecedence = map[string]int{
	"owner":   4,
	"admin":   3,
	"manager": 2,
	"counter": 1,
	"member":  1,
}

// openConflict records a clash, schedules its grace-period auto-resolution,
// and broadcasts conflict_detected. Called with rt.mu held.
func (s *Service) openConflict(rt *runtime, kind conflict.Kind, itemID, zoneID, incumbentID, challengerID string, incumbentValue, challengerValue *float64, now time.Time) *conflict.Record {
	rec := &conflict.Record{
		ConflictID:      s.ids.NewID(),
		SessionID:       rt.session.SessionID,
		Kind:            kind,
		ItemID:          itemID,
		ZoneID:          zoneID,
		IncumbentID:     incumbentID,
		ChallengerID:    challengerID,
		IncumbentValue:  incumbentValue,
		ChallengerValue: challengerValue,
		Status:          conflict.StatusPending,
		CreatedAt:       now,
	}
	rt.conflicts.Add(rec)

	sessionID := rt.session.SessionID
	conflictID := rec.ConflictID
	rt.conflictTasks[conflictID] = s.sched.Schedule(now.Add(s.cfg.ConflictGracePeriod), func() {
		s.autoResolve(sessionID, conflictID)
	})

	s.emit(rt, challengerID, event.ConflictDetected{
		ConflictID:   conflictID,
		ConflictKind: string(kind),
		ItemID:       itemID,
		ZoneID:       zoneID,
		IncumbentID:  incumbentID,
		ChallengerID: challengerID,
	})
	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("conflict_id", conflictID.String()).
		Str("kind", string(kind)).
		Msg("conflict detected")
	return rec
}

// ListConflicts returns copies of the session's unresolved conflicts in
// detection order.
func (s *Service) ListConflicts(ctx context.Context, sessionID uuid.UUID) ([]*conflict.Record, error) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	records := rt.conflicts.Unresolved()
	out := make([]*conflict.Record, 0, len(records))
	for _, r := range records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// ResolveConflictInput carries the data for ResolveConflict.
type ResolveConflictInput struct {
	SessionID  uuid.UUID       `json:"sessionId"`
	ConflictID uuid.UUID       `json:"conflictId"`
	Method     conflict.Method `json:"method"`
	ResolverID string          `json:"resolverId"`
	FinalValue *float64        `json:"finalValue,omitempty"`
}

// ResolveConflict settles a pending or escalated conflict with the given
// method, applying its side effects (lease handoff, count adjustment) and
// cancelling the auto-resolution timer. Resolving a resolved conflict fails
// with conflict.ErrAlreadyResolved.
func (s *Service) ResolveConflict(ctx context.Context, in ResolveConflictInput) (*conflict.Record, error) {
	rt, err := s.runtimeFor(in.SessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rec := rt.conflicts.Get(in.ConflictID)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", conflict.ErrNotFound, in.ConflictID)
	}
	if rec.Status == conflict.StatusResolved {
		return nil, conflict.ErrAlreadyResolved
	}
	now := s.clk.Now()
	rt.touch(now)

	final, err := s.applyResolution(rt, rec, in.Method, in.FinalValue, now)
	if err != nil {
		return nil, err
	}
	if err := rec.Resolve(in.Method, in.ResolverID, now, final); err != nil {
		return nil, err
	}
	rt.cancelConflictTask(s.sched, rec.ConflictID)

	s.emit(rt, in.ResolverID, event.ConflictResolved{
		ConflictID: rec.ConflictID,
		Method:     string(in.Method),
		ResolverID: in.ResolverID,
		FinalValue: final,
	})
	cp := *rec
	return &cp, nil
}

// applyResolution executes the side effects of a resolution method and
// returns the final value to record. Called with rt.mu held.
func (s *Service) applyResolution(rt *runtime, rec *conflict.Record, method conflict.Method, manual *float64, now time.Time) (*float64, error) {
	switch method {
	case conflict.MethodFirstComeFirstServed:
		// Incumbent keeps whatever it holds.
		return rec.IncumbentValue, nil

	case conflict.MethodNewestWins:
		s.handLeaseTo(rt, rec, rec.ChallengerID, now)
		if rec.ChallengerValue != nil {
			s.adoptQuantity(rt, rec.ItemID, rec.ChallengerID, *rec.ChallengerValue)
		}
		return rec.ChallengerValue, nil

	case conflict.MethodHighestAuthority:
		winner, value := rec.IncumbentID, rec.IncumbentValue
		if rolePrecedence[rt.roles[rec.ChallengerID]] > rolePrecedence[rt.roles[rec.IncumbentID]] {
			winner, value = rec.ChallengerID, rec.ChallengerValue
			s.handLeaseTo(rt, rec, winner, now)
		}
		if value != nil {
			s.adoptQuantity(rt, rec.ItemID, winner, *value)
		}
		return value, nil

	case conflict.MethodAverage:
		if rec.IncumbentValue == nil || rec.ChallengerValue == nil {
			return nil, fmt.Errorf("average resolution requires two competing quantities")
		}
		v := (*rec.IncumbentValue + *rec.ChallengerValue) / 2
		s.adoptQuantity(rt, rec.ItemID, systemActor, v)
		return &v, nil

	case conflict.MethodManualReview:
		if manual == nil && rec.Kind == conflict.KindQuantityMismatch {
			return nil, fmt.Errorf("manual_review resolution requires a final value")
		}
		if manual != nil {
			s.adoptQuantity(rt, rec.ItemID, systemActor, *manual)
		}
		return manual, nil

	default:
		return nil, fmt.Errorf("unsupported resolution method: %s", method)
	}
}

// handLeaseTo reassigns the disputed item's lease for claim conflicts where
// the challenger supersedes the incumbent. Called with rt.mu held.
func (s *Service) handLeaseTo(rt *runtime, rec *conflict.Record, userID string, now time.Time) {
	if rec.Kind != conflict.KindSimultaneousClaim || rec.ItemID == "" {
		return
	}
	prev := rt.leases.Get(rec.ItemID, now)
	if prev != nil && prev.HolderID == userID {
		return
	}
	l := rt.leases.Reassign(rec.ItemID, userID, lease.KindCount, now, s.cfg.DefaultLeaseTTL)
	rt.cancelLeaseTask(s.sched, rec.ItemID)
	sessionID := rt.session.SessionID
	itemID := rec.ItemID
	rt.leaseTasks[itemID] = s.sched.Schedule(l.ExpiresAt, func() {
		s.expireLease(sessionID, itemID)
	})
	if prev != nil {
		s.emit(rt, prev.HolderID, event.ProductReleased{
			ItemID:   itemID,
			HolderID: prev.HolderID,
			Reason:   event.ReleaseExplicit,
		})
	}
	s.emit(rt, userID, event.ProductClaimed{
		ItemID:    itemID,
		UserID:    userID,
		LeaseKind: string(l.Kind),
		ExpiresAt: l.ExpiresAt,
	})
}

// adoptQuantity records the settled quantity as the item's latest count so a
// later recount diffs against the resolved value.
func (s *Service) adoptQuantity(rt *runtime, itemID, userID string, quantity float64) {
	if itemID == "" {
		return
	}
	rt.lastCounts[itemID] = lastCount{userID: userID, quantity: quantity}
}

// autoResolve is the grace-period callback for one conflict. It fires at most
// once per conflict: a manual resolution cancels the task, and a stale firing
// finds the record gone or no longer pending. Sessions without auto
// reconciliation escalate every conflict for manual review.
func (s *Service) autoResolve(sessionID, conflictID uuid.UUID) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	delete(rt.conflictTasks, conflictID)
	rec := rt.conflicts.Get(conflictID)
	if rec == nil || rec.Status != conflict.StatusPending {
		return
	}
	now := s.clk.Now()

	if !rt.session.Settings.AutoReconcile {
		rec.Escalate()
		s.logger.Info().
			Str("conflict_id", conflictID.String()).
			Msg("conflict escalated, automatic reconciliation disabled")
		return
	}

	if expr := rt.session.Settings.EscalationRule; expr != "" {
		escalate, err := EvaluateEscalationRule(expr, escalationParams(rec, now))
		if err != nil {
			s.logger.Warn().Err(err).
				Str("conflict_id", conflictID.String()).
				Msg("escalation rule evaluation failed")
		} else if escalate {
			rec.Escalate()
			s.logger.Info().
				Str("conflict_id", conflictID.String()).
				Msg("conflict escalated by rule")
			return
		}
	}

	method := defaultMethodFor(rec.Kind)
	if method == "" {
		rec.Escalate()
		return
	}
	final, err := s.applyResolution(rt, rec, method, nil, now)
	if err != nil {
		rec.Escalate()
		return
	}
	if err := rec.Resolve(method, systemActor, now, final); err != nil {
		return
	}

	s.emit(rt, systemActor, event.ConflictResolved{
		ConflictID: conflictID,
		Method:     string(method),
		ResolverID: systemActor,
		FinalValue: final,
	})
	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("conflict_id", conflictID.String()).
		Str("method", string(method)).
		Msg("conflict auto-resolved")
}

// defaultMethodFor maps a conflict kind to its automatic resolution method.
// Zone overlaps have no safe default and escalate instead.
func defaultMethodFor(kind conflict.Kind) conflict.Method {
	switch kind {
	case conflict.KindSimultaneousClaim:
		return conflict.MethodFirstComeFirstServed
	case conflict.KindQuantityMismatch:
		return conflict.MethodAverage
	default:
		return ""
	}
}

// escalationParams builds the variable set an escalation rule sees. The age
// is measured against the coordinator clock, not the wall clock.
func escalationParams(rec *conflict.Record, now time.Time) map[string]interface{} {
	delta := 0.0
	if rec.IncumbentValue != nil && rec.ChallengerValue != nil {
		delta = math.Abs(*rec.IncumbentValue - *rec.ChallengerValue)
	}
	ageSeconds := 0.0
	if !rec.CreatedAt.IsZero() {
		ageSeconds = now.Sub(rec.CreatedAt).Seconds()
	}
	return map[string]interface{}{
		"kind":       string(rec.Kind),
		"item_id":    rec.ItemID,
		"zone_id":    rec.ZoneID,
		"incumbent":  rec.IncumbentID,
		"challenger": rec.ChallengerID,
		"delta":      delta,
		"age":        ageSeconds,
	}
}

// EvaluateEscalationRule evaluates a boolean expression against a conflict's
// context, e.g. `kind == 'quantity_mismatch' && delta > 10`.
func EvaluateEscalationRule(expr string, params map[string]interface{}) (bool, error) {
	expression, err := govaluate.NewEvaluableExpression(expr)
	if err != nil {
		return false, fmt.Errorf("failed to parse escalation rule: %w", err)
	}
	result, err := expression.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate escalation rule: %w", err)
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("escalation rule must evaluate to a boolean, got %T", result)
	}
	return b, nil
}
