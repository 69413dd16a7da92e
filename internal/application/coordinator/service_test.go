package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/google/uuid"

	"github.com/tallyhub/tallyhub/internal/domain/conflict"
	"github.com/tallyhub/tallyhub/internal/domain/event"
	"github.com/tallyhub/tallyhub/internal/domain/lease"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
	"github.com/tallyhub/tallyhub/internal/domain/session/mocks"
	"github.com/tallyhub/tallyhub/internal/infrastructure/clock"
	"github.com/tallyhub/tallyhub/internal/infrastructure/schedule"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// recorder captures published events in order.
type recorder struct {
	mu     sync.Mutex
	events []*event.Event
}

func (r *recorder) Publish(e *event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) ofKind(k event.Kind) []*event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*event.Event, 0)
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fixture struct {
	svc   *Service
	clk   *clock.Fake
	sched *schedule.Queue
	rec   *recorder
	repo  *mocks.MockRepository
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockRepository(ctrl)
	repo.EXPECT().SaveSession(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	repo.EXPECT().UpdateStatus(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	repo.EXPECT().SaveCount(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	clk := clock.NewFake(testStart)
	sched := schedule.NewQueue()
	rec := &recorder{}
	svc := NewService(repo, rec, clk, clock.UUIDs(), sched, Config{
		DefaultLeaseTTL:     2 * time.Minute,
		ConflictGracePeriod: 10 * time.Second,
		InactivityThreshold: time.Hour,
	}, zerolog.Nop())
	return &fixture{svc: svc, clk: clk, sched: sched, rec: rec, repo: repo}
}

func (f *fixture) sweep() {
	f.sched.RunDue(f.clk.Now())
}

// startedSession creates a two-zone session with alice and bob joined and
// counting underway.
func (f *fixture) startedSession(t *testing.T, settings session.Settings) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "march cycle count",
		Zones: []ZoneInput{
			{Name: "aisle 1", ItemIDs: []string{"sku-1", "sku-2"}},
			{Name: "aisle 2", ItemIDs: []string{"sku-3"}},
		},
		Settings: settings,
	})
	require.NoError(t, err)

	_, err = f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.SessionID, "bob", "counter")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(ctx, sess.SessionID, "alice"))

	sess, err = f.svc.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	f.rec.reset()
	return sess
}

func TestCreateSessionRejectsOverlappingZones(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreateSession(context.Background(), CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "bad zones",
		Zones: []ZoneInput{
			{Name: "a", ItemIDs: []string{"sku-1"}},
			{Name: "b", ItemIDs: []string{"sku-1"}},
		},
	})
	assert.ErrorIs(t, err, session.ErrZoneOverlap)

	_, err = f.svc.CreateSession(context.Background(), CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "  ",
		Zones:      []ZoneInput{{Name: "a", ItemIDs: []string{"sku-1"}}},
	})
	assert.Error(t, err)
}

func TestJoinAssignsZonesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "zones",
		Zones: []ZoneInput{
			{Name: "a", ItemIDs: []string{"sku-1"}},
			{Name: "b", ItemIDs: []string{"sku-2"}},
		},
	})
	require.NoError(t, err)

	joined, err := f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, joined.AssignedUsers)
	// Sole participant takes every zone.
	for _, z := range joined.Zones {
		assert.Equal(t, "alice", z.AssignedTo)
	}

	// Rejoin changes nothing and emits nothing.
	again, err := f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, again.AssignedUsers)
	assert.Len(t, f.rec.ofKind(event.KindUserJoined), 1)

	payload := f.rec.ofKind(event.KindUserJoined)[0].Payload.(event.UserJoined)
	assert.Equal(t, "alice", payload.UserID)
	assert.Len(t, payload.AssignedZones, 2)
}

func TestJoinBalancesUnassignedZones(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "zones",
		Zones: []ZoneInput{
			{Name: "a", ItemIDs: []string{"sku-1"}},
			{Name: "b", ItemIDs: []string{"sku-2"}},
			{Name: "c", ItemIDs: []string{"sku-3"}},
		},
	})
	require.NoError(t, err)

	// Join together before any assignment sticks zones to one user.
	_, err = f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	got, err := f.svc.Join(ctx, sess.SessionID, "bob", "counter")
	require.NoError(t, err)

	// Alice took all three on first join; bob arrives after, nothing is
	// reassigned away from alice.
	counts := map[string]int{}
	for _, z := range got.Zones {
		counts[z.AssignedTo]++
	}
	assert.Equal(t, 3, counts["alice"])
}

func TestJoinClosedSessionFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})
	require.NoError(t, f.svc.Cancel(ctx, sess.SessionID, "alice", "done for today"))

	_, err := f.svc.Join(ctx, sess.SessionID, "carol", "counter")
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestStartOnlyFromPlanning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	err := f.svc.Start(ctx, sess.SessionID, "alice")
	assert.ErrorIs(t, err, session.ErrInvalidTransition)
}

func TestClaimGrantDenyAndAutoResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{AutoReconcile: true})

	granted, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	require.True(t, granted.Granted)
	assert.Equal(t, "alice", granted.Lease.HolderID)
	assert.Equal(t, testStart.Add(2*time.Minute), granted.Lease.ExpiresAt)

	denied, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "bob", lease.KindCount, 0)
	require.NoError(t, err)
	assert.False(t, denied.Granted)
	require.NotNil(t, denied.ConflictID)

	detected := f.rec.ofKind(event.KindConflictDetected)
	require.Len(t, detected, 1)
	payload := detected[0].Payload.(event.ConflictDetected)
	assert.Equal(t, string(conflict.KindSimultaneousClaim), payload.ConflictKind)
	assert.Equal(t, "alice", payload.IncumbentID)
	assert.Equal(t, "bob", payload.ChallengerID)

	// Grace period elapses; the default keeps the incumbent.
	f.clk.Advance(10 * time.Second)
	f.sweep()

	resolved := f.rec.ofKind(event.KindConflictResolved)
	require.Len(t, resolved, 1)
	rp := resolved[0].Payload.(event.ConflictResolved)
	assert.Equal(t, string(conflict.MethodFirstComeFirstServed), rp.Method)
	assert.Equal(t, "system", rp.ResolverID)

	// The timer fired exactly once; more sweeps change nothing.
	f.clk.Advance(time.Minute)
	f.sweep()
	assert.Len(t, f.rec.ofKind(event.KindConflictResolved), 1)

	metrics, err := f.svc.GetSessionMetrics(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 0, metrics.OpenConflicts)
}

func TestManualResolveNewestWinsHandsLeaseOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	denied, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "bob", lease.KindCount, 0)
	require.NoError(t, err)
	require.NotNil(t, denied.ConflictID)

	rec, err := f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID:  sess.SessionID,
		ConflictID: *denied.ConflictID,
		Method:     conflict.MethodNewestWins,
		ResolverID: "manager-1",
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusResolved, rec.Status)

	// Bob now holds the lease.
	claims := f.rec.ofKind(event.KindProductClaimed)
	require.NotEmpty(t, claims)
	last := claims[len(claims)-1].Payload.(event.ProductClaimed)
	assert.Equal(t, "bob", last.UserID)

	// The grace timer was cancelled; nothing auto-fires later.
	f.clk.Advance(time.Minute)
	f.sweep()
	assert.Len(t, f.rec.ofKind(event.KindConflictResolved), 1)

	// Resolving again is rejected.
	_, err = f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID:  sess.SessionID,
		ConflictID: *denied.ConflictID,
		Method:     conflict.MethodFirstComeFirstServed,
		ResolverID: "manager-1",
	})
	assert.ErrorIs(t, err, conflict.ErrAlreadyResolved)
}

func TestHighestAuthorityPrefersSeniorRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "authority",
		Zones:      []ZoneInput{{Name: "a", ItemIDs: []string{"sku-1"}}},
	})
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.SessionID, "mia", "manager")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(ctx, sess.SessionID, "alice"))

	_, err = f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	denied, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "mia", lease.KindCount, 0)
	require.NoError(t, err)
	require.NotNil(t, denied.ConflictID)

	_, err = f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID:  sess.SessionID,
		ConflictID: *denied.ConflictID,
		Method:     conflict.MethodHighestAuthority,
		ResolverID: "mia",
	})
	require.NoError(t, err)

	claims := f.rec.ofKind(event.KindProductClaimed)
	require.NotEmpty(t, claims)
	last := claims[len(claims)-1].Payload.(event.ProductClaimed)
	assert.Equal(t, "mia", last.UserID)
}

func TestQuantityMismatchAveragedOnAutoResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{DiscrepancyTolerance: 2, AutoReconcile: true})

	_, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 10,
	})
	require.NoError(t, err)

	// Within tolerance: no conflict.
	res, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "bob", Quantity: 11,
	})
	require.NoError(t, err)
	assert.Nil(t, res.ConflictID)

	// Outside tolerance: conflict carrying both quantities.
	res, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 21,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ConflictID)

	conflicts, err := f.svc.ListConflicts(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.KindQuantityMismatch, conflicts[0].Kind)
	assert.Equal(t, 11.0, *conflicts[0].IncumbentValue)
	assert.Equal(t, 21.0, *conflicts[0].ChallengerValue)

	f.clk.Advance(10 * time.Second)
	f.sweep()

	resolved := f.rec.ofKind(event.KindConflictResolved)
	require.Len(t, resolved, 1)
	rp := resolved[0].Payload.(event.ConflictResolved)
	assert.Equal(t, string(conflict.MethodAverage), rp.Method)
	require.NotNil(t, rp.FinalValue)
	assert.Equal(t, 16.0, *rp.FinalValue)
}

func TestProgressIsMonotoneAndCompletesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{DiscrepancyTolerance: 100})

	res, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.CompletedItems)

	// Recount of the same item never inflates completion.
	res, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "bob", Quantity: 6,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.CompletedItems)

	res, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-2", UserID: "alice", Quantity: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Progress.CompletedItems)
	// Zone aisle 1 is fully counted.
	assert.NotEmpty(t, res.CompletedZoneID)
	assert.Len(t, f.rec.ofKind(event.KindZoneCompleted), 1)

	res, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-3", UserID: "bob", Quantity: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Progress.CompletedItems)
	assert.Equal(t, 100.0, res.Progress.Percentage)

	kinds := f.rec.kinds()
	assert.Equal(t, event.KindSessionCompleted, kinds[len(kinds)-1])

	got, err := f.svc.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// The retired session refuses further work.
	_, err = f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	assert.ErrorIs(t, err, session.ErrSessionClosed)
}

func TestLeaseExpiresThroughScheduler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)

	f.clk.Advance(2 * time.Minute)
	f.sweep()

	released := f.rec.ofKind(event.KindProductReleased)
	require.Len(t, released, 1)
	rp := released[0].Payload.(event.ProductReleased)
	assert.Equal(t, "alice", rp.HolderID)
	assert.Equal(t, event.ReleaseExpired, rp.Reason)

	// The item is claimable again with no conflict.
	granted, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "bob", lease.KindCount, 0)
	require.NoError(t, err)
	assert.True(t, granted.Granted)
}

func TestExplicitReleaseCancelsExpiryTimer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	require.NoError(t, f.svc.ReleaseItem(ctx, sess.SessionID, "sku-1", "alice"))

	// Release by a non-holder and duplicate release are silent no-ops.
	require.NoError(t, f.svc.ReleaseItem(ctx, sess.SessionID, "sku-1", "bob"))
	require.NoError(t, f.svc.ReleaseItem(ctx, sess.SessionID, "sku-1", "alice"))

	f.clk.Advance(5 * time.Minute)
	f.sweep()

	released := f.rec.ofKind(event.KindProductReleased)
	require.Len(t, released, 1)
	assert.Equal(t, event.ReleaseExplicit, released[0].Payload.(event.ProductReleased).Reason)
}

func TestLeaveReleasesLeasesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	_, err = f.svc.ClaimItem(ctx, sess.SessionID, "sku-2", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	f.rec.reset()

	require.NoError(t, f.svc.Leave(ctx, sess.SessionID, "alice"))

	released := f.rec.ofKind(event.KindProductReleased)
	require.Len(t, released, 2)
	for _, e := range released {
		assert.Equal(t, event.ReleaseUserDisconnected, e.Payload.(event.ProductReleased).Reason)
	}
	assert.Len(t, f.rec.ofKind(event.KindUserLeft), 1)

	metrics, err := f.svc.GetSessionMetrics(ctx, sess.SessionID)
	require.NoError(t, err)
	for _, p := range metrics.Participants {
		if p.UserID == "alice" {
			assert.Equal(t, session.ParticipantDisconnected, p.Status)
		}
	}

	// Repeat leave emits nothing new.
	require.NoError(t, f.svc.Leave(ctx, sess.SessionID, "alice"))
	assert.Len(t, f.rec.ofKind(event.KindUserLeft), 1)

	// Leaving a session never joined is also a no-op.
	require.NoError(t, f.svc.Leave(ctx, sess.SessionID, "carol"))
}

func TestEscalationRuleDefersToHuman(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{
		DiscrepancyTolerance: 2,
		AutoReconcile:        true,
		EscalationRule:       "kind == 'quantity_mismatch' && delta > 5",
	})

	_, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 10,
	})
	require.NoError(t, err)
	res, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "bob", Quantity: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ConflictID)

	f.clk.Advance(10 * time.Second)
	f.sweep()

	// No automatic settlement; the conflict is waiting for review.
	assert.Empty(t, f.rec.ofKind(event.KindConflictResolved))
	conflicts, err := f.svc.ListConflicts(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.StatusEscalated, conflicts[0].Status)

	// Escalated conflicts stay manually resolvable.
	final := 12.0
	rec, err := f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID:  sess.SessionID,
		ConflictID: *res.ConflictID,
		Method:     conflict.MethodManualReview,
		ResolverID: "manager-1",
		FinalValue: &final,
	})
	require.NoError(t, err)
	assert.Equal(t, conflict.StatusResolved, rec.Status)
	assert.Equal(t, 12.0, *rec.Resolution.FinalValue)
}

func TestZoneOverlapEscalatesByDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.svc.CreateSession(ctx, CreateSessionInput{
		BusinessID: uuid.New(),
		Name:       "overlap",
		Zones:      []ZoneInput{{Name: "a", ItemIDs: []string{"sku-1", "sku-2"}}},
		Settings:   session.Settings{AutoReconcile: true},
	})
	require.NoError(t, err)
	// Alice joins first and owns the zone.
	_, err = f.svc.Join(ctx, sess.SessionID, "alice", "counter")
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, sess.SessionID, "bob", "counter")
	require.NoError(t, err)
	require.NoError(t, f.svc.Start(ctx, sess.SessionID, "alice"))

	_, err = f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	granted, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-2", "bob", lease.KindCount, 0)
	require.NoError(t, err)
	// Bob's claim is granted but flagged: he is working alice's zone.
	assert.True(t, granted.Granted)

	detected := f.rec.ofKind(event.KindConflictDetected)
	require.Len(t, detected, 1)
	payload := detected[0].Payload.(event.ConflictDetected)
	assert.Equal(t, string(conflict.KindZoneOverlap), payload.ConflictKind)

	f.clk.Advance(10 * time.Second)
	f.sweep()

	conflicts, err := f.svc.ListConflicts(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.StatusEscalated, conflicts[0].Status)
}

func TestPauseBlocksClaimsAndCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	require.NoError(t, f.svc.Pause(ctx, sess.SessionID, "alice"))

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	assert.ErrorIs(t, err, session.ErrSessionNotActive)
	_, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 1,
	})
	assert.ErrorIs(t, err, session.ErrSessionNotActive)

	require.NoError(t, f.svc.Resume(ctx, sess.SessionID, "alice"))
	_, err = f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)

	kinds := f.rec.kinds()
	assert.Contains(t, kinds, event.KindSessionPaused)
	assert.Contains(t, kinds, event.KindSessionResumed)
}

func TestSubmitCountValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{RequireNotes: true})

	_, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 1,
	})
	require.Error(t, err)

	_, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-404", UserID: "alice", Quantity: 1, Notes: "n",
	})
	assert.ErrorIs(t, err, session.ErrItemNotInSession)

	_, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "carol", Quantity: 1, Notes: "n",
	})
	assert.ErrorIs(t, err, session.ErrNotParticipant)

	_, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: -1, Notes: "n",
	})
	require.Error(t, err)
}

func TestSetPresenceBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	err := f.svc.SetPresence(ctx, sess.SessionID, "alice", presence.StatusIdle, presence.Meta{
		DeviceClass: "handheld",
	})
	require.NoError(t, err)

	changed := f.rec.ofKind(event.KindPresenceChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, "idle", changed[0].Payload.(event.PresenceChanged).Status)

	records, err := f.svc.GetPresence(ctx, sess.SessionID)
	require.NoError(t, err)
	var alice *presence.Record
	for _, r := range records {
		if r.UserID == "alice" {
			alice = r
		}
	}
	require.NotNil(t, alice)
	assert.Equal(t, presence.StatusIdle, alice.Status)
	assert.Equal(t, "handheld", alice.DeviceClass)

	err = f.svc.SetPresence(ctx, sess.SessionID, "carol", presence.StatusActive, presence.Meta{})
	assert.ErrorIs(t, err, session.ErrNotParticipant)
}

func TestCancelInactiveSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	// Still active within the threshold.
	f.clk.Advance(30 * time.Minute)
	assert.Equal(t, 0, f.svc.CancelInactive(f.clk.Now()))

	f.clk.Advance(31 * time.Minute)
	assert.Equal(t, 1, f.svc.CancelInactive(f.clk.Now()))

	got, err := f.svc.GetSession(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, got.Status)

	cancelled := f.rec.ofKind(event.KindSessionCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, "inactivity", cancelled[0].Payload.(event.SessionCancelled).Reason)
}

func TestEventStreamOrderMatchesOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	_, err = f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 4,
	})
	require.NoError(t, err)
	require.NoError(t, f.svc.ReleaseItem(ctx, sess.SessionID, "sku-1", "alice"))

	assert.Equal(t, []event.Kind{
		event.KindProductClaimed,
		event.KindCountSubmitted,
		event.KindProductReleased,
	}, f.rec.kinds())
}

func TestUnknownSessionErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	missing := uuid.New()

	_, err := f.svc.GetSession(ctx, missing)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.svc.Join(ctx, missing, "alice", "counter")
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID: missing, ConflictID: uuid.New(),
		Method: conflict.MethodManualReview, ResolverID: "x",
	})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestResolveUnknownConflictErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ResolveConflict(ctx, ResolveConflictInput{
		SessionID:  sess.SessionID,
		ConflictID: uuid.New(),
		Method:     conflict.MethodManualReview,
		ResolverID: "manager-1",
	})
	assert.ErrorIs(t, err, conflict.ErrNotFound)
}

func TestAutoReconcileDisabledEscalatesEveryConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	denied, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "bob", lease.KindCount, 0)
	require.NoError(t, err)
	require.NotNil(t, denied.ConflictID)

	f.clk.Advance(10 * time.Second)
	f.sweep()

	// Nothing settles automatically; the conflict waits for a human and the
	// incumbent keeps the lease.
	assert.Empty(t, f.rec.ofKind(event.KindConflictResolved))
	conflicts, err := f.svc.ListConflicts(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.StatusEscalated, conflicts[0].Status)

	metrics, err := f.svc.GetSessionMetrics(ctx, sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, metrics.ActiveLeases)
	assert.Equal(t, 1, metrics.OpenConflicts)
}

func TestEscalationRuleAgeUsesCoordinatorClock(t *testing.T) {
	rec := &conflict.Record{
		Kind:      conflict.KindSimultaneousClaim,
		CreatedAt: testStart,
	}
	params := escalationParams(rec, testStart.Add(10*time.Second))
	assert.Equal(t, 10.0, params["age"])

	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{
		DiscrepancyTolerance: 2,
		AutoReconcile:        true,
		EscalationRule:       "age >= 10",
	})

	_, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 10,
	})
	require.NoError(t, err)
	res, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "bob", Quantity: 20,
	})
	require.NoError(t, err)
	require.NotNil(t, res.ConflictID)

	// At the grace deadline the conflict is exactly ten simulated seconds old,
	// so the rule holds and the conflict escalates instead of averaging.
	f.clk.Advance(10 * time.Second)
	f.sweep()

	assert.Empty(t, f.rec.ofKind(event.KindConflictResolved))
	conflicts, err := f.svc.ListConflicts(ctx, sess.SessionID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conflict.StatusEscalated, conflicts[0].Status)
}

func TestSubmitCountRequiresPhotoWhenConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{RequirePhoto: true})

	_, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 4,
	})
	require.Error(t, err)

	res, err := f.svc.SubmitCount(ctx, SubmitCountInput{
		SessionID: sess.SessionID, ItemID: "sku-1", UserID: "alice", Quantity: 4,
		PhotoRef: "photos/shelf-a-0142.jpg",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Progress.CompletedItems)
}

func TestLeaveOnRetiredSessionIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess := f.startedSession(t, session.Settings{})

	_, err := f.svc.ClaimItem(ctx, sess.SessionID, "sku-1", "alice", lease.KindCount, 0)
	require.NoError(t, err)
	require.NoError(t, f.svc.Cancel(ctx, sess.SessionID, "alice", "shift over"))
	f.rec.reset()

	require.NoError(t, f.svc.Leave(ctx, sess.SessionID, "alice"))
	assert.Empty(t, f.rec.kinds())

	metrics, err := f.svc.GetSessionMetrics(ctx, sess.SessionID)
	require.NoError(t, err)
	for _, p := range metrics.Participants {
		if p.UserID == "alice" {
			// Retirement owns the participant state; leave must not rewrite it.
			assert.NotEqual(t, session.ParticipantDisconnected, p.Status)
		}
	}
}

func TestEvaluateEscalationRule(t *testing.T) {
	params := map[string]interface{}{"kind": "quantity_mismatch", "delta": 12.0}

	ok, err := EvaluateEscalationRule("delta > 10", params)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = EvaluateEscalationRule("kind == 'simultaneous_claim'", params)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = EvaluateEscalationRule("delta >", params)
	assert.Error(t, err)

	_, err = EvaluateEscalationRule("delta + 1", params)
	assert.Error(t, err)
}
