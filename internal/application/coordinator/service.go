package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tallyhub/tallyhub/internal/domain/event"
	"github.com/tallyhub/tallyhub/internal/domain/presence"
	"github.com/tallyhub/tallyhub/internal/domain/session"
	"github.com/tallyhub/tallyhub/internal/infrastructure/clock"
	"github.com/tallyhub/tallyhub/internal/infrastructure/schedule"
)

// systemActor is the actor id stamped on events caused by timers rather than
// a participant request.
const systemActor = "system"

// Config carries the coordination timing knobs.
type Config struct {
	DefaultLeaseTTL     time.Duration
	ConflictGracePeriod time.Duration
	InactivityThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultLeaseTTL <= 0 {
		c.DefaultLeaseTTL = 2 * time.Minute
	}
	if c.ConflictGracePeriod <= 0 {
		c.ConflictGracePeriod = 10 * time.Second
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = 24 * time.Hour
	}
	return c
}

// Service coordinates collaborative cycle-count sessions: lifecycle, item
// leases, conflict handling, presence, and progress. All mutations for one
// session serialize on that session's runtime lock; the registry lock only
// guards the session map itself.
type Service struct {
	repo   session.Repository
	pub    event.Publisher
	clk    clock.Clock
	ids    clock.IDGenerator
	sched  *schedule.Queue
	cfg    Config
	logger zerolog.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*runtime
}

// NewService creates the coordinator.
func NewService(
	repo session.Repository,
	pub event.Publisher,
	clk clock.Clock,
	ids clock.IDGenerator,
	sched *schedule.Queue,
	cfg Config,
	logger zerolog.Logger,
) *Service {
	return &Service{
		repo:     repo,
		pub:      pub,
		clk:      clk,
		ids:      ids,
		sched:    sched,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("service", "coordinator").Logger(),
		sessions: make(map[uuid.UUID]*runtime),
	}
}

// ZoneInput describes one zone of a new session.
type ZoneInput struct {
	Name             string   `json:"name"`
	ItemIDs          []string `json:"itemIds"`
	EstimatedMinutes int      `json:"estimatedMinutes"`
}

// CreateSessionInput carries the data for CreateSession.
type CreateSessionInput struct {
	BusinessID  uuid.UUID        `json:"businessId"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Zones       []ZoneInput      `json:"zones"`
	Settings    session.Settings `json:"settings"`
}

// CreateSession registers a new session in planning state. Zones must
// partition the item set disjointly.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*session.Session, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("session name is required")
	}
	zones := make([]session.Zone, len(in.Zones))
	for i, z := range in.Zones {
		name := strings.TrimSpace(z.Name)
		if name == "" {
			name = fmt.Sprintf("zone-%d", i+1)
		}
		zones[i] = session.Zone{
			ZoneID:           s.ids.NewID().String(),
			Name:             name,
			ItemIDs:          append([]string(nil), z.ItemIDs...),
			Status:           session.ZonePending,
			EstimatedMinutes: z.EstimatedMinutes,
		}
	}
	if err := session.ValidateZones(zones); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	sess := &session.Session{
		SessionID:     s.ids.NewID(),
		BusinessID:    in.BusinessID,
		Name:          strings.TrimSpace(in.Name),
		Description:   strings.TrimSpace(in.Description),
		Zones:         zones,
		AssignedUsers: []string{},
		Status:        session.StatusPlanning,
		CreatedAt:     now,
		Settings:      in.Settings,
	}
	sess.Progress = session.Progress{TotalItems: sess.TotalItems()}

	rt := newRuntime(sess, now)
	s.mu.Lock()
	s.sessions[sess.SessionID] = rt
	s.mu.Unlock()

	s.persistSession(ctx, sess)
	s.logger.Info().
		Str("session_id", sess.SessionID.String()).
		Int("zones", len(zones)).
		Int("total_items", sess.Progress.TotalItems).
		Msg("session created")
	return cloneSession(sess), nil
}

// Join adds userID to the session and auto-assigns any unassigned zones
// across the current participants. Joining twice is an idempotent presence
// refresh.
func (s *Service) Join(ctx context.Context, sessionID uuid.UUID, userID, role string) (*session.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
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
	now := s.clk.Now()
	rt.touch(now)

	if !rt.session.AddUser(userID) {
		// Rejoin: refresh liveness, keep zone assignments and progress.
		rt.presence.Upsert(userID, presence.StatusActive, presence.Meta{}, now)
		if p := rt.participants[userID]; p != nil {
			if p.Status == session.ParticipantDisconnected {
				p.Status = session.ParticipantActive
			}
			p.LastActivityAt = now
		}
		return cloneSession(rt.session), nil
	}

	if role != "" {
		rt.roles[userID] = role
	}
	rt.participants[userID] = &session.ParticipantProgress{
		UserID:         userID,
		Status:         session.ParticipantActive,
		LastActivityAt: now,
	}
	rt.presence.Upsert(userID, presence.StatusActive, presence.Meta{}, now)
	assignZones(rt.session)

	s.emit(rt, userID, event.UserJoined{
		UserID:        userID,
		AssignedZones: zonesAssignedTo(rt.session, userID),
	})
	s.persistSession(ctx, rt.session)
	return cloneSession(rt.session), nil
}

// Leave removes userID's live footprint: every lease it holds is released
// with reason user_disconnected and its participant record flips to
// disconnected. Safe to call repeatedly; membership and counted work are
// retained for rejoin. Leaving a retired session is a no-op: retirement
// already dropped every lease and marked everyone offline.
func (s *Service) Leave(ctx context.Context, sessionID uuid.UUID, userID string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.IsTerminal() {
		return nil
	}
	if !rt.session.HasUser(userID) {
		return nil
	}
	now := s.clk.Now()
	rt.touch(now)

	released := rt.leases.ReleaseAllHeldBy(userID, now)
	for _, l := range released {
		rt.cancelLeaseTask(s.sched, l.ItemID)
		s.emit(rt, userID, event.ProductReleased{
			ItemID:   l.ItemID,
			HolderID: l.HolderID,
			Reason:   event.ReleaseUserDisconnected,
		})
	}

	p := rt.participants[userID]
	alreadyGone := p != nil && p.Status == session.ParticipantDisconnected && len(released) == 0
	if p != nil {
		p.Status = session.ParticipantDisconnected
		p.LastActivityAt = now
	}
	rt.presence.MarkOffline(userID, now)
	if !alreadyGone {
		s.emit(rt, userID, event.UserLeft{UserID: userID})
	}
	return nil
}

// Start activates a planning session.
func (s *Service) Start(ctx context.Context, sessionID uuid.UUID, actorID string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Status != session.StatusPlanning {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, rt.session.Status, session.StatusActive)
	}
	now := s.clk.Now()
	rt.touch(now)
	if err := rt.session.Transition(session.StatusActive, now); err != nil {
		return err
	}
	s.persistStatus(ctx, sessionID, session.StatusActive, now)
	s.logger.Info().Str("session_id", sessionID.String()).Msg("session started")
	return nil
}

// Pause suspends counting. Leases and conflicts keep their deadlines; only
// new claims and counts are refused while paused.
func (s *Service) Pause(ctx context.Context, sessionID uuid.UUID, actorID string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := s.clk.Now()
	rt.touch(now)
	if err := rt.session.Transition(session.StatusPaused, now); err != nil {
		return err
	}
	s.emit(rt, actorID, event.SessionPaused{})
	s.persistStatus(ctx, sessionID, session.StatusPaused, now)
	return nil
}

// Resume reactivates a paused session.
func (s *Service) Resume(ctx context.Context, sessionID uuid.UUID, actorID string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.Status != session.StatusPaused {
		return fmt.Errorf("%w: %s -> %s", session.ErrInvalidTransition, rt.session.Status, session.StatusActive)
	}
	now := s.clk.Now()
	rt.touch(now)
	if err := rt.session.Transition(session.StatusActive, now); err != nil {
		return err
	}
	s.emit(rt, actorID, event.SessionResumed{})
	s.persistStatus(ctx, sessionID, session.StatusActive, now)
	return nil
}

// Cancel retires the session from any non-terminal state, dropping all
// leases and pending timers.
func (s *Service) Cancel(ctx context.Context, sessionID uuid.UUID, actorID, reason string) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := s.clk.Now()
	if err := rt.session.Transition(session.StatusCancelled, now); err != nil {
		return err
	}
	rt.retire(s.sched, now)
	s.emit(rt, actorID, event.SessionCancelled{Reason: reason})
	s.persistStatus(ctx, sessionID, session.StatusCancelled, now)
	s.logger.Info().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Msg("session cancelled")
	return nil
}

// SetPresence records a heartbeat-style presence update and broadcasts it.
func (s *Service) SetPresence(ctx context.Context, sessionID uuid.UUID, userID string, status presence.Status, meta presence.Meta) error {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.session.IsTerminal() {
		return fmt.Errorf("%w: %s", session.ErrSessionClosed, sessionID)
	}
	if !rt.session.HasUser(userID) {
		return fmt.Errorf("%w: %s", session.ErrNotParticipant, userID)
	}
	now := s.clk.Now()
	rt.touch(now)

	rec := rt.presence.Upsert(userID, status, meta, now)
	if p := rt.participants[userID]; p != nil {
		p.Status = participantStatusFor(status)
		p.LastActivityAt = now
	}
	s.emit(rt, userID, event.PresenceChanged{
		UserID:        userID,
		Status:        string(rec.Status),
		CurrentZoneID: rec.CurrentZoneID,
		CurrentItemID: rec.CurrentItemID,
	})
	return nil
}

// GetPresence returns the presence snapshot for a session.
func (s *Service) GetPresence(ctx context.Context, sessionID uuid.UUID) ([]*presence.Record, error) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.presence.Snapshot(), nil
}

// GetSession returns a copy of the session state.
func (s *Service) GetSession(ctx context.Context, sessionID uuid.UUID) (*session.Session, error) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return cloneSession(rt.session), nil
}

// ListSessions returns copies of every registered session sorted by creation
// time, newest first.
func (s *Service) ListSessions(ctx context.Context) []*session.Session {
	s.mu.RLock()
	rts := make([]*runtime, 0, len(s.sessions))
	for _, rt := range s.sessions {
		rts = append(rts, rt)
	}
	s.mu.RUnlock()

	out := make([]*session.Session, 0, len(rts))
	for _, rt := range rts {
		rt.mu.Lock()
		out = append(out, cloneSession(rt.session))
		rt.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Metrics is the aggregated coordination view of one session.
type Metrics struct {
	SessionID     uuid.UUID                     `json:"sessionId"`
	Status        session.Status                `json:"status"`
	Progress      session.Progress              `json:"progress"`
	Zones         []session.Zone                `json:"zones"`
	Participants  []session.ParticipantProgress `json:"participants"`
	ActiveLeases  int                           `json:"activeLeases"`
	OpenConflicts int                           `json:"openConflicts"`
}

// GetSessionMetrics aggregates progress, per-participant stats, lease and
// conflict load for a session.
func (s *Service) GetSessionMetrics(ctx context.Context, sessionID uuid.UUID) (*Metrics, error) {
	rt, err := s.runtimeFor(sessionID)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := s.clk.Now()
	sess := cloneSession(rt.session)
	participants := make([]session.ParticipantProgress, 0, len(rt.participants))
	for _, p := range rt.participants {
		participants = append(participants, *p)
	}
	sort.Slice(participants, func(i, j int) bool { return participants[i].UserID < participants[j].UserID })

	return &Metrics{
		SessionID:     sess.SessionID,
		Status:        sess.Status,
		Progress:      sess.Progress,
		Zones:         sess.Zones,
		Participants:  participants,
		ActiveLeases:  rt.leases.ActiveCount(now),
		OpenConflicts: rt.conflicts.PendingCount(),
	}, nil
}

// ListCounts returns the durable count history for a session.
func (s *Service) ListCounts(ctx context.Context, sessionID uuid.UUID, limit, offset int) ([]*session.CountRecord, error) {
	if _, err := s.runtimeFor(sessionID); err != nil {
		return nil, err
	}
	if s.repo == nil {
		return []*session.CountRecord{}, nil
	}
	return s.repo.ListCounts(ctx, sessionID, limit, offset)
}

func (s *Service) runtimeFor(sessionID uuid.UUID) (*runtime, error) {
	s.mu.RLock()
	rt, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrSessionNotFound, sessionID)
	}
	return rt, nil
}

// emit publishes an event for rt's session. Called with rt.mu held so the
// stream order matches the order operations were applied.
func (s *Service) emit(rt *runtime, actorID string, payload event.Payload) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(event.New(s.ids.NewID(), rt.session.SessionID, actorID, s.clk.Now(), payload))
}

// persistSession snapshots the session; persistence is best effort and never
// fails the coordination path.
func (s *Service) persistSession(ctx context.Context, sess *session.Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", sess.SessionID.String()).
			Msg("failed to persist session snapshot")
	}
}

func (s *Service) persistStatus(ctx context.Context, sessionID uuid.UUID, status session.Status, at time.Time) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateStatus(ctx, sessionID, status, at); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", sessionID.String()).
			Str("status", string(status)).
			Msg("failed to persist session status")
	}
}

func (s *Service) persistCount(ctx context.Context, rec *session.CountRecord) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveCount(ctx, rec); err != nil {
		s.logger.Warn().Err(err).
			Str("session_id", rec.SessionID.String()).
			Str("item_id", rec.ItemID).
			Msg("failed to persist count record")
	}
}

func participantStatusFor(status presence.Status) session.ParticipantStatus {
	switch status {
	case presence.StatusIdle:
		return session.ParticipantIdle
	case presence.StatusCounting:
		return session.ParticipantCounting
	case presence.StatusOffline:
		return session.ParticipantDisconnected
	default:
		return session.ParticipantActive
	}
}
