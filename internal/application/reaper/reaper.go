package reaper

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallyhub/tallyhub/internal/infrastructure/clock"
	"github.com/tallyhub/tallyhub/internal/infrastructure/schedule"
)

// Coordinator is the slice of the coordinator the reaper drives.
type Coordinator interface {
	ExpireLeases(now time.Time) int
	CancelInactive(now time.Time) int
}

// Reaper is the single background driver for all time-based coordination
// work: it fires due deadline-queue tasks (lease expiries, conflict grace
// periods) and runs the coarse safety-net sweeps.
type Reaper struct {
	coord    Coordinator
	sched    *schedule.Queue
	clk      clock.Clock
	interval time.Duration
	logger   zerolog.Logger
}

// New creates a reaper ticking at the given interval.
func New(coord Coordinator, sched *schedule.Queue, clk clock.Clock, interval time.Duration, logger zerolog.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		coord:    coord,
		sched:    sched,
		clk:      clk,
		interval: interval,
		logger:   logger.With().Str("service", "reaper").Logger(),
	}
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.logger.Info().Dur("interval", r.interval).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(r.clk.Now())
		}
	}
}

// Sweep runs one reaper pass at the given instant: due scheduled tasks
// first, then the lease and inactivity sweeps.
func (r *Reaper) Sweep(now time.Time) {
	fired := r.sched.RunDue(now)
	expired := r.coord.ExpireLeases(now)
	cancelled := r.coord.CancelInactive(now)
	if fired > 0 || expired > 0 || cancelled > 0 {
		r.logger.Debug().
			Int("tasks_fired", fired).
			Int("leases_expired", expired).
			Int("sessions_cancelled", cancelled).
			Msg("reaper sweep")
	}
}
