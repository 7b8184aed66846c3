// Package jobs runs periodic maintenance over the shared vibe store.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"ginger/server/internal/clock"
	"ginger/server/internal/models"
)

// Store is the part of the vibe store the reaper sweeps.
type Store interface {
	PurgeEntries(ctx context.Context, cutoff time.Time) (int64, error)
	AbandonStaleSessions(ctx context.Context, cutoff, now time.Time) ([]models.CallSession, error)
	PurgeSessions(ctx context.Context, cutoff time.Time) (int64, error)
}

// Flows releases in-process flows nobody is connected to.
type Flows interface {
	ReleaseResting(ctx context.Context, online func(userID string) bool) int
}

// Sweep summarizes one reaper pass.
type Sweep struct {
	PurgedEntries     int64
	AbandonedSessions int
	PurgedSessions    int64
	ReleasedFlows     int
}

// Reaper removes presence left behind by clients that vanished without
// leaving, and finishes calls whose participant stopped reporting.
type Reaper struct {
	store  Store
	clk    clock.Clock
	cfg    Config
	log    zerolog.Logger
	flows  Flows
	online func(userID string) bool
}

// NewReaper creates a reaper over store.
func NewReaper(store Store, clk clock.Clock, cfg Config, log zerolog.Logger) *Reaper {
	return &Reaper{
		store: store,
		clk:   clk,
		cfg:   cfg,
		log:   log.With().Str("module", "jobs").Logger(),
	}
}

// WithFlows makes every sweep also release the resting flows of users
// online does not report as connected.
func (r *Reaper) WithFlows(flows Flows, online func(userID string) bool) *Reaper {
	r.flows = flows
	r.online = online
	return r
}

// Run performs one sweep. Steps are independent; the first error is
// returned after all of them ran.
func (r *Reaper) Run(ctx context.Context) (Sweep, error) {
	now := r.clk.Now()
	var sweep Sweep
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := r.store.PurgeEntries(ctx, now.Add(-r.cfg.QueueRetention))
	if err != nil {
		keep(fmt.Errorf("failed to purge queue entries: %w", err))
	}
	sweep.PurgedEntries = n

	abandoned, err := r.store.AbandonStaleSessions(ctx, now.Add(-r.cfg.StaleAfter), now)
	if err != nil {
		keep(fmt.Errorf("failed to abandon stale sessions: %w", err))
	}
	sweep.AbandonedSessions = len(abandoned)
	for _, s := range abandoned {
		r.log.Info().Str("session_id", s.ID).Str("caller_id", s.CallerID).Str("receiver_id", s.ReceiverID).Msg("abandoned stale session")
	}

	n, err = r.store.PurgeSessions(ctx, now.Add(-r.cfg.SessionRetention))
	if err != nil {
		keep(fmt.Errorf("failed to purge sessions: %w", err))
	}
	sweep.PurgedSessions = n

	if r.flows != nil {
		sweep.ReleasedFlows = r.flows.ReleaseResting(ctx, r.online)
	}

	if sweep.PurgedEntries > 0 || sweep.AbandonedSessions > 0 || sweep.PurgedSessions > 0 || sweep.ReleasedFlows > 0 {
		r.log.Debug().
			Int64("entries", sweep.PurgedEntries).
			Int("abandoned", sweep.AbandonedSessions).
			Int64("sessions", sweep.PurgedSessions).
			Int("flows", sweep.ReleasedFlows).
			Msg("sweep finished")
	}
	return sweep, firstErr
}

// Scheduler runs the reaper on a fixed interval.
type Scheduler struct {
	sched  gocron.Scheduler
	reaper *Reaper
	log    zerolog.Logger
}

// NewScheduler registers the reaper job. Overlapping runs are skipped.
func NewScheduler(reaper *Reaper, opTimeout time.Duration) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	s := &Scheduler{sched: sched, reaper: reaper, log: reaper.log}
	_, err = sched.NewJob(
		gocron.DurationJob(reaper.cfg.Interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if _, err := reaper.Run(ctx); err != nil {
				s.log.Warn().Err(err).Msg("reaper sweep failed")
			}
		}),
		gocron.WithName("vibe-reaper"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("failed to schedule reaper: %w", err)
	}
	return s, nil
}

// Start begins running jobs.
func (s *Scheduler) Start() {
	s.sched.Start()
	s.log.Info().Dur("interval", s.reaper.cfg.Interval).Msg("⏱️ reaper scheduled")
}

// Shutdown stops the scheduler and waits for a running sweep.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
