// Package scheduler periodically queries the store for due scheduled tasks
// and fires them, materializing new tasks on the cron or interval cadence
// their templates describe.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-claw/internal/store"
)

// Config holds the dependencies for the scheduler.
type Config struct {
	Store    *store.Store
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically queries the store for due schedules and fires
// each one, materializing a task and advancing its next run time.
type Scheduler struct {
	store    *store.Store
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler with the given config.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
	}
}

// Start begins the scheduler loop in a background goroutine. It respects
// the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick queries for due schedules and fires each one.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("scheduler: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire materializes a task for the given schedule. FireSchedule itself
// handles advancing next_run_at and disabling the schedule if its cron
// expression has gone bad since creation, so a returned error here means
// the store call itself failed, not that the schedule was skipped.
func (s *Scheduler) fire(ctx context.Context, sched store.ScheduledTask, now time.Time) {
	task, fired, err := s.store.FireSchedule(ctx, sched.ID, now)
	if err != nil {
		s.logger.Error("scheduler: failed to fire schedule",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
			"error", err,
		)
		return
	}
	if !fired {
		s.logger.Warn("scheduler: schedule disabled after invalid cron expression",
			"schedule_id", sched.ID,
			"schedule_name", sched.Name,
		)
		return
	}
	s.logger.Info("scheduler: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"task_id", task.ID,
	)
}
