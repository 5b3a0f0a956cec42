// Package retention prunes terminal hook execution history on a cron
// schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateSchedule reports whether expr is a 5-field cron expression.
func ValidateSchedule(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

// Store deletes terminal executions completed before cutoff.
type Store interface {
	PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	Store    Store
	Logger   *slog.Logger
	Schedule string
	// MaxAge is how long terminal executions are kept. Zero keeps them forever.
	MaxAge time.Duration
	// Interval is how often the schedule is checked; defaults to 1 minute.
	Interval time.Duration
	Now      func() time.Time
}

// Sweeper checks the schedule on every tick and prunes when a run is due.
type Sweeper struct {
	store    Store
	logger   *slog.Logger
	schedule cronlib.Schedule
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(cfg Config) (*Sweeper, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Sweeper{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		maxAge:   cfg.MaxAge,
		interval: interval,
		now:      now,
	}, nil
}

// NextRun returns the first scheduled sweep after t.
func (s *Sweeper) NextRun(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Start begins the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention sweeper started", "max_age", s.maxAge.String(), "next_run_at", s.NextRun(s.now()))
}

// Stop cancels the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	next := s.NextRun(s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			if now.Before(next) {
				continue
			}
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("retention: sweep failed", "error", err)
			}
			next = s.NextRun(now)
		}
	}
}

// Sweep prunes once, returning how many executions were deleted.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	if s.maxAge <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.maxAge)
	n, err := s.store.PruneExecutions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info("retention: pruned execution history", "deleted", n, "cutoff", cutoff)
	return n, nil
}
