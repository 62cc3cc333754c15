package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// CycleRunner runs one pipeline cycle. *Orchestrator implements it.
type CycleRunner interface {
	RunCycle(ctx context.Context) State
}

// DigestSender sends the daily summary. *Summarizer implements it.
type DigestSender interface {
	Send(ctx context.Context) error
}

// Scheduler drives the main pipeline loop and the daily summary loop.
type Scheduler struct {
	logger  *slog.Logger
	cfg     ConfigSource
	cycle   CycleRunner
	digest  DigestSender
	runOnce bool
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewScheduler creates a new Scheduler. With runOnce set the configured
// cadence is ignored and a single cycle is run.
func NewScheduler(logger *slog.Logger, cfg ConfigSource, cycle CycleRunner, digest DigestSender, runOnce bool) *Scheduler {
	return &Scheduler{
		logger:  logger,
		cfg:     cfg,
		cycle:   cycle,
		digest:  digest,
		runOnce: runOnce,
		now:     time.Now,
		after:   time.After,
	}
}

// Run starts both loops and blocks until ctx is cancelled. When the cadence is
// "run once" the main loop runs a single cycle and then stops both loops.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg, err := s.cfg.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	interval := intervalDuration(cfg.Scheduler.RunsPerDay)
	if s.runOnce {
		interval = 0
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.mainLoop(gctx, interval, cancel)
	})
	g.Go(func() error {
		return s.summaryLoop(gctx)
	})
	return g.Wait()
}

func (s *Scheduler) mainLoop(ctx context.Context, interval time.Duration, stop context.CancelFunc) error {
	if interval <= 0 {
		s.logger.Info("Running pipeline once.")
		s.cycle.RunCycle(ctx)
		stop()
		return nil
	}

	s.logger.Info("Main pipeline scheduled.", "interval", interval)
	for {
		s.cycle.RunCycle(ctx)
		s.logger.Info("Next pipeline cycle scheduled.", "at", s.now().Add(interval).Format(time.DateTime))
		if !s.sleep(ctx, interval) {
			s.logger.Info("Main pipeline loop stopped.")
			return nil
		}
	}
}

func (s *Scheduler) summaryLoop(ctx context.Context) error {
	for {
		hour, minute := 23, 55
		if cfg, err := s.cfg.Load(); err != nil {
			s.logger.Warn("Could not reload config, using default summary time.", "error", err)
		} else if h, m, err := cfg.DailySummaryClock(); err != nil {
			s.logger.Warn("Invalid daily summary time, using default.", "error", err)
		} else {
			hour, minute = h, m
		}

		now := s.now()
		target, err := NextDailyTarget(now, hour, minute)
		if err != nil {
			return err
		}
		s.logger.Info("Next daily summary scheduled.", "at", target.Format(time.DateTime), "in", target.Sub(now).Round(time.Second))
		if !s.sleep(ctx, target.Sub(now)) {
			s.logger.Info("Daily summary loop stopped.")
			return nil
		}

		s.logger.Info("Starting daily summary.")
		if err := s.digest.Send(ctx); err != nil {
			s.logger.Error("Daily summary failed", "error", err)
		}
	}
}

// sleep waits for d and reports false when ctx ends first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-s.after(d):
		return ctx.Err() == nil
	}
}

// NextDailyTarget returns the next hour:minute wall-clock time strictly after
// now, in now's location.
func NextDailyTarget(now time.Time, hour, minute int) (time.Time, error) {
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid daily summary time %02d:%02d: %w", hour, minute, err)
	}
	return sched.Next(now), nil
}
