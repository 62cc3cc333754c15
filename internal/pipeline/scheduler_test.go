package pipeline

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"voicecal/internal/config"
)

type countingCycle struct {
	runs atomic.Int32
}

func (c *countingCycle) RunCycle(context.Context) State {
	c.runs.Add(1)
	return State{LastRunStatus: StatusSuccess}
}

type countingDigest struct {
	sends atomic.Int32
}

func (d *countingDigest) Send(context.Context) error {
	d.sends.Add(1)
	return nil
}

func TestCalculateIntervalSeconds(t *testing.T) {
	tests := []struct {
		runs float64
		want int
	}{
		{0, 0},
		{-1, 0},
		{1, 86400},
		{4, 21600},
		{0.5, 172800},
		{24, 3600},
	}
	for _, tt := range tests {
		if got := CalculateIntervalSeconds(tt.runs); got != tt.want {
			t.Errorf("CalculateIntervalSeconds(%v) = %d, want %d", tt.runs, got, tt.want)
		}
	}
}

func TestSchedulerRunOnce(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.RunsPerDay = 0

	cycle := &countingCycle{}
	digest := &countingDigest{}
	s := NewScheduler(discardLogger(), staticConfig{cfg: cfg}, cycle, digest, false)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after a single cycle")
	}
	if got := cycle.runs.Load(); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}
	if got := digest.sends.Load(); got != 0 {
		t.Fatalf("digests = %d, want 0", got)
	}
}

func TestSchedulerOnceFlagOverridesCadence(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.RunsPerDay = 24

	cycle := &countingCycle{}
	s := NewScheduler(discardLogger(), staticConfig{cfg: cfg}, cycle, &countingDigest{}, true)
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := cycle.runs.Load(); got != 1 {
		t.Fatalf("cycles = %d, want 1", got)
	}
}

func TestSchedulerRepeatsUntilCancelled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Scheduler.RunsPerDay = 24

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cycle := &countingCycle{}
	digest := &countingDigest{}
	s := NewScheduler(discardLogger(), staticConfig{cfg: cfg}, cycle, digest, false)
	s.after = func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		if cycle.runs.Load() >= 3 && digest.sends.Load() > 0 {
			cancel()
			return ch
		}
		ch <- time.Time{}
		return ch
	}

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := cycle.runs.Load(); got < 3 {
		t.Fatalf("cycles = %d, want at least 3", got)
	}
	if digest.sends.Load() == 0 {
		t.Fatal("daily summary never sent")
	}
}

func TestNextDailyTarget(t *testing.T) {
	loc := time.FixedZone("CEST", 2*3600)
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", time.Date(2025, 4, 7, 10, 0, 0, 0, loc), time.Date(2025, 4, 7, 23, 55, 0, 0, loc)},
		{"just passed", time.Date(2025, 4, 7, 23, 56, 0, 0, loc), time.Date(2025, 4, 8, 23, 55, 0, 0, loc)},
		{"exactly now", time.Date(2025, 4, 7, 23, 55, 0, 0, loc), time.Date(2025, 4, 8, 23, 55, 0, 0, loc)},
		{"month end", time.Date(2025, 4, 30, 23, 59, 0, 0, loc), time.Date(2025, 5, 1, 23, 55, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextDailyTarget(tt.now, 23, 55)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextDailyTargetMidnight(t *testing.T) {
	now := time.Date(2025, 4, 7, 0, 0, 30, 0, time.UTC)
	got, err := NextDailyTarget(now, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2025, 4, 8, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestNextDailyTargetInvalid(t *testing.T) {
	if _, err := NextDailyTarget(time.Now(), 25, 0); err == nil {
		t.Fatal("expected error for hour 25")
	}
}
