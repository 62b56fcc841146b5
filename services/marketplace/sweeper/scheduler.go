package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Runner is the sweep the scheduler triggers.
type Runner interface {
	SweepExpired(ctx context.Context) (int, error)
}

// SchedulerConfig configures the expiry sweep scheduler. A positive Interval
// runs the sweep on a fixed period; otherwise it runs daily at
// RunHour:RunMinute in Location.
type SchedulerConfig struct {
	Runner     Runner
	Interval   time.Duration
	RunHour    int
	RunMinute  int
	Location   *time.Location
	RunOnStart bool
	Logger     *slog.Logger
	Now        func() time.Time
}

// Scheduler executes the sweep on a fixed cadence.
type Scheduler struct {
	runner     Runner
	interval   time.Duration
	runHour    int
	runMinute  int
	location   *time.Location
	runOnStart bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		runner:     cfg.Runner,
		interval:   cfg.Interval,
		runHour:    clampHour(cfg.RunHour),
		runMinute:  clampMinute(cfg.RunMinute),
		location:   loc,
		runOnStart: cfg.RunOnStart,
		logger:     logger,
		now:        now,
	}
}

// Start begins the scheduling loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.runner == nil {
		return
	}
	if s.runOnStart {
		s.run(ctx)
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.run(ctx)
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	closed, err := s.runner.SweepExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "expiry sweep failed", slog.String("error", err.Error()))
		return
	}
	s.logger.DebugContext(ctx, "scheduled expiry sweep", slog.Int("closed", closed))
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	if s.interval > 0 {
		return after.Add(s.interval)
	}
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
