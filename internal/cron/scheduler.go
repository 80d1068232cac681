// Package cron provides a periodic scheduler that fires named jobs on a
// cron-style schedule or a fixed interval. It is used to drive the session
// pool's idle-GC sweep and its diagnostic heartbeat.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named unit of work fired on its own schedule.
type Job struct {
	Name string
	Spec string // cron expression; ignored if Interval is set
	Func func(ctx context.Context)

	// Interval, if non-zero, fires Func on a fixed tick instead of parsing
	// Spec. Used for the idle-GC sweep, which runs far more often than any
	// cron expression can conveniently express.
	Interval time.Duration
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler runs a fixed set of Jobs, each on its own cadence, until Stop is called.
type Scheduler struct {
	logger *slog.Logger
	jobs   []Job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger,
		jobs:   cfg.Jobs,
	}
}

// Start begins running every configured job in its own goroutine. It
// respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, job := range s.jobs {
		job := job
		s.wg.Add(1)
		go s.runJob(ctx, job)
	}
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels all job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// runJob drives a single job until ctx is cancelled.
func (s *Scheduler) runJob(ctx context.Context, job Job) {
	defer s.wg.Done()

	if job.Interval > 0 {
		s.runInterval(ctx, job)
		return
	}
	s.runCron(ctx, job)
}

// runInterval fires job.Func on a fixed ticker, immediately on start and
// then on every tick.
func (s *Scheduler) runInterval(ctx context.Context, job Job) {
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	s.invoke(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, job)
		}
	}
}

// runCron fires job.Func at the next time its cron expression matches,
// recomputing the next fire time after each run.
func (s *Scheduler) runCron(ctx context.Context, job Job) {
	sched, err := cronParser.Parse(job.Spec)
	if err != nil {
		s.logger.Error("cron: invalid schedule", "job", job.Name, "spec", job.Spec, "error", err)
		return
	}

	for {
		next := sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.invoke(ctx, job)
		}
	}
}

func (s *Scheduler) invoke(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", job.Name, "panic", r)
		}
	}()
	job.Func(ctx)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
