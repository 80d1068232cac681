package cron_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/kiro-gateway/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestScheduler_IntervalJobFiresImmediatelyAndRepeats(t *testing.T) {
	var fired atomic.Int64

	sched := cron.NewScheduler(cron.Config{
		Logger: slog.Default(),
		Jobs: []cron.Job{
			{
				Name:     "idle-gc",
				Interval: 20 * time.Millisecond,
				Func:     func(ctx context.Context) { fired.Add(1) },
			},
		},
	})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 3 })
}

func TestScheduler_CronJobFires(t *testing.T) {
	var fired atomic.Bool

	sched := cron.NewScheduler(cron.Config{
		Logger: slog.Default(),
		Jobs: []cron.Job{
			{
				Name: "heartbeat",
				Spec: "* * * * *",
				Func: func(ctx context.Context) { fired.Store(true) },
			},
		},
	})
	ctx := context.Background()
	sched.Start(ctx)
	defer sched.Stop()

	// A per-minute cron job won't fire within the test window; just verify
	// the scheduler starts and stops cleanly without blocking forever.
	time.Sleep(50 * time.Millisecond)
}

func TestScheduler_StopWaitsForJobs(t *testing.T) {
	sched := cron.NewScheduler(cron.Config{
		Logger: slog.Default(),
		Jobs: []cron.Job{
			{
				Name:     "noop",
				Interval: 10 * time.Millisecond,
				Func:     func(ctx context.Context) {},
			},
		},
	})
	sched.Start(context.Background())
	sched.Stop()
	// Calling Stop a second time must not hang or panic.
}

func TestScheduler_JobPanicDoesNotStopOthers(t *testing.T) {
	var okFired atomic.Int64

	sched := cron.NewScheduler(cron.Config{
		Logger: slog.Default(),
		Jobs: []cron.Job{
			{
				Name:     "panics",
				Interval: 10 * time.Millisecond,
				Func:     func(ctx context.Context) { panic("boom") },
			},
			{
				Name:     "ok",
				Interval: 10 * time.Millisecond,
				Func:     func(ctx context.Context) { okFired.Add(1) },
			},
		},
	})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return okFired.Load() >= 2 })
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if next.Minute()%5 != 0 {
		t.Fatalf("expected next run minute multiple of 5, got %d", next.Minute())
	}
	if !next.After(base) {
		t.Fatalf("expected next run after base time")
	}
}
