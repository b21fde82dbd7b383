// Package schedule runs the pipeline stages as periodic loops.
package schedule

import (
	"context"
	"log/slog"
	"time"
)

// Task is one pipeline stage. RunOnce performs a single unit of work.
type Task interface {
	Name() string
	RunOnce(ctx context.Context) error
	Interval() time.Duration
}

// Heartbeat records when a task last completed a unit of work.
type Heartbeat interface {
	SetLastRun(task string, at time.Time, err error)
}

// Run calls RunOnce immediately and then once per interval until the context
// is cancelled. Tick start times stay aligned to the interval: the sleep after
// each unit is the remainder of the interval not used by processing. A failed
// unit is logged and the loop continues with the next tick.
func Run(ctx context.Context, t Task, hb Heartbeat) error {
	name := t.Name()
	interval := t.Interval()
	slog.Info("task started", "name", name, "interval", interval)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("task stopped", "name", name)
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		err := t.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Error("task failed", "task", name, "error", err)
		}
		if hb != nil {
			hb.SetLastRun(name, time.Now(), err)
		}

		rest := SleepDuration(interval, time.Since(start))
		slog.Debug("sleeping", "task", name, "for", rest)
		timer.Reset(rest)
	}
}

// SleepDuration returns how long to wait after a unit of work that took
// elapsed, so that the next unit starts on the next interval boundary.
func SleepDuration(interval, elapsed time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return interval - elapsed%interval
}
