// Package scheduler runs a periodic task. Implementations are injected, never global.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// Task is one tick of scheduled work. The context is cancelled when the scheduler stops.
type Task func(ctx context.Context)

var (
	ErrAlreadyScheduled = errors.New("scheduler already has a task")
	ErrStopped          = errors.New("scheduler is stopped")
)

// IScheduler runs a single task at a fixed rate. Runs of the task never overlap.
type IScheduler interface {
	ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) error
	// Stop cancels pending ticks and waits for a running tick to return.
	Stop()
}

func validate(initialDelay, period time.Duration, task Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	if initialDelay < 0 {
		return errors.New("initial delay cannot be negative")
	}
	if period <= 0 {
		return errors.New("period must be positive")
	}
	return nil
}
