package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ManualScheduler records the scheduled task and only runs it when Execute is called.
// It gives tests full control over when ticks happen.
type ManualScheduler struct {
	mu           sync.Mutex
	ctx          context.Context
	cancel       context.CancelFunc
	task         Task
	InitialDelay time.Duration
	Period       time.Duration
	executions   int
	stopped      bool
}

func NewManualScheduler() *ManualScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ManualScheduler{ctx: ctx, cancel: cancel}
}

func (s *ManualScheduler) ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) error {
	if err := validate(initialDelay, period, task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.task != nil {
		return ErrAlreadyScheduled
	}
	s.task = task
	s.InitialDelay = initialDelay
	s.Period = period
	return nil
}

// Execute runs one tick synchronously. Concurrent calls are serialized.
func (s *ManualScheduler) Execute() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.task == nil {
		return errors.New("no task scheduled")
	}
	s.executions++
	s.task(s.ctx)
	return nil
}

func (s *ManualScheduler) Executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executions
}

func (s *ManualScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.cancel()
}
