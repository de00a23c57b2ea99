package scheduler

import (
	"context"
	"sync"
	"time"
)

// TickerScheduler runs ticks on a single goroutine, so they are sequential by construction.
// A tick that overruns the period delays the next one; missed ticks are dropped by time.Ticker.
type TickerScheduler struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	scheduled bool
	stopped   bool
}

func NewTickerScheduler() *TickerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TickerScheduler{ctx: ctx, cancel: cancel}
}

func (s *TickerScheduler) ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) error {
	if err := validate(initialDelay, period, task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.scheduled {
		return ErrAlreadyScheduled
	}
	s.scheduled = true

	s.wg.Add(1)
	go s.run(initialDelay, period, task)
	return nil
}

func (s *TickerScheduler) run(initialDelay, period time.Duration, task Task) {
	defer s.wg.Done()

	delay := time.NewTimer(initialDelay)
	defer delay.Stop()

	select {
	case <-s.ctx.Done():
		return
	case <-delay.C:
	}
	task(s.ctx)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			task(s.ctx)
		}
	}
}

func (s *TickerScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
}
