package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CronScheduler is the production scheduler. Ticks go through cron's SkipIfStillRunning
// wrapper, so a slow tick makes the next one skip instead of queueing up behind it.
type CronScheduler struct {
	logger *zap.Logger
	cron   *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	startTime *time.Timer
	// tracks the first tick, which runs outside cron's own job tracking
	firstRun  sync.WaitGroup
	scheduled bool
	stopped   bool
}

func NewCronScheduler(logger *zap.Logger) *CronScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	cl := &cronLogger{logger: logger}
	return &CronScheduler{
		logger: logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ScheduleAtFixedRate runs task once after initialDelay and then every period.
// cron schedules have one second resolution, so sub-second periods are rounded up.
func (s *CronScheduler) ScheduleAtFixedRate(initialDelay, period time.Duration, task Task) error {
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

	ctx := s.ctx
	id := s.cron.Schedule(cron.Every(period), cron.FuncJob(func() { task(ctx) }))
	// the wrapped job carries the skip-if-running state, so the first tick shares it
	job := s.cron.Entry(id).WrappedJob

	s.startTime = time.AfterFunc(initialDelay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stopped {
			return
		}
		s.firstRun.Add(1)
		go func() {
			defer s.firstRun.Done()
			job.Run()
		}()
		s.cron.Start()
	})

	s.logger.Sugar().Infow("Scheduled task",
		"initialDelay", initialDelay.String(),
		"period", period.String(),
	)
	return nil
}

func (s *CronScheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.startTime != nil {
		s.startTime.Stop()
	}
	s.cancel()
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.firstRun.Wait()
	s.logger.Sugar().Info("Scheduler stopped")
}

// cronLogger adapts zap to cron's logr-style logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
