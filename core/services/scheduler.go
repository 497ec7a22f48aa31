package services

import (
	"context"
	"sync"
	"time"

	"github.com/kubescape/go-logger"
	"github.com/kubescape/go-logger/helpers"
	"github.com/kubescape/vulndash/core/domain"
	"github.com/kubescape/vulndash/core/ports"
	"go.opentelemetry.io/otel"
)

const (
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 60
	DefaultIntervalMinutes = 30
)

// ClampInterval bounds a processing interval to 1..60 minutes
func ClampInterval(minutes int) int {
	return max(MinIntervalMinutes, min(MaxIntervalMinutes, minutes))
}

type SchedulerOptions struct {
	// IntervalMinutes is clamped to 1..60, zero means the default
	IntervalMinutes int
	BatchSize       int
	RetentionDays int
	// RetryDelay replaces the interval after a failed cycle, capped by the interval
	RetryDelay time.Duration
}

// Scheduler runs a processing cycle, then waits for the interval or a stop, until stopped.
// It is owned by the composition root, Start and Stop bracket its lifetime.
type Scheduler struct {
	processing ports.ProcessingService
	opts       SchedulerOptions
	interval   time.Duration
	now        func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastRun   *time.Time
	nextRun   *time.Time
	lastStats *domain.BatchStats
	lastError string
}

var _ ports.Scheduler = (*Scheduler)(nil)

func NewScheduler(processing ports.ProcessingService, opts SchedulerOptions) *Scheduler {
	if opts.IntervalMinutes == 0 {
		opts.IntervalMinutes = DefaultIntervalMinutes
	}
	opts.IntervalMinutes = ClampInterval(opts.IntervalMinutes)
	interval := time.Duration(opts.IntervalMinutes) * time.Minute
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Minute
	}
	opts.RetryDelay = min(opts.RetryDelay, interval)
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Scheduler{
		processing: processing,
		opts:       opts,
		interval:   interval,
		now:        time.Now,
	}
}

// Start launches the loop, the first cycle runs immediately. The loop outlives ctx, only Stop ends it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return domain.ErrSchedulerRunning
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	logger.L().Info("processing scheduler started", helpers.String("interval", s.interval.String()))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		wait := s.interval
		if _, err := s.runCycle(ctx); err != nil {
			wait = s.opts.RetryDelay
		}
		if ctx.Err() != nil {
			return
		}
		next := s.now().Add(wait)
		s.mu.Lock()
		s.nextRun = &next
		s.mu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) (domain.BatchStats, error) {
	ctx, span := otel.Tracer("").Start(ctx, "Scheduler.runCycle")
	defer span.End()
	started := s.now()
	s.mu.Lock()
	s.lastRun = &started
	s.mu.Unlock()

	stats, err := s.processing.RunCycle(ctx, s.opts.BatchSize, s.opts.RetentionDays)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = err.Error()
		logger.L().Ctx(ctx).Warning("processing cycle failed", helpers.Error(err))
		return stats, err
	}
	s.lastError = ""
	s.lastStats = &stats
	logger.L().Info("processing cycle complete",
		helpers.String("runID", stats.RunID),
		helpers.Int("processed", stats.Processed),
		helpers.Int("created", stats.Created),
		helpers.Int("purged", stats.Purged),
		helpers.Interface("durationSeconds", stats.DurationSeconds))
	return stats, nil
}

// Stop signals the loop and waits for the running cycle to finish its current entry, bounded by ctx
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return domain.ErrSchedulerStopped
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.nextRun = nil
	s.mu.Unlock()

	logger.L().Info("stopping processing scheduler")
	cancel()
	select {
	case <-done:
		logger.L().Info("processing scheduler stopped")
		return nil
	case <-ctx.Done():
		logger.L().Ctx(ctx).Warning("scheduler did not stop gracefully", helpers.Error(ctx.Err()))
		return ctx.Err()
	}
}

// TriggerNow runs a cycle out of band, it fails with ErrBatchInProgress while another batch runs
func (s *Scheduler) TriggerNow(ctx context.Context) (domain.BatchStats, error) {
	logger.L().Info("manual processing trigger requested")
	return s.runCycle(ctx)
}

func (s *Scheduler) Status() domain.SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := domain.SchedulerStatus{
		Running:         s.cancel != nil,
		IntervalMinutes: s.opts.IntervalMinutes,
		LastError:       s.lastError,
	}
	if s.lastRun != nil {
		t := *s.lastRun
		status.LastRun = &t
	}
	if s.nextRun != nil {
		t := *s.nextRun
		status.NextRun = &t
	}
	if s.lastStats != nil {
		stats := *s.lastStats
		status.LastStats = &stats
	}
	return status
}
