// Package scheduler runs the periodic background jobs: finalization
// sweep, usefulness aggregation, expiry sweep, and the optional
// mailbox distiller — each independently toggleable and each with its
// own bounded per-tick deadline.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultFinalizerInterval           = time.Minute
	DefaultFinalizerReceiptLimit       = 100
	DefaultUsefulnessAggregatorInterval = time.Hour
	DefaultExpirySweepInterval         = time.Minute
	DefaultMailboxDistillerInterval    = 5 * time.Minute
)

// TickDeadline bounds a single job invocation; a tick whose work does
// not finish within the deadline is abandoned rather than queued.
const TickDeadline = 30 * time.Second

// Job is one independently schedulable unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Enabled  bool
	Run      func(ctx context.Context) error
}

// Scheduler runs a set of Jobs, each on its own ticker, stopping all of
// them together on Stop.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start launches one goroutine per enabled job. Safe to call once;
// call Stop before calling Start again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, job := range s.jobs {
		if !job.Enabled {
			s.logger.Info("scheduler job disabled", "job", job.Name)
			continue
		}
		s.wg.Add(1)
		go s.runLoop(runCtx, job)
	}
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	defer s.wg.Done()
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx, job)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, job Job) {
	tickCtx, cancel := context.WithTimeout(ctx, TickDeadline)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- job.Run(tickCtx) }()

	select {
	case err := <-done:
		if err != nil {
			s.logger.Error("scheduler job failed", "job", job.Name, "error", err)
		}
	case <-tickCtx.Done():
		s.logger.Warn("scheduler job exceeded tick deadline, skipping", "job", job.Name, "deadline", TickDeadline)
	}
}

// Stop cancels all running job loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
