// Package housekeeping runs the periodic queue and dispatch maintenance:
// reaping expired leases, pruning finished jobs, re-linking stale dispatches,
// settling stuck ones and refreshing the queue gauges.
package housekeeping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/queue"
)

// QueueMaintainer is the maintenance side of the job queue
type QueueMaintainer interface {
	ReapStalled(ctx context.Context) (int, error)
	Prune(ctx context.Context) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Recoverer re-links stale dispatches to the queue
type Recoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

// Reconciler settles PROCESSING dispatches whose job can no longer move them
type Reconciler interface {
	ReconcileStuck(ctx context.Context) (int, error)
}

// Report summarizes one maintenance cycle
type Report struct {
	Reaped     int         `json:"reaped"`
	Pruned     int         `json:"pruned"`
	Recovered  int         `json:"recovered"`
	Reconciled int         `json:"reconciled"`
	Queue      queue.Stats `json:"queue"`
}

// Scheduler triggers a maintenance cycle every IntervalMinutes
type Scheduler struct {
	cron       *cron.Cron
	entryID    cron.EntryID
	config     config.HousekeepingConfig
	queue      QueueMaintainer
	recoverer  Recoverer
	reconciler Reconciler
	metrics    *metrics.Metrics
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	isRunning  bool
	mu         sync.RWMutex
	cycleMu    sync.Mutex
}

// New creates a stopped scheduler. reconciler may be nil.
func New(cfg config.HousekeepingConfig, q QueueMaintainer, recoverer Recoverer, reconciler Reconciler, m *metrics.Metrics) *Scheduler {
	if cfg.IntervalMinutes <= 0 {
		cfg.IntervalMinutes = 5
	}
	return &Scheduler{
		config:     cfg,
		queue:      q,
		recoverer:  recoverer,
		reconciler: reconciler,
		metrics:    m,
	}
}

// Start schedules the maintenance cycle
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("housekeeping is already running")
	}

	// fresh cron and context so a stopped scheduler can be started again
	s.cron = cron.New(cron.WithSeconds())
	s.ctx, s.cancel = context.WithCancel(context.Background())

	schedule := fmt.Sprintf("0 */%d * * * *", s.config.IntervalMinutes)
	entryID, err := s.cron.AddFunc(schedule, s.cycle)
	if err != nil {
		s.cancel()
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	s.entryID = entryID
	s.cron.Start()
	s.isRunning = true

	logrus.Infof("Housekeeping started with interval: %d minutes", s.config.IntervalMinutes)
	return nil
}

// Stop cancels a running cycle and waits for it to return
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	cancel, c := s.cancel, s.cron
	s.mu.Unlock()

	// a cycle about to start reads isRunning, so the lock is released before waiting
	cancel()
	ctx := c.Stop()

	select {
	case <-ctx.Done():
		logrus.Info("Housekeeping stopped gracefully")
	case <-time.After(30 * time.Second):
		logrus.Warn("Housekeeping stop timeout, forcing shutdown")
	}
	return nil
}

// IsRunning returns whether the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) cycle() {
	s.mu.RLock()
	if !s.isRunning {
		s.mu.RUnlock()
		return
	}
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.RunOnce(ctx); err != nil {
		logrus.Errorf("Housekeeping cycle failed: %v", err)
	}
}

// RunOnce performs one maintenance cycle. Each step runs even when an earlier
// one failed; the first error is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	// overlapping cycles would only race each other
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	report := &Report{}
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	n, err := s.queue.ReapStalled(ctx)
	keep(err)
	report.Reaped = n

	n, err = s.queue.Prune(ctx)
	keep(err)
	report.Pruned = n

	n, err = s.recoverer.RecoverStale(ctx)
	keep(err)
	report.Recovered = n

	if s.reconciler != nil {
		n, err = s.reconciler.ReconcileStuck(ctx)
		keep(err)
		report.Reconciled = n
	}

	stats, err := s.queue.Stats(ctx)
	keep(err)
	if err == nil {
		report.Queue = stats
		if s.metrics != nil {
			s.metrics.QueueJobs.WithLabelValues(string(queue.StateDelayed)).Set(float64(stats.Delayed))
			s.metrics.QueueJobs.WithLabelValues(string(queue.StateActive)).Set(float64(stats.Active))
			s.metrics.QueueJobs.WithLabelValues(string(queue.StateCompleted)).Set(float64(stats.Completed))
			s.metrics.QueueJobs.WithLabelValues(string(queue.StateFailed)).Set(float64(stats.Failed))
		}
	}

	logrus.WithFields(logrus.Fields{
		"reaped":     report.Reaped,
		"pruned":     report.Pruned,
		"recovered":  report.Recovered,
		"reconciled": report.Reconciled,
		"duration":   time.Since(start).String(),
	}).Info("Housekeeping cycle completed")

	return report, firstErr
}

// NextRun returns the time of the next scheduled cycle
func (s *Scheduler) NextRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// LastRun returns the time of the last scheduled cycle
func (s *Scheduler) LastRun() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Prev
}

// Wait blocks until in-flight cycles return
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
