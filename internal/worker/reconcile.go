package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/queue"
)

const reconcileBatchSize = 200

// StuckFinder lists PROCESSING dispatches nobody has touched for a while
type StuckFinder interface {
	FindStuck(ctx context.Context, before time.Time, limit int) ([]model.Dispatch, error)
}

// JobInspector reads and recreates queue jobs
type JobInspector interface {
	Get(ctx context.Context, id string) (*queue.Info, error)
	Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) (bool, error)
}

// FailureRecorder closes out a dispatch whose job gave up
type FailureRecorder interface {
	MarkFailed(ctx context.Context, dispatchID string, cause error) error
}

// Reconciler settles PROCESSING dispatches whose queue job can no longer
// move them: the job finished while the status write failed, or the job
// itself was lost.
type Reconciler struct {
	store      StuckFinder
	jobs       JobInspector
	settler    FailureRecorder
	metrics    *metrics.Metrics
	stuckAfter time.Duration
	now        func() time.Time
}

// ReconcilerOption customizes a Reconciler
type ReconcilerOption func(*Reconciler)

// WithReconcilerClock overrides the wall clock
func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

// NewReconciler creates a reconciler. Dispatches untouched for stuckAfter
// are inspected.
func NewReconciler(store StuckFinder, jobs JobInspector, settler FailureRecorder, m *metrics.Metrics, stuckAfter time.Duration, opts ...ReconcilerOption) *Reconciler {
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	r := &Reconciler{
		store:      store,
		jobs:       jobs,
		settler:    settler,
		metrics:    m,
		stuckAfter: stuckAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileStuck inspects stuck dispatches and reports how many it settled
// or re-linked. Dispatches whose job is still delayed or active are left to it.
func (r *Reconciler) ReconcileStuck(ctx context.Context) (int, error) {
	stuck, err := r.store.FindStuck(ctx, r.now().Add(-r.stuckAfter), reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	var firstErr error
	for i := range stuck {
		d := &stuck[i]
		ok, err := r.reconcile(ctx, d)
		if err != nil {
			logrus.WithField("dispatch_id", d.ID).Errorf("Failed to reconcile stuck dispatch: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			settled++
		}
	}

	if r.metrics != nil {
		r.metrics.Reconciled.Add(float64(settled))
	}
	if settled > 0 {
		logrus.Infof("Reconciled %d of %d stuck dispatches", settled, len(stuck))
	}
	return settled, firstErr
}

func (r *Reconciler) reconcile(ctx context.Context, d *model.Dispatch) (bool, error) {
	info, err := r.jobs.Get(ctx, d.ID)
	if err != nil {
		return false, err
	}

	if info == nil {
		if d.Campaign == nil {
			return false, errors.New("stuck dispatch has no campaign")
		}
		// a replay finds the ledger row if the send went out
		payload, err := json.Marshal(d.Job(d.Campaign.SubjectTemplate, d.Campaign.BodyTemplate))
		if err != nil {
			return false, fmt.Errorf("encode job: %w", err)
		}
		if _, err := r.jobs.Enqueue(ctx, d.ID, payload, 0); err != nil {
			return false, err
		}
		logrus.WithField("dispatch_id", d.ID).Warn("Re-enqueued stuck dispatch whose job was lost")
		return true, nil
	}

	switch info.State {
	case queue.StateFailed, queue.StateCompleted:
		cause := info.LastError
		if cause == "" {
			cause = fmt.Sprintf("queue job %s without a final status", info.State)
		}
		// MarkFailed settles to SENT instead when the ledger holds the send
		if err := r.settler.MarkFailed(ctx, d.ID, errors.New(cause)); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, nil
	}
}
