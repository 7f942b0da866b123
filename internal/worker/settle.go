package worker

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/errreport"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/repository"
)

// SettleStore is the persistence needed to close out a dispatch
type SettleStore interface {
	GetDispatch(ctx context.Context, id string) (*model.Dispatch, error)
	LedgerExists(ctx context.Context, key string) (bool, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, lastError string) error
}

// Settler moves a dispatch to its final status once its job gave up. It
// needs no mail transport, so processes without workers can use it too.
type Settler struct {
	store     SettleStore
	publisher events.Publisher
	metrics   *metrics.Metrics
	now       func() time.Time
}

// SettlerOption customizes a Settler
type SettlerOption func(*Settler)

// WithSettlerClock overrides the wall clock
func WithSettlerClock(now func() time.Time) SettlerOption {
	return func(s *Settler) { s.now = now }
}

// NewSettler creates a settler
func NewSettler(store SettleStore, publisher events.Publisher, m *metrics.Metrics, opts ...SettlerOption) *Settler {
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &Settler{store: store, publisher: publisher, metrics: m, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MarkFailed records a terminal failure. A dispatch whose send is already in
// the ledger is marked SENT instead: its retries were spent on the status
// update, not on delivery.
func (s *Settler) MarkFailed(ctx context.Context, dispatchID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = truncate(cause.Error())
	}

	d, err := s.store.GetDispatch(ctx, dispatchID)
	if err != nil {
		return err
	}
	if d != nil {
		sent, err := s.store.LedgerExists(ctx, d.IdempotencyKey)
		if err != nil {
			return err
		}
		if sent {
			if err := s.store.MarkSent(ctx, dispatchID); err != nil && !errors.Is(err, repository.ErrTransitionRejected) {
				return err
			}
			logrus.WithField("dispatch_id", dispatchID).Info("Dispatch already in ledger, marked sent")
			return nil
		}
	}

	err = s.store.MarkFailed(ctx, dispatchID, msg)
	if errors.Is(err, repository.ErrTransitionRejected) {
		return nil
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.Failed.Inc()
	}

	event := events.Event{Type: events.DispatchFailed, DispatchID: dispatchID, Error: msg, OccurredAt: s.now().UTC()}
	if d != nil {
		event.CampaignID = d.CampaignID
		event.SenderID = d.SenderID
		event.IdempotencyKey = d.IdempotencyKey
	}
	publish(ctx, s.publisher, event)
	errreport.Capture(cause, map[string]string{"dispatch_id": dispatchID, "sender_id": event.SenderID})

	logrus.WithField("dispatch_id", dispatchID).Errorf("Dispatch failed: %s", msg)
	return nil
}
