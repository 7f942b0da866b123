package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/queue"
	"dispatch-engine-go/internal/repository"
)

// CancelResult is the dispatch state after a successful cancel
type CancelResult struct {
	ID     string               `json:"id"`
	Status model.DispatchStatus `json:"status"`
}

// Cancel stops a pending dispatch owned by senderID. Removing the queued job
// is best effort: workers re-check the status before sending.
func (s *DispatchService) Cancel(ctx context.Context, dispatchID, senderID string) (*CancelResult, error) {
	err := s.store.CancelOwned(ctx, dispatchID, senderID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		d, gerr := s.store.GetOwnedDispatch(ctx, dispatchID, senderID)
		if gerr != nil {
			return nil, gerr
		}
		if d == nil {
			return nil, &apperror.NotFoundError{Resource: "dispatch", ID: dispatchID}
		}
		return nil, &apperror.ConflictError{Message: fmt.Sprintf("Cannot cancel a dispatch with status %s", d.Status)}
	}
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"dispatch_id": dispatchID,
		"sender_id":   senderID,
	})

	if _, err := s.queue.Remove(ctx, dispatchID); err != nil {
		if errors.Is(err, queue.ErrJobActive) {
			log.Debug("Cancelled dispatch is held by a worker, it will be skipped")
		} else {
			log.Warnf("Failed to remove cancelled job: %v", err)
		}
	}

	if err := s.publisher.Publish(ctx, events.Event{
		Type:       events.DispatchCancelled,
		DispatchID: dispatchID,
		SenderID:   senderID,
		OccurredAt: s.now().UTC(),
	}); err != nil {
		log.Warnf("Failed to publish cancel event: %v", err)
	}
	if s.metrics != nil {
		s.metrics.Cancelled.Inc()
	}

	log.Info("Dispatch cancelled")
	return &CancelResult{ID: dispatchID, Status: model.StatusCancelled}, nil
}
