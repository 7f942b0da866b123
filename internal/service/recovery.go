package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/model"
)

const recoveryBatchSize = 200

// RecoverStale re-links due SCHEDULED and RATE_LIMITED dispatches to the
// queue. Enqueueing is idempotent by dispatch id, so running the sweep while
// jobs are still queued, or twice in a row, does no harm.
func (s *DispatchService) RecoverStale(ctx context.Context) (int, error) {
	recovered, seen := 0, 0
	err := s.store.FindStale(ctx, s.now(), recoveryBatchSize, func(batch []model.Dispatch) error {
		for i := range batch {
			d := &batch[i]
			seen++
			log := logrus.WithFields(logrus.Fields{
				"dispatch_id": d.ID,
				"status":      d.Status,
			})
			if d.Campaign == nil {
				log.Warn("Skipping stale dispatch without campaign")
				continue
			}
			if err := s.enqueue(ctx, d, d.Campaign, 0); err != nil {
				log.Errorf("Failed to recover dispatch: %v", err)
				continue
			}
			recovered++
		}
		return ctx.Err()
	})

	if s.metrics != nil {
		s.metrics.Recovered.Add(float64(recovered))
	}
	if seen > 0 {
		logrus.Infof("Recovery sweep re-linked %d of %d stale dispatches", recovered, seen)
	}
	if err != nil {
		return recovered, fmt.Errorf("recovery sweep: %w", err)
	}
	return recovered, nil
}
