package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/repository"
)

// ScheduleResult is the campaign a request resolved to and every dispatch in it,
// whether created by this call or an earlier identical one.
type ScheduleResult struct {
	Campaign   *model.Campaign
	Dispatches []model.Dispatch
	Created    int
}

// ScheduleBatch validates req, stores one campaign and one dispatch per distinct
// recipient in a single transaction, then enqueues the new dispatches.
// Repeating a request returns the existing rows and enqueues nothing new.
func (s *DispatchService) ScheduleBatch(ctx context.Context, senderID string, req ScheduleRequest) (*ScheduleResult, error) {
	if err := s.validateSchedule(&req); err != nil {
		return nil, err
	}

	scheduledAt := req.ScheduledAt.UTC().Truncate(time.Millisecond)
	recipients := distinctRecipients(req.Recipients)

	result := &ScheduleResult{}
	err := s.store.WithinTx(ctx, func(tx Store) error {
		campaign, _, err := tx.CreateCampaignIfAbsent(ctx, &model.Campaign{
			OwnerID:         senderID,
			Title:           req.CampaignTitle,
			SubjectTemplate: req.Subject,
			BodyTemplate:    req.Body,
			Status:          model.CampaignActive,
			Fingerprint:     model.CampaignFingerprint(senderID, req.CampaignTitle, req.Subject, req.Body, scheduledAt),
		})
		if err != nil {
			return err
		}

		dispatches := make([]model.Dispatch, 0, len(recipients))
		created := 0
		for _, r := range recipients {
			d, isNew, err := tx.CreateDispatchIfAbsent(ctx, &model.Dispatch{
				CampaignID:     campaign.ID,
				SenderID:       senderID,
				RecipientEmail: r.Email,
				RecipientName:  r.Name,
				IdempotencyKey: model.IdempotencyKey(campaign.ID, r.Email, scheduledAt),
				Status:         model.StatusScheduled,
				ScheduledAt:    scheduledAt,
			})
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
			dispatches = append(dispatches, *d)
		}

		result.Campaign = campaign
		result.Dispatches = dispatches
		result.Created = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store schedule request: %w", err)
	}

	if s.metrics != nil {
		s.metrics.Scheduled.Add(float64(result.Created))
		s.metrics.Reused.Add(float64(len(result.Dispatches) - result.Created))
	}

	delay := scheduledAt.Sub(s.now())
	for i := range result.Dispatches {
		d := &result.Dispatches[i]
		if d.Status != model.StatusScheduled {
			continue
		}
		if err := s.enqueue(ctx, d, result.Campaign, delay); err != nil {
			logrus.WithFields(logrus.Fields{
				"dispatch_id": d.ID,
				"sender_id":   senderID,
			}).Warnf("Failed to enqueue dispatch, leaving it for recovery: %v", err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"campaign_id": result.Campaign.ID,
		"sender_id":   senderID,
		"dispatches":  len(result.Dispatches),
		"created":     result.Created,
	}).Info("Scheduled campaign")

	return result, nil
}

// enqueue adds the dispatch job and flips the row to QUEUED. A guard miss on
// the flip means a worker or a cancel already moved the row on, which is fine.
func (s *DispatchService) enqueue(ctx context.Context, d *model.Dispatch, campaign *model.Campaign, delay time.Duration) error {
	payload, err := json.Marshal(d.Job(campaign.SubjectTemplate, campaign.BodyTemplate))
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, d.ID, payload, delay); err != nil {
		return err
	}
	err = s.store.MarkQueued(ctx, d.ID)
	if errors.Is(err, repository.ErrTransitionRejected) {
		return nil
	}
	if err != nil {
		return err
	}
	d.Status = model.StatusQueued
	return nil
}

// distinctRecipients keeps the first entry per case-insensitive address
func distinctRecipients(in []RecipientInput) []RecipientInput {
	seen := make(map[string]struct{}, len(in))
	out := make([]RecipientInput, 0, len(in))
	for _, r := range in {
		key := strings.ToLower(r.Email)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}
