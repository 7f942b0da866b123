package service

import (
	"context"
	"fmt"
	"time"

	"dispatch-engine-go/internal/model"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// PageMeta describes one page of a listing
type PageMeta struct {
	Page       int   `json:"page"`
	PerPage    int   `json:"perPage"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"totalPages"`
}

// CampaignSummary is the campaign part of a listed dispatch
type CampaignSummary struct {
	Title           string `json:"title"`
	SubjectTemplate string `json:"subjectTemplate"`
}

// LedgerSummary is the send record of a listed dispatch
type LedgerSummary struct {
	SMTPMessageID string              `json:"smtpMessageId"`
	SentAt        time.Time           `json:"sentAt"`
	Outcome       model.LedgerOutcome `json:"outcome"`
}

// ScheduledItem is one pending dispatch
type ScheduledItem struct {
	ID             string               `json:"id"`
	RecipientEmail string               `json:"recipientEmail"`
	RecipientName  string               `json:"recipientName,omitempty"`
	Status         model.DispatchStatus `json:"status"`
	ScheduledAt    time.Time            `json:"scheduledAt"`
	Attempts       int                  `json:"attempts"`
	Campaign       *CampaignSummary     `json:"campaign,omitempty"`
}

// SentItem is one delivered dispatch
type SentItem struct {
	ID             string           `json:"id"`
	RecipientEmail string           `json:"recipientEmail"`
	RecipientName  string           `json:"recipientName,omitempty"`
	ScheduledAt    time.Time        `json:"scheduledAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Campaign       *CampaignSummary `json:"campaign,omitempty"`
	Ledger         *LedgerSummary   `json:"ledger,omitempty"`
}

// ScheduledPage is a page of pending dispatches
type ScheduledPage struct {
	Data []ScheduledItem `json:"data"`
	Meta PageMeta        `json:"meta"`
}

// SentPage is a page of delivered dispatches
type SentPage struct {
	Data []SentItem `json:"data"`
	Meta PageMeta   `json:"meta"`
}

// RateLimitStatus is the sender's remaining hourly quota
type RateLimitStatus struct {
	Remaining int `json:"remaining"`
	Limit     int `json:"limit"`
}

// normalizePage clamps page to >= 1 and perPage to 1..100, defaulting to 20
func normalizePage(page, perPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

func pageMeta(page, perPage int, total int64) PageMeta {
	pages := int((total + int64(perPage) - 1) / int64(perPage))
	return PageMeta{Page: page, PerPage: perPage, Total: total, TotalPages: pages}
}

func summarize(c *model.Campaign) *CampaignSummary {
	if c == nil {
		return nil
	}
	return &CampaignSummary{Title: c.Title, SubjectTemplate: c.SubjectTemplate}
}

// ListScheduled pages through the sender's pending dispatches, soonest first
func (s *DispatchService) ListScheduled(ctx context.Context, senderID string, page, perPage int) (*ScheduledPage, error) {
	page, perPage = normalizePage(page, perPage)
	rows, total, err := s.store.ListByStatus(ctx, senderID, model.PendingStatuses, "scheduled_at ASC", false, (page-1)*perPage, perPage)
	if err != nil {
		return nil, err
	}

	items := make([]ScheduledItem, 0, len(rows))
	for _, d := range rows {
		items = append(items, ScheduledItem{
			ID:             d.ID,
			RecipientEmail: d.RecipientEmail,
			RecipientName:  d.RecipientName,
			Status:         d.Status,
			ScheduledAt:    d.ScheduledAt,
			Attempts:       d.Attempts,
			Campaign:       summarize(d.Campaign),
		})
	}
	return &ScheduledPage{Data: items, Meta: pageMeta(page, perPage, total)}, nil
}

// ListSent pages through the sender's delivered dispatches, most recent first
func (s *DispatchService) ListSent(ctx context.Context, senderID string, page, perPage int) (*SentPage, error) {
	page, perPage = normalizePage(page, perPage)
	rows, total, err := s.store.ListByStatus(ctx, senderID, []model.DispatchStatus{model.StatusSent}, "updated_at DESC", true, (page-1)*perPage, perPage)
	if err != nil {
		return nil, err
	}

	items := make([]SentItem, 0, len(rows))
	for _, d := range rows {
		item := SentItem{
			ID:             d.ID,
			RecipientEmail: d.RecipientEmail,
			RecipientName:  d.RecipientName,
			ScheduledAt:    d.ScheduledAt,
			UpdatedAt:      d.UpdatedAt,
			Campaign:       summarize(d.Campaign),
		}
		if d.Ledger != nil {
			item.Ledger = &LedgerSummary{
				SMTPMessageID: d.Ledger.SMTPMessageID,
				SentAt:        d.Ledger.SentAt,
				Outcome:       d.Ledger.Outcome,
			}
		}
		items = append(items, item)
	}
	return &SentPage{Data: items, Meta: pageMeta(page, perPage, total)}, nil
}

// PeekRateLimit reports the sender's remaining quota for the current hour
func (s *DispatchService) PeekRateLimit(ctx context.Context, senderID string) (*RateLimitStatus, error) {
	remaining, err := s.quota.Peek(ctx, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return &RateLimitStatus{Remaining: remaining, Limit: s.quota.Limit()}, nil
}
