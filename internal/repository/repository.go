package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/model"
)

// ErrTransitionRejected is returned when a guarded status update matched no row,
// either because the dispatch is gone or because its current status forbids the move.
var ErrTransitionRejected = errors.New("dispatch status transition rejected")

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// WithinTx runs fn inside a single database transaction
func (r *Repository) WithinTx(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// CreateCampaignIfAbsent inserts the campaign unless one with the same
// fingerprint exists, and returns the stored row either way.
func (r *Repository) CreateCampaignIfAbsent(ctx context.Context, campaign *model.Campaign) (*model.Campaign, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "fingerprint"}}, DoNothing: true}).
		Create(campaign)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create campaign: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return campaign, true, nil
	}

	var existing model.Campaign
	if err := r.db.WithContext(ctx).Where("fingerprint = ?", campaign.Fingerprint).First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("failed to load existing campaign: %w", err)
	}
	return &existing, false, nil
}

// CreateDispatchIfAbsent inserts the dispatch unless its idempotency key is
// already taken, and returns the stored row either way.
func (r *Repository) CreateDispatchIfAbsent(ctx context.Context, dispatch *model.Dispatch) (*model.Dispatch, bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(dispatch)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to create dispatch: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return dispatch, true, nil
	}

	existing, err := r.FindDispatchByKey(ctx, dispatch.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("dispatch with key %s vanished after conflict", dispatch.IdempotencyKey)
	}
	return existing, false, nil
}

// FindDispatchByKey returns nil when no dispatch holds the key
func (r *Repository) FindDispatchByKey(ctx context.Context, key string) (*model.Dispatch, error) {
	var dispatch model.Dispatch
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&dispatch).Error
	if err == nil {
		return &dispatch, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error finding dispatch by key: %w", err)
}

// GetDispatch returns nil when the dispatch does not exist
func (r *Repository) GetDispatch(ctx context.Context, id string) (*model.Dispatch, error) {
	var dispatch model.Dispatch
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&dispatch).Error
	if err == nil {
		return &dispatch, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error loading dispatch: %w", err)
}

// GetOwnedDispatch returns nil when no dispatch with id belongs to senderID
func (r *Repository) GetOwnedDispatch(ctx context.Context, id, senderID string) (*model.Dispatch, error) {
	var dispatch model.Dispatch
	err := r.db.WithContext(ctx).Where("id = ? AND sender_id = ?", id, senderID).First(&dispatch).Error
	if err == nil {
		return &dispatch, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error loading dispatch: %w", err)
}

// transition applies a status change guarded by the transition table
func (r *Repository) transition(ctx context.Context, scope func(*gorm.DB) *gorm.DB, next model.DispatchStatus, updates map[string]interface{}) error {
	updates["status"] = next
	updates["updated_at"] = time.Now().UTC()

	q := r.db.WithContext(ctx).Model(&model.Dispatch{}).Where("status IN ?", model.SourcesOf(next))
	result := scope(q).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to move dispatch to %s: %w", next, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTransitionRejected
	}
	return nil
}

func byID(id string) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB { return q.Where("id = ?", id) }
}

// MarkQueued moves a SCHEDULED or RATE_LIMITED dispatch to QUEUED
func (r *Repository) MarkQueued(ctx context.Context, id string) error {
	return r.transition(ctx, byID(id), model.StatusQueued, map[string]interface{}{})
}

// MarkProcessing moves the dispatch to PROCESSING and counts the attempt
func (r *Repository) MarkProcessing(ctx context.Context, id string) error {
	return r.transition(ctx, byID(id), model.StatusProcessing, map[string]interface{}{
		"attempts": gorm.Expr("attempts + 1"),
	})
}

// MarkRateLimited records a quota deferral
func (r *Repository) MarkRateLimited(ctx context.Context, id string) error {
	return r.transition(ctx, byID(id), model.StatusRateLimited, map[string]interface{}{
		"rate_limit_deferrals": gorm.Expr("rate_limit_deferrals + 1"),
	})
}

// MarkSent moves a PROCESSING dispatch to SENT
func (r *Repository) MarkSent(ctx context.Context, id string) error {
	return r.transition(ctx, byID(id), model.StatusSent, map[string]interface{}{
		"last_error": "",
	})
}

// MarkFailed moves any non-terminal dispatch to FAILED
func (r *Repository) MarkFailed(ctx context.Context, id, lastError string) error {
	return r.transition(ctx, byID(id), model.StatusFailed, map[string]interface{}{
		"last_error": lastError,
	})
}

// RecordError stores the latest failure without changing status
func (r *Repository) RecordError(ctx context.Context, id, lastError string) error {
	result := r.db.WithContext(ctx).Model(&model.Dispatch{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_error": lastError, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("failed to record dispatch error: %w", result.Error)
	}
	return nil
}

// CancelOwned moves a cancellable dispatch owned by senderID to CANCELLED
func (r *Repository) CancelOwned(ctx context.Context, id, senderID string) error {
	return r.transition(ctx, func(q *gorm.DB) *gorm.DB {
		return q.Where("id = ? AND sender_id = ?", id, senderID)
	}, model.StatusCancelled, map[string]interface{}{})
}

// FindStale walks recoverable dispatches due at or before now, with their
// campaign, handing them to fn batchSize rows at a time in primary key order
func (r *Repository) FindStale(ctx context.Context, now time.Time, batchSize int, fn func(batch []model.Dispatch) error) error {
	var batch []model.Dispatch
	err := r.db.WithContext(ctx).
		Preload("Campaign").
		Where("status IN ? AND scheduled_at <= ?", model.RecoverableStatuses, now).
		FindInBatches(&batch, batchSize, func(_ *gorm.DB, _ int) error {
			return fn(batch)
		}).Error
	if err != nil {
		return fmt.Errorf("failed to find stale dispatches: %w", err)
	}
	return nil
}

// FindStuck returns up to limit PROCESSING dispatches untouched since before,
// oldest first, with their campaign
func (r *Repository) FindStuck(ctx context.Context, before time.Time, limit int) ([]model.Dispatch, error) {
	var dispatches []model.Dispatch
	err := r.db.WithContext(ctx).
		Preload("Campaign").
		Where("status = ? AND updated_at < ?", model.StatusProcessing, before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&dispatches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck dispatches: %w", err)
	}
	return dispatches, nil
}

// ListByStatus returns one page of a sender's dispatches and the total count
func (r *Repository) ListByStatus(ctx context.Context, senderID string, statuses []model.DispatchStatus, order string, withLedger bool, offset, limit int) ([]model.Dispatch, int64, error) {
	base := r.db.WithContext(ctx).Model(&model.Dispatch{}).
		Where("sender_id = ? AND status IN ?", senderID, statuses)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count dispatches: %w", err)
	}

	q := base.Session(&gorm.Session{}).Preload("Campaign")
	if withLedger {
		q = q.Preload("Ledger")
	}

	var dispatches []model.Dispatch
	if err := q.Order(order).Offset(offset).Limit(limit).Find(&dispatches).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to list dispatches: %w", err)
	}
	return dispatches, total, nil
}

// LedgerExists reports whether a send was already recorded for key
func (r *Repository) LedgerExists(ctx context.Context, key string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Ledger{}).Where("idempotency_key = ?", key).Count(&count).Error; err != nil {
		return false, fmt.Errorf("database error checking ledger: %w", err)
	}
	return count > 0, nil
}

// CreateLedger records a completed send. A second row for the same key
// yields a DuplicateError.
func (r *Repository) CreateLedger(ctx context.Context, entry *model.Ledger) error {
	err := r.db.WithContext(ctx).Create(entry).Error
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return &apperror.DuplicateError{Key: entry.IdempotencyKey}
	}
	return fmt.Errorf("failed to create ledger entry: %w", err)
}

// GetIdentity returns nil when the sender has no identity row
func (r *Repository) GetIdentity(ctx context.Context, id string) (*model.Identity, error) {
	var identity model.Identity
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&identity).Error
	if err == nil {
		return &identity, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return nil, fmt.Errorf("database error loading identity: %w", err)
}

// isUniqueViolation covers drivers with and without error translation
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry") ||
		strings.Contains(msg, "unique constraint")
}
