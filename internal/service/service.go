// Package service holds the dispatch use cases behind the HTTP API: batch
// scheduling, cancellation, listings and the crash recovery sweep.
package service

import (
	"context"
	"time"

	"dispatch-engine-go/internal/config"
	"dispatch-engine-go/internal/events"
	"dispatch-engine-go/internal/metrics"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/repository"
)

// Store is the persistence the service needs
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Store) error) error
	CreateCampaignIfAbsent(ctx context.Context, campaign *model.Campaign) (*model.Campaign, bool, error)
	CreateDispatchIfAbsent(ctx context.Context, dispatch *model.Dispatch) (*model.Dispatch, bool, error)
	GetOwnedDispatch(ctx context.Context, id, senderID string) (*model.Dispatch, error)
	MarkQueued(ctx context.Context, id string) error
	CancelOwned(ctx context.Context, id, senderID string) error
	FindStale(ctx context.Context, now time.Time, batchSize int, fn func(batch []model.Dispatch) error) error
	ListByStatus(ctx context.Context, senderID string, statuses []model.DispatchStatus, order string, withLedger bool, offset, limit int) ([]model.Dispatch, int64, error)
}

// JobQueue is the producer side of the dispatch queue
type JobQueue interface {
	Enqueue(ctx context.Context, id string, payload []byte, delay time.Duration) (bool, error)
	Remove(ctx context.Context, id string) (bool, error)
}

// QuotaReader exposes the sender quota without consuming it
type QuotaReader interface {
	Peek(ctx context.Context, senderID string) (int, error)
	Limit() int
}

// repoStore adapts *repository.Repository so transactions hand out a Store
type repoStore struct {
	*repository.Repository
}

// NewStore wraps repo as a Store
func NewStore(repo *repository.Repository) Store {
	return repoStore{Repository: repo}
}

func (s repoStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	return s.Repository.WithinTx(ctx, func(tx *repository.Repository) error {
		return fn(repoStore{Repository: tx})
	})
}

// DispatchService implements the dispatch use cases
type DispatchService struct {
	store     Store
	queue     JobQueue
	quota     QuotaReader
	publisher events.Publisher
	metrics   *metrics.Metrics
	cfg       config.SchedulerConfig
	now       func() time.Time
}

// Option customizes a DispatchService
type Option func(*DispatchService)

// WithClock overrides the wall clock, used by tests
func WithClock(now func() time.Time) Option {
	return func(s *DispatchService) { s.now = now }
}

// NewDispatchService creates the service
func NewDispatchService(store Store, queue JobQueue, quota QuotaReader, publisher events.Publisher, m *metrics.Metrics, cfg config.SchedulerConfig, opts ...Option) *DispatchService {
	if cfg.MinLeadTime <= 0 {
		cfg.MinLeadTime = time.Minute
	}
	if cfg.MaxRecipients <= 0 {
		cfg.MaxRecipients = 1000
	}
	if publisher == nil {
		publisher = events.Nop{}
	}
	s := &DispatchService{
		store:     store,
		queue:     queue,
		quota:     quota,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}
