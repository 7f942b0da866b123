// Package repotest provides an in-memory stand-in for the repository that
// enforces the same unique keys and status guards.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch-engine-go/internal/apperror"
	"dispatch-engine-go/internal/model"
	"dispatch-engine-go/internal/repository"
)

// Store keeps campaigns, dispatches, ledger rows and identities in maps
type Store struct {
	mu         sync.Mutex
	campaigns  map[string]*model.Campaign
	dispatches map[string]*model.Dispatch
	ledger     map[string]*model.Ledger
	identities map[string]*model.Identity
	now        func() time.Time

	// FailMarkQueued makes MarkQueued return this error when set
	FailMarkQueued error
}

// New returns an empty store
func New() *Store {
	return &Store{
		campaigns:  make(map[string]*model.Campaign),
		dispatches: make(map[string]*model.Dispatch),
		ledger:     make(map[string]*model.Ledger),
		identities: make(map[string]*model.Identity),
		now:        time.Now,
	}
}

// SetClock overrides the clock used for UpdatedAt
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) CreateCampaignIfAbsent(_ context.Context, campaign *model.Campaign) (*model.Campaign, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.campaigns {
		if c.Fingerprint == campaign.Fingerprint {
			cp := *c
			return &cp, false, nil
		}
	}
	if campaign.ID == "" {
		campaign.ID = uuid.NewString()
	}
	now := s.now().UTC()
	campaign.CreatedAt, campaign.UpdatedAt = now, now
	cp := *campaign
	s.campaigns[campaign.ID] = &cp
	return campaign, true, nil
}

func (s *Store) CreateDispatchIfAbsent(_ context.Context, dispatch *model.Dispatch) (*model.Dispatch, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.byKey(dispatch.IdempotencyKey); existing != nil {
		cp := *existing
		return &cp, false, nil
	}
	if _, ok := s.campaigns[dispatch.CampaignID]; !ok {
		return nil, false, fmt.Errorf("campaign %s does not exist", dispatch.CampaignID)
	}
	if dispatch.ID == "" {
		dispatch.ID = uuid.NewString()
	}
	now := s.now().UTC()
	dispatch.CreatedAt, dispatch.UpdatedAt = now, now
	cp := *dispatch
	cp.Campaign, cp.Ledger = nil, nil
	s.dispatches[dispatch.ID] = &cp
	return dispatch, true, nil
}

func (s *Store) byKey(key string) *model.Dispatch {
	for _, d := range s.dispatches {
		if d.IdempotencyKey == key {
			return d
		}
	}
	return nil
}

func (s *Store) FindDispatchByKey(_ context.Context, key string) (*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.byKey(key); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetDispatch(_ context.Context, id string) (*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dispatches[id]; ok {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) GetOwnedDispatch(_ context.Context, id, senderID string) (*model.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dispatches[id]; ok && d.SenderID == senderID {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

func (s *Store) transition(id string, owner string, next model.DispatchStatus, apply func(*model.Dispatch)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dispatches[id]
	if !ok || (owner != "" && d.SenderID != owner) || !d.Status.CanTransition(next) {
		return repository.ErrTransitionRejected
	}
	d.Status = next
	d.UpdatedAt = s.now().UTC()
	if apply != nil {
		apply(d)
	}
	return nil
}

func (s *Store) MarkQueued(_ context.Context, id string) error {
	if s.FailMarkQueued != nil {
		return s.FailMarkQueued
	}
	return s.transition(id, "", model.StatusQueued, nil)
}

func (s *Store) MarkProcessing(_ context.Context, id string) error {
	return s.transition(id, "", model.StatusProcessing, func(d *model.Dispatch) { d.Attempts++ })
}

func (s *Store) MarkRateLimited(_ context.Context, id string) error {
	return s.transition(id, "", model.StatusRateLimited, func(d *model.Dispatch) { d.RateLimitDeferrals++ })
}

func (s *Store) MarkSent(_ context.Context, id string) error {
	return s.transition(id, "", model.StatusSent, func(d *model.Dispatch) { d.LastError = "" })
}

func (s *Store) MarkFailed(_ context.Context, id, lastError string) error {
	return s.transition(id, "", model.StatusFailed, func(d *model.Dispatch) { d.LastError = lastError })
}

func (s *Store) RecordError(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.dispatches[id]; ok {
		d.LastError = lastError
		d.UpdatedAt = s.now().UTC()
	}
	return nil
}

func (s *Store) CancelOwned(_ context.Context, id, senderID string) error {
	return s.transition(id, senderID, model.StatusCancelled, nil)
}

func (s *Store) FindStale(_ context.Context, now time.Time, batchSize int, fn func(batch []model.Dispatch) error) error {
	out := s.collect(func(d *model.Dispatch) bool {
		return statusIn(d.Status, model.RecoverableStatuses) && !d.ScheduledAt.After(now)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	// the lock is released so fn may write back
	for start := 0; start < len(out); start += batchSize {
		end := start + batchSize
		if end > len(out) {
			end = len(out)
		}
		if err := fn(out[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) FindStuck(_ context.Context, before time.Time, limit int) ([]model.Dispatch, error) {
	out := s.collect(func(d *model.Dispatch) bool {
		return d.Status == model.StatusProcessing && d.UpdatedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// collect copies the matching rows with their campaign attached
func (s *Store) collect(match func(*model.Dispatch) bool) []model.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Dispatch
	for _, d := range s.dispatches {
		if !match(d) {
			continue
		}
		cp := *d
		if c, ok := s.campaigns[d.CampaignID]; ok {
			cc := *c
			cp.Campaign = &cc
		}
		out = append(out, cp)
	}
	return out
}

// ListByStatus understands the two orders the service uses
func (s *Store) ListByStatus(_ context.Context, senderID string, statuses []model.DispatchStatus, order string, withLedger bool, offset, limit int) ([]model.Dispatch, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []model.Dispatch
	for _, d := range s.dispatches {
		if d.SenderID != senderID || !statusIn(d.Status, statuses) {
			continue
		}
		cp := *d
		if c, ok := s.campaigns[d.CampaignID]; ok {
			cc := *c
			cp.Campaign = &cc
		}
		if withLedger {
			for _, l := range s.ledger {
				if l.DispatchID == d.ID {
					lc := *l
					cp.Ledger = &lc
				}
			}
		}
		all = append(all, cp)
	}

	switch order {
	case "updated_at DESC":
		sort.SliceStable(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	default:
		sort.SliceStable(all, func(i, j int) bool { return all[i].ScheduledAt.Before(all[j].ScheduledAt) })
	}

	total := int64(len(all))
	if offset >= len(all) {
		return []model.Dispatch{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (s *Store) LedgerExists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ledger[key]
	return ok, nil
}

func (s *Store) CreateLedger(_ context.Context, entry *model.Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledger[entry.IdempotencyKey]; ok {
		return &apperror.DuplicateError{Key: entry.IdempotencyKey}
	}
	for _, l := range s.ledger {
		if l.DispatchID == entry.DispatchID {
			return &apperror.DuplicateError{Key: entry.IdempotencyKey}
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	cp := *entry
	s.ledger[entry.IdempotencyKey] = &cp
	return nil
}

func (s *Store) GetIdentity(_ context.Context, id string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i, ok := s.identities[id]; ok {
		cp := *i
		return &cp, nil
	}
	return nil, nil
}

// AddIdentity registers a sender identity
func (s *Store) AddIdentity(identity model.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[identity.ID] = &identity
}

// PutDispatch inserts or replaces a dispatch row as is
func (s *Store) PutDispatch(d model.Dispatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Campaign, d.Ledger = nil, nil
	s.dispatches[d.ID] = &d
}

// Dispatch returns a copy of the row, or nil
func (s *Store) Dispatch(id string) *model.Dispatch {
	d, _ := s.GetDispatch(context.Background(), id)
	return d
}

// DispatchCount returns the number of dispatch rows
func (s *Store) DispatchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dispatches)
}

// CampaignCount returns the number of campaign rows
func (s *Store) CampaignCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.campaigns)
}

// LedgerCount returns the number of ledger rows
func (s *Store) LedgerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ledger)
}

func statusIn(s model.DispatchStatus, set []model.DispatchStatus) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
