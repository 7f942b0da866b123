package model

import "fmt"

// DispatchStatus is the lifecycle state of a single dispatch
type DispatchStatus string

const (
	StatusScheduled   DispatchStatus = "SCHEDULED"
	StatusQueued      DispatchStatus = "QUEUED"
	StatusProcessing  DispatchStatus = "PROCESSING"
	StatusSent        DispatchStatus = "SENT"
	StatusRateLimited DispatchStatus = "RATE_LIMITED"
	StatusFailed      DispatchStatus = "FAILED"
	StatusCancelled   DispatchStatus = "CANCELLED"
)

// transitions lists, for every status, the statuses it may move to.
// PROCESSING re-enters itself when a queue retry or a stalled lease replays the job.
var transitions = map[DispatchStatus][]DispatchStatus{
	StatusScheduled:   {StatusQueued, StatusProcessing, StatusCancelled, StatusFailed},
	StatusQueued:      {StatusProcessing, StatusCancelled, StatusFailed},
	StatusProcessing:  {StatusProcessing, StatusSent, StatusRateLimited, StatusFailed},
	StatusRateLimited: {StatusQueued, StatusProcessing, StatusCancelled, StatusFailed},
	StatusSent:        nil,
	StatusFailed:      nil,
	StatusCancelled:   nil,
}

// Valid reports whether s is a known status
func (s DispatchStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible
func (s DispatchStatus) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether moving from s to next is allowed
func (s DispatchStatus) CanTransition(next DispatchStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which next can be reached. Store updates
// use it as the guard in their WHERE clause.
func SourcesOf(next DispatchStatus) []DispatchStatus {
	var out []DispatchStatus
	for _, from := range orderedStatuses {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

// Cancellable reports whether a user may still cancel a dispatch in this status
func (s DispatchStatus) Cancellable() bool {
	return s.CanTransition(StatusCancelled)
}

var orderedStatuses = []DispatchStatus{
	StatusScheduled,
	StatusQueued,
	StatusProcessing,
	StatusRateLimited,
	StatusSent,
	StatusFailed,
	StatusCancelled,
}

// PendingStatuses are the statuses shown in the scheduled listing
var PendingStatuses = []DispatchStatus{StatusScheduled, StatusQueued, StatusProcessing, StatusRateLimited}

// RecoverableStatuses are the statuses the recovery sweep re-links to the queue
var RecoverableStatuses = []DispatchStatus{StatusScheduled, StatusRateLimited}

// ParseDispatchStatus converts a raw string into a DispatchStatus
func ParseDispatchStatus(raw string) (DispatchStatus, error) {
	s := DispatchStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("unknown dispatch status %q", raw)
	}
	return s, nil
}

// CampaignStatus is the lifecycle state of a campaign
type CampaignStatus string

const (
	CampaignActive CampaignStatus = "ACTIVE"
)

// LedgerOutcome records how a send concluded
type LedgerOutcome string

const (
	OutcomeDelivered LedgerOutcome = "DELIVERED"
)
