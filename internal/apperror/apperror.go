// Package apperror defines the error taxonomy shared by the service, worker and
// HTTP layers.
package apperror

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FieldError describes one rejected request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a request is malformed. Nothing was mutated.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NewValidation builds a ValidationError with a single field message
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Errors: []FieldError{{Field: field, Message: message}}}
}

// NotFoundError is returned when a record does not exist for the caller
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ConflictError is returned when the requested transition is not allowed
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// RateLimitedError signals that the sender's hourly quota is exhausted.
// It never reaches API callers; the worker requeues the job instead.
type RateLimitedError struct {
	SenderID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("sender %s rate limited, retry after %s", e.SenderID, e.RetryAfter)
}

// TransientSendError wraps a mail transport failure that the queue should retry
type TransientSendError struct {
	Err error
}

func (e *TransientSendError) Error() string {
	return "send failed: " + e.Err.Error()
}

func (e *TransientSendError) Unwrap() error {
	return e.Err
}

// DuplicateError reports a unique-constraint hit on an idempotency key
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %s", e.Key)
}

// PermanentError marks a failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the queue skips the remaining attempts
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err or anything it wraps is a PermanentError
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsDuplicate reports whether err or anything it wraps is a DuplicateError
func IsDuplicate(err error) bool {
	var de *DuplicateError
	return errors.As(err, &de)
}
