package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationErrorMessage(t *testing.T) {
	err := &ValidationError{Errors: []FieldError{
		{Field: "subject", Message: "is required"},
		{Field: "recipients", Message: "must contain at least 1 item"},
	}}
	assert.Equal(t, "validation failed: subject: is required; recipients: must contain at least 1 item", err.Error())
}

func TestPermanentWrapping(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := fmt.Errorf("decode: %w", Permanent(base))

	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}

func TestTransientSendErrorUnwraps(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("dispatch d1: %w", &TransientSendError{Err: base})

	var tse *TransientSendError
	assert.True(t, errors.As(err, &tse))
	assert.ErrorIs(t, err, base)
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(fmt.Errorf("ledger: %w", &DuplicateError{Key: "k"})))
	assert.False(t, IsDuplicate(errors.New("other")))
}
