package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainError(t *testing.T) {
	err := New(ErrCodeInsufficientStock, "product 100: 5 available, 6 requested")
	assert.Equal(t, "[INSUFFICIENT_STOCK] product 100: 5 available, 6 requested", err.Error())
	assert.Nil(t, err.Unwrap())

	err = Newf(ErrCodeInvalidTransition, "order %d cannot move to %s", 42, "SHIPPED")
	assert.Equal(t, ErrCodeInvalidTransition, err.Code)
	assert.Contains(t, err.Message, "order 42")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrCodeDatabaseError, "query failed", cause)

	assert.Contains(t, err.Error(), "connection refused")
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrCodeDatabaseError, CodeOf(err))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeOrderNotFound, CodeOf(New(ErrCodeOrderNotFound, "gone")))
	assert.Equal(t, ErrCodeUnknownError, CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrCodeUnknownError, CodeOf(nil))

	// Codes survive fmt wrapping.
	wrapped := fmt.Errorf("handler: %w", New(ErrCodeStorageConflict, "lost the race"))
	assert.Equal(t, ErrCodeStorageConflict, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrCodeStorageConflict))
	assert.False(t, HasCode(wrapped, ErrCodeDatabaseError))
}

func TestRetryableVsBusiness(t *testing.T) {
	retryable := []ErrorCode{ErrCodeStorageConflict, ErrCodeDatabaseError, ErrCodeTimeoutError}
	for _, code := range retryable {
		err := New(code, "x")
		assert.True(t, IsRetryable(err), "%s", code)
		assert.False(t, IsBusinessError(err), "%s", code)
	}

	business := []ErrorCode{
		ErrCodeInvalidTransition, ErrCodeInsufficientStock, ErrCodeMissingPrecondition,
		ErrCodeInvalidOrder, ErrCodeOrderNotFound, ErrCodeDuplicateRequest,
	}
	for _, code := range business {
		err := New(code, "x")
		assert.True(t, IsBusinessError(err), "%s", code)
		assert.False(t, IsRetryable(err), "%s", code)
	}

	assert.False(t, IsRetryable(stderrors.New("plain")))
	assert.False(t, IsBusinessError(stderrors.New("plain")))
}
