package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode classifies every failure the fulfillment engine can surface.
type ErrorCode string

const (
	// Business errors. Never retried automatically.
	ErrCodeInvalidTransition   ErrorCode = "INVALID_TRANSITION"
	ErrCodeInsufficientStock   ErrorCode = "INSUFFICIENT_STOCK"
	ErrCodeMissingPrecondition ErrorCode = "MISSING_PRECONDITION"
	ErrCodeInvalidOrder        ErrorCode = "INVALID_ORDER"
	ErrCodeOrderNotFound       ErrorCode = "ORDER_NOT_FOUND"
	ErrCodeDuplicateRequest    ErrorCode = "DUPLICATE_REQUEST"

	// Technical errors. Safe to retry with backoff.
	ErrCodeStorageConflict    ErrorCode = "STORAGE_CONFLICT"
	ErrCodeDatabaseError      ErrorCode = "DATABASE_ERROR"
	ErrCodeTimeoutError       ErrorCode = "TIMEOUT_ERROR"
	ErrCodeSerializationError ErrorCode = "SERIALIZATION_ERROR"
	ErrCodeUnknownError       ErrorCode = "UNKNOWN_ERROR"
)

// DomainError carries a code alongside the message so transports can map
// failures without string matching.
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// New creates a domain error without a cause.
func New(code ErrorCode, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a domain error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *DomainError {
	return &DomainError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code ErrorCode, message string, cause error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the error code, ErrCodeUnknownError if err is not a DomainError.
func CodeOf(err error) ErrorCode {
	var domainErr *DomainError
	if stderrors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ErrCodeUnknownError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether the operation may be retried safely.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeStorageConflict, ErrCodeDatabaseError, ErrCodeTimeoutError:
		return true
	}
	return false
}

// IsBusinessError reports whether the failure is a domain rejection
// that retrying cannot fix.
func IsBusinessError(err error) bool {
	switch CodeOf(err) {
	case ErrCodeInvalidTransition, ErrCodeInsufficientStock, ErrCodeMissingPrecondition,
		ErrCodeInvalidOrder, ErrCodeOrderNotFound, ErrCodeDuplicateRequest:
		return true
	}
	return false
}
