package repository

import (
	"context"
	stderrors "errors"

	"github.com/lib/pq"

	apperrors "github.com/shoplite/fulfillment/common/errors"
)

// pq error codes that mean "the unit of work lost a race or a lock"; callers
// may retry with backoff.
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqLockNotAvailable     = "55P03"
	pqQueryCanceled        = "57014"
	pqUniqueViolation      = "23505"
)

func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrCodeTimeoutError, "timed out while trying to "+op, err)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pqSerializationFailure, pqDeadlockDetected, pqLockNotAvailable, pqQueryCanceled:
			return apperrors.Wrap(apperrors.ErrCodeStorageConflict, "storage conflict while trying to "+op, err)
		case pqUniqueViolation:
			return apperrors.Wrap(apperrors.ErrCodeDuplicateRequest, "duplicate while trying to "+op, err)
		}
	}

	return apperrors.Wrap(apperrors.ErrCodeDatabaseError, "failed to "+op, err)
}
