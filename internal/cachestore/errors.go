package cachestore

import (
	"errors"
	"fmt"

	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

type StoreErrorCause string

const (
	ErrCauseOpenFailure   StoreErrorCause = "open failed"
	ErrCauseQueryFailure  StoreErrorCause = "query failed"
	ErrCauseWriteFailure  StoreErrorCause = "write failed"
	ErrCauseEncodeFailure StoreErrorCause = "encode failed"
	ErrCauseCacheDeleted  StoreErrorCause = "cache deleted"
	ErrCauseStoreClosed   StoreErrorCause = "store closed"
	ErrCauseCanceled      StoreErrorCause = "canceled"
)

type StoreError struct {
	Message   string
	Retryable bool
	Cause     StoreErrorCause
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache store error: %s: %s", e.Cause, e.Message)
}

func (e *StoreError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// MapErrorCause maps store-local error semantics to the canonical
// metadata.ErrorCause table.
//
// This mapping is observational only and MUST NOT be used
// to derive control-flow decisions.
func MapErrorCause(err error) metadata.ErrorCause {
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		return metadata.CauseUnknown
	}
	switch storeErr.Cause {
	case ErrCauseOpenFailure, ErrCauseQueryFailure, ErrCauseWriteFailure, ErrCauseStoreClosed:
		return metadata.CauseStorageFailure
	case ErrCauseEncodeFailure, ErrCauseCacheDeleted:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}

func contextError(err error) failure.ClassifiedError {
	return &StoreError{
		Message:   err.Error(),
		Retryable: true,
		Cause:     ErrCauseCanceled,
	}
}
