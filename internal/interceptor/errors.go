package interceptor

import (
	"fmt"

	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

type InterceptErrorCause string

const (
	ErrCauseCacheOpen      InterceptErrorCause = "cache open failed"
	ErrCausePrecacheFetch  InterceptErrorCause = "precache fetch failed"
	ErrCausePrecacheStatus InterceptErrorCause = "precache response not ok"
	ErrCausePrecacheURL    InterceptErrorCause = "precache url invalid"
	ErrCausePrecacheStore  InterceptErrorCause = "precache store failed"
	ErrCauseCacheCleanup   InterceptErrorCause = "cache cleanup failed"
)

type InterceptError struct {
	Message   string
	Retryable bool
	Cause     InterceptErrorCause
}

func (e *InterceptError) Error() string {
	return fmt.Sprintf("interceptor error: %s: %s", e.Cause, e.Message)
}

func (e *InterceptError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapInterceptErrorToMetadataCause is observational only and MUST NOT be
// used to derive control-flow decisions.
func mapInterceptErrorToMetadataCause(err *InterceptError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCausePrecacheFetch:
		return metadata.CauseNetworkFailure
	case ErrCausePrecacheStatus:
		return metadata.CauseContentInvalid
	case ErrCauseCacheOpen, ErrCausePrecacheStore, ErrCauseCacheCleanup:
		return metadata.CauseStorageFailure
	case ErrCausePrecacheURL:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
