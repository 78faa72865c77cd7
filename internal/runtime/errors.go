package runtime

import (
	"fmt"

	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

type LifecycleErrorCause string

const (
	ErrCauseInstallFailed  LifecycleErrorCause = "install failed"
	ErrCauseActivateFailed LifecycleErrorCause = "activate failed"
	ErrCauseInvalidState   LifecycleErrorCause = "invalid state"
	ErrCauseNoWorker       LifecycleErrorCause = "no worker"
)

type LifecycleError struct {
	Message   string
	Retryable bool
	Cause     LifecycleErrorCause
	Err       error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("runtime error: %s: %s", e.Cause, e.Message)
}

func (e *LifecycleError) Unwrap() error {
	return e.Err
}

func (e *LifecycleError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

// mapLifecycleErrorToMetadataCause is observational only.
func mapLifecycleErrorToMetadataCause(err *LifecycleError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseInvalidState, ErrCauseNoWorker:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
