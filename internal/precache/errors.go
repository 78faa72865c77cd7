package precache

import (
	"fmt"

	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

type AuditErrorCause string

const (
	ErrCauseEntryPageUnavailable AuditErrorCause = "entry page unavailable"
	ErrCauseEntryPageUnparseable AuditErrorCause = "entry page unparseable"
	ErrCauseManifestUnavailable  AuditErrorCause = "web manifest unavailable"
	ErrCauseManifestInvalid      AuditErrorCause = "web manifest invalid"
	ErrCauseInvalidPath          AuditErrorCause = "invalid path"
)

type AuditError struct {
	Message   string
	Retryable bool
	Cause     AuditErrorCause
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("precache audit error: %s: %s", e.Cause, e.Message)
}

func (e *AuditError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func mapAuditErrorToMetadataCause(err *AuditError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCauseEntryPageUnavailable, ErrCauseManifestUnavailable:
		return metadata.CauseNetworkFailure
	case ErrCauseEntryPageUnparseable, ErrCauseManifestInvalid:
		return metadata.CauseContentInvalid
	case ErrCauseInvalidPath:
		return metadata.CauseInvariantViolation
	default:
		return metadata.CauseUnknown
	}
}
