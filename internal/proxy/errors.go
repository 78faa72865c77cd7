package proxy

import (
	"fmt"

	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

type ProxyErrorCause string

const (
	ErrCauseReadRequest ProxyErrorCause = "failed to read request"
	ErrCausePassthrough ProxyErrorCause = "passthrough failed"
	ErrCauseServe       ProxyErrorCause = "serve failed"
)

type ProxyError struct {
	Message   string
	Retryable bool
	Cause     ProxyErrorCause
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy error: %s: %s", e.Cause, e.Message)
}

func (e *ProxyError) Severity() failure.Severity {
	if e.Retryable {
		return failure.SeverityRecoverable
	}
	return failure.SeverityFatal
}

func mapProxyErrorToMetadataCause(err *ProxyError) metadata.ErrorCause {
	switch err.Cause {
	case ErrCausePassthrough:
		return metadata.CauseNetworkFailure
	case ErrCauseReadRequest:
		return metadata.CauseContentInvalid
	default:
		return metadata.CauseUnknown
	}
}
