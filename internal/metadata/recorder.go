package metadata

import (
	"time"

	"github.com/apex/log"
)

/*
Metadata Collected
- Intercepted fetches: URL, status, source, duration
- Cache operations per named cache
- Worker lifecycle transitions
- Classified errors

Metadata is write-only.
No component may read metadata to decide how a request is answered.
*/

/*
Recorder turns agent events into structured apex/log entries.
It must not:
- perform I/O decisions
- affect control flow
Ordering guarantees:
- Events are emitted synchronously in the order they are received per goroutine.
- No global ordering across concurrent requests is guaranteed.
*/
type Recorder struct {
	logger log.Interface
}

func NewRecorder(logger log.Interface) *Recorder {
	if logger == nil {
		logger = log.Log
	}
	return &Recorder{
		logger: logger,
	}
}

func (r *Recorder) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
	fields := toFields(attrs)
	fields["observed_at"] = observedAt.UTC().Format(time.RFC3339Nano)
	fields["package"] = packageName
	fields["action"] = action
	fields["cause"] = cause.String()
	r.logger.WithFields(fields).Error(errorString)
}

func (r *Recorder) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	source FetchSource,
) {
	r.logger.WithFields(log.Fields{
		"url":         fetchUrl,
		"http_status": httpStatus,
		"duration_ms": duration.Milliseconds(),
		"source":      string(source),
	}).Info("fetch")
}

func (r *Recorder) RecordCache(action CacheAction, attrs []Attribute) {
	r.logger.WithFields(toFields(attrs)).
		WithField("action", string(action)).
		Debug("cache")
}

func (r *Recorder) RecordLifecycle(phase LifecyclePhase, attrs []Attribute) {
	r.logger.WithFields(toFields(attrs)).
		WithField("phase", string(phase)).
		Info("lifecycle")
}

func toFields(attrs []Attribute) log.Fields {
	fields := log.Fields{}
	for _, attr := range attrs {
		fields[string(attr.Key)] = attr.Value
	}
	return fields
}

type MetadataSink interface {
	RecordError(
		observedAt time.Time,
		packageName string,
		action string,
		cause ErrorCause,
		details string,
		attrs []Attribute,
	)
	RecordFetch(
		fetchUrl string,
		httpStatus int,
		duration time.Duration,
		source FetchSource,
	)
	RecordCache(action CacheAction, attrs []Attribute)
	RecordLifecycle(phase LifecyclePhase, attrs []Attribute)
}

// NoopSink implements MetadataSink but does nothing.
// Callers (or tests) decide whether to inject a Recorder or a NoopSink.
type NoopSink struct{}

func (n *NoopSink) RecordError(
	observedAt time.Time,
	packageName string,
	action string,
	cause ErrorCause,
	errorString string,
	attrs []Attribute,
) {
}

func (n *NoopSink) RecordFetch(
	fetchUrl string,
	httpStatus int,
	duration time.Duration,
	source FetchSource,
) {
}

func (n *NoopSink) RecordCache(action CacheAction, attrs []Attribute) {}

func (n *NoopSink) RecordLifecycle(phase LifecyclePhase, attrs []Attribute) {}
