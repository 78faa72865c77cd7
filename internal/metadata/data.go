package metadata

/*
	ErrorCause is a closed, canonical classification used exclusively for
	observability (logging, tracing, reporting).

	Rules:
	 - ErrorCause MUST NOT influence control flow.
	 - ErrorCause MUST NOT be used to decide between serving the cache,
	   the network, or the offline notice.
	 - Packages MAY map their local errors to ErrorCause,
	   but MUST NOT invent new meanings.

If a failure does not clearly match a defined cause, CauseUnknown MUST be used.
*/
type ErrorCause int

/*
Canonical ErrorCause Table

# CauseUnknown

  - The failure does not map cleanly to any known category.

# CauseNetworkFailure

  - Failure caused by network transport or remote availability.
  - Examples: connection refused, DNS failure, timeout, body read error.

# CauseContentInvalid

  - A response arrived but is unusable for its purpose.
  - Examples: a precache resource answering 404.

# CauseStorageFailure

  - Failure while reading or writing the cache store.
  - Examples: SQLite I/O errors, a closed store.

# CauseInvariantViolation

  - A system-level invariant was violated.
  - Examples: an activation attempted on a worker that never installed.
*/
const (
	CauseUnknown ErrorCause = iota
	CauseNetworkFailure
	CauseContentInvalid
	CauseStorageFailure
	CauseInvariantViolation
)

func (c ErrorCause) String() string {
	switch c {
	case CauseNetworkFailure:
		return "network_failure"
	case CauseContentInvalid:
		return "content_invalid"
	case CauseStorageFailure:
		return "storage_failure"
	case CauseInvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// FetchSource says where the response of an intercepted request came from.
type FetchSource string

const (
	SourceCache       FetchSource = "cache"
	SourceNetwork     FetchSource = "network"
	SourceOffline     FetchSource = "offline"
	SourcePassthrough FetchSource = "passthrough"
)

type CacheAction string

const (
	CacheOpen    CacheAction = "open"
	CachePut     CacheAction = "put"
	CachePutAll  CacheAction = "put_all"
	CacheDelete  CacheAction = "delete"
	CacheHit     CacheAction = "hit"
	CacheMiss    CacheAction = "miss"
	CacheSkipped CacheAction = "skipped"
	CacheRestore CacheAction = "restore"
)

type LifecyclePhase string

const (
	PhaseInstall        LifecyclePhase = "install"
	PhaseInstalled      LifecyclePhase = "installed"
	PhaseWaiting        LifecyclePhase = "waiting"
	PhaseActivate       LifecyclePhase = "activate"
	PhaseActivated      LifecyclePhase = "activated"
	PhaseSkipWaiting    LifecyclePhase = "skip_waiting"
	PhaseClaim          LifecyclePhase = "claim"
	PhaseRedundant      LifecyclePhase = "redundant"
	PhaseMessage        LifecyclePhase = "message"
	PhaseControllerSwap LifecyclePhase = "controller_change"
)

type Attribute struct {
	Key   AttributeKey
	Value string
}

func NewAttr(key AttributeKey, val string) Attribute {
	return Attribute{
		Key:   key,
		Value: val,
	}
}

type AttributeKey string

const (
	AttrURL         AttributeKey = "url"
	AttrMethod      AttributeKey = "method"
	AttrCacheName   AttributeKey = "cache_name"
	AttrHTTPStatus  AttributeKey = "http_status"
	AttrContentHash AttributeKey = "content_hash"
	AttrCount       AttributeKey = "count"
	AttrMessage     AttributeKey = "message"
	AttrReason      AttributeKey = "reason"
	AttrWorker      AttributeKey = "worker"
)
