package cachestore

import (
	"context"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

// Storage is the port for named caches of request/response pairs.
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the cache called name, creating it when missing.
	Open(ctx context.Context, name string) (Cache, failure.ClassifiedError)
	// Has reports whether a cache called name exists.
	Has(ctx context.Context, name string) (bool, failure.ClassifiedError)
	// Keys lists cache names in creation order.
	Keys(ctx context.Context) ([]string, failure.ClassifiedError)
	// Delete removes the cache called name with all its entries.
	// It reports false when there was nothing to delete.
	Delete(ctx context.Context, name string) (bool, failure.ClassifiedError)
	// Match looks req up in every cache, oldest cache first.
	Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError)
	// Close releases the underlying resources.
	Close() error
}

// Cache is one named generation of entries keyed by request identity.
type Cache interface {
	Name() string
	Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError)
	// Put stores resp under req, replacing any previous entry.
	Put(ctx context.Context, req exchange.Request, resp exchange.Response) failure.ClassifiedError
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError
	Delete(ctx context.Context, req exchange.Request) (bool, failure.ClassifiedError)
	// Keys lists stored requests in insertion order.
	Keys(ctx context.Context) ([]exchange.Request, failure.ClassifiedError)
}

type Entry struct {
	Request  exchange.Request
	Response exchange.Response
}

func NewEntry(req exchange.Request, resp exchange.Response) Entry {
	return Entry{
		Request:  req,
		Response: resp,
	}
}
