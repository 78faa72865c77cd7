package cachestore

import (
	"context"
	"sync"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

// MemoryStorage is an in-memory implementation of Storage.
// It keeps caches in a map guarded by an RWMutex and lives only as long
// as the process. Stored and returned responses are cloned, so callers
// never share buffers with the store.
type MemoryStorage struct {
	mu     sync.RWMutex
	order  []string
	caches map[string]*memoryCache
	closed bool
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		caches: make(map[string]*memoryCache),
	}
}

func (s *MemoryStorage) Open(ctx context.Context, name string) (Cache, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errStoreClosed()
	}
	if c, ok := s.caches[name]; ok {
		return c, nil
	}
	c := newMemoryCache(name)
	s.caches[name] = c
	s.order = append(s.order, name)
	return c, nil
}

func (s *MemoryStorage) Has(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.caches[name]
	return ok, nil
}

func (s *MemoryStorage) Keys(ctx context.Context) ([]string, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.order))
	copy(names, s.order)
	return names, nil
}

func (s *MemoryStorage) Delete(ctx context.Context, name string) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.caches[name]
	if !ok {
		return false, nil
	}
	c.detach()
	delete(s.caches, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *MemoryStorage) Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return exchange.Response{}, false, contextError(err)
	}
	s.mu.RLock()
	caches := make([]*memoryCache, 0, len(s.order))
	for _, name := range s.order {
		caches = append(caches, s.caches[name])
	}
	s.mu.RUnlock()

	for _, c := range caches {
		resp, ok, err := c.Match(ctx, req)
		if err != nil {
			return exchange.Response{}, false, err
		}
		if ok {
			return resp, true, nil
		}
	}
	return exchange.Response{}, false, nil
}

func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

type memoryCache struct {
	mu       sync.RWMutex
	name     string
	order    []string
	entries  map[string]Entry
	detached bool
}

func newMemoryCache(name string) *memoryCache {
	return &memoryCache{
		name:    name,
		entries: make(map[string]Entry),
	}
}

func (c *memoryCache) Name() string {
	return c.name
}

func (c *memoryCache) Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return exchange.Response{}, false, contextError(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[req.Identity()]
	if !ok {
		return exchange.Response{}, false, nil
	}
	return entry.Response.Clone(), true, nil
}

func (c *memoryCache) Put(ctx context.Context, req exchange.Request, resp exchange.Response) failure.ClassifiedError {
	return c.PutAll(ctx, []Entry{NewEntry(req, resp)})
}

func (c *memoryCache) PutAll(ctx context.Context, entries []Entry) failure.ClassifiedError {
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.detached {
		return errCacheDeleted(c.name)
	}
	for _, entry := range entries {
		key := entry.Request.Identity()
		if _, exists := c.entries[key]; exists {
			c.removeFromOrder(key)
		}
		c.entries[key] = NewEntry(entry.Request, entry.Response.Clone())
		c.order = append(c.order, key)
	}
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, req exchange.Request) (bool, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return false, contextError(err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := req.Identity()
	if _, ok := c.entries[key]; !ok {
		return false, nil
	}
	delete(c.entries, key)
	c.removeFromOrder(key)
	return true, nil
}

func (c *memoryCache) Keys(ctx context.Context) ([]exchange.Request, failure.ClassifiedError) {
	if err := ctx.Err(); err != nil {
		return nil, contextError(err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests := make([]exchange.Request, 0, len(c.order))
	for _, key := range c.order {
		requests = append(requests, c.entries[key].Request)
	}
	return requests, nil
}

func (c *memoryCache) detach() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.detached = true
	c.entries = make(map[string]Entry)
	c.order = nil
}

func (c *memoryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

func errStoreClosed() failure.ClassifiedError {
	return &StoreError{
		Message:   "storage is closed",
		Retryable: false,
		Cause:     ErrCauseStoreClosed,
	}
}

func errCacheDeleted(name string) failure.ClassifiedError {
	return &StoreError{
		Message:   "cache " + name + " was deleted",
		Retryable: false,
		Cause:     ErrCauseCacheDeleted,
	}
}
