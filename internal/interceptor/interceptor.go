package interceptor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/cachestore"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/fetcher"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/internal/runtime"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
	"github.com/rohmanhakim/offline-agent/pkg/hashutil"
	"github.com/rohmanhakim/offline-agent/pkg/urlutil"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

/*
Interceptor is the request-handling logic of one offline agent generation.

Responsibilities
  - Precache the application shell on install, all or nothing
  - Drop caches of other generations on activate, then claim clients
  - Answer GET requests cache-first, falling back to the network and
    finally to the offline notice
  - Honor the SKIP_WAITING client message

Guarantees
  - Non-GET requests are never looked up or stored
  - Only status 200 basic responses are written at runtime
  - A cache failure never turns into a failed response
  - No retries; a failed network fetch is converted, not repeated
*/

const messageSkipWaiting = "SKIP_WAITING"

const tracerName = "github.com/rohmanhakim/offline-agent/internal/interceptor"

type Interceptor struct {
	origin         url.URL
	cacheName      string
	precacheURLs   []string
	offlineMessage string
	storage        cachestore.Storage
	fetcher        fetcher.Fetcher
	metadataSink   metadata.MetadataSink
	tracer         trace.Tracer
}

func New(
	cfg config.Config,
	storage cachestore.Storage,
	fetcher fetcher.Fetcher,
	metadataSink metadata.MetadataSink,
) *Interceptor {
	return &Interceptor{
		origin:         cfg.Origin(),
		cacheName:      cfg.CacheName(),
		precacheURLs:   cfg.PrecacheURLs(),
		offlineMessage: cfg.OfflineMessage(),
		storage:        storage,
		fetcher:        fetcher,
		metadataSink:   metadataSink,
		tracer:         otel.Tracer(tracerName),
	}
}

// SetTracerProvider replaces the global tracer provider for this interceptor.
func (i *Interceptor) SetTracerProvider(tp trace.TracerProvider) {
	i.tracer = tp.Tracer(tracerName)
}

// NewWorker returns a worker of this generation with every handler attached.
func (i *Interceptor) NewWorker() *runtime.Worker {
	w := runtime.NewWorker(i.cacheName)
	i.Register(w)
	return w
}

func (i *Interceptor) Register(w *runtime.Worker) {
	w.OnInstall(i.Install)
	w.OnActivate(i.Activate)
	w.OnFetch(i.HandleFetch)
	w.OnMessage(i.HandleMessage)
}

// Install precaches every configured path into the generation cache, then
// asks to skip waiting. Nothing is stored unless every fetch succeeded.
func (i *Interceptor) Install(ctx context.Context, scope runtime.Scope) error {
	ctx, span := i.tracer.Start(ctx, "interceptor.install", trace.WithAttributes(
		attribute.String("cache.name", i.cacheName),
		attribute.Int("precache.count", len(i.precacheURLs)),
	))
	defer span.End()

	cache, err := i.storage.Open(ctx, i.cacheName)
	if err != nil {
		return i.fail(span, "Interceptor.Install", &InterceptError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseCacheOpen,
		}, metadata.NewAttr(metadata.AttrCacheName, i.cacheName))
	}
	i.metadataSink.RecordCache(metadata.CacheOpen, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
	})

	entries := make([]cachestore.Entry, len(i.precacheURLs))
	group, groupCtx := errgroup.WithContext(ctx)
	for idx, path := range i.precacheURLs {
		group.Go(func() error {
			entry, err := i.precache(groupCtx, path)
			if err != nil {
				return err
			}
			entries[idx] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		var interceptErr *InterceptError
		if !errors.As(err, &interceptErr) {
			interceptErr = &InterceptError{Message: err.Error(), Cause: ErrCausePrecacheFetch}
		}
		if failure.SeverityOf(interceptErr) == failure.SeverityRecoverable && i.restorable(ctx, cache) {
			span.AddEvent("precache.restored", trace.WithAttributes(
				attribute.String("error", interceptErr.Error()),
			))
			i.metadataSink.RecordCache(metadata.CacheRestore, []metadata.Attribute{
				metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
				metadata.NewAttr(metadata.AttrReason, string(interceptErr.Cause)),
			})
			return scope.SkipWaiting(ctx)
		}
		return i.fail(span, "Interceptor.Install", interceptErr, metadata.NewAttr(metadata.AttrCacheName, i.cacheName))
	}

	if err := cache.PutAll(ctx, entries); err != nil {
		return i.fail(span, "Interceptor.Install", &InterceptError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCausePrecacheStore,
		}, metadata.NewAttr(metadata.AttrCacheName, i.cacheName))
	}
	i.metadataSink.RecordCache(metadata.CachePutAll, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
		metadata.NewAttr(metadata.AttrCount, strconv.Itoa(len(entries))),
	})

	return scope.SkipWaiting(ctx)
}

// restorable reports whether cache already holds every precache path from
// an earlier install of the same generation.
func (i *Interceptor) restorable(ctx context.Context, cache cachestore.Cache) bool {
	for _, path := range i.precacheURLs {
		target, err := urlutil.Resolve(i.origin, path)
		if err != nil {
			return false
		}
		_, found, matchErr := cache.Match(ctx, exchange.NewGetRequest(target))
		if matchErr != nil || !found {
			return false
		}
	}
	return true
}

func (i *Interceptor) precache(ctx context.Context, path string) (cachestore.Entry, error) {
	target, err := urlutil.Resolve(i.origin, path)
	if err != nil {
		return cachestore.Entry{}, &InterceptError{
			Message:   fmt.Sprintf("%s: %v", path, err),
			Retryable: false,
			Cause:     ErrCausePrecacheURL,
		}
	}
	req := exchange.NewGetRequest(target)
	resp, fetchErr := i.fetcher.Fetch(ctx, req)
	if fetchErr != nil {
		return cachestore.Entry{}, &InterceptError{
			Message:   fmt.Sprintf("%s: %v", target.String(), fetchErr),
			Retryable: true,
			Cause:     ErrCausePrecacheFetch,
		}
	}
	if !resp.OK() {
		return cachestore.Entry{}, &InterceptError{
			Message:   fmt.Sprintf("%s: status %d", target.String(), resp.Status()),
			Retryable: false,
			Cause:     ErrCausePrecacheStatus,
		}
	}
	return cachestore.NewEntry(req, resp), nil
}

// Activate deletes every cache except the current generation's, then claims
// all clients.
func (i *Interceptor) Activate(ctx context.Context, scope runtime.Scope) error {
	ctx, span := i.tracer.Start(ctx, "interceptor.activate", trace.WithAttributes(
		attribute.String("cache.name", i.cacheName),
	))
	defer span.End()

	names, err := i.storage.Keys(ctx)
	if err != nil {
		return i.fail(span, "Interceptor.Activate", &InterceptError{
			Message:   err.Error(),
			Retryable: true,
			Cause:     ErrCauseCacheCleanup,
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, name := range names {
		if name == i.cacheName {
			continue
		}
		group.Go(func() error {
			if _, err := i.storage.Delete(groupCtx, name); err != nil {
				return &InterceptError{
					Message:   fmt.Sprintf("%s: %v", name, err),
					Retryable: true,
					Cause:     ErrCauseCacheCleanup,
				}
			}
			i.metadataSink.RecordCache(metadata.CacheDelete, []metadata.Attribute{
				metadata.NewAttr(metadata.AttrCacheName, name),
			})
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		var interceptErr *InterceptError
		if !errors.As(err, &interceptErr) {
			interceptErr = &InterceptError{Message: err.Error(), Cause: ErrCauseCacheCleanup}
		}
		return i.fail(span, "Interceptor.Activate", interceptErr)
	}

	return scope.Claim(ctx)
}

// HandleFetch answers GET requests cache-first. Other methods are left to
// the default network behavior.
func (i *Interceptor) HandleFetch(ctx context.Context, scope runtime.Scope, event *runtime.FetchEvent) {
	req := event.Request()
	if req.Method() != http.MethodGet {
		return
	}
	// fails only when another handler already responded
	_ = event.RespondWith(i.respond(ctx, req))
}

func (i *Interceptor) respond(ctx context.Context, req exchange.Request) exchange.Response {
	reqURL := req.URL()
	ctx, span := i.tracer.Start(ctx, "interceptor.fetch", trace.WithAttributes(
		attribute.String("url.full", reqURL.String()),
	))
	defer span.End()

	startTime := time.Now()
	cached, found, err := i.storage.Match(ctx, req)
	if err != nil {
		i.recordStoreError("Interceptor.HandleFetch", err, reqURL)
	}
	if err == nil && found {
		span.SetAttributes(attribute.String("offline.source", string(metadata.SourceCache)))
		i.metadataSink.RecordCache(metadata.CacheHit, []metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, reqURL.String()),
		})
		i.metadataSink.RecordFetch(reqURL.String(), cached.Status(), time.Since(startTime), metadata.SourceCache)
		return cached
	}
	i.metadataSink.RecordCache(metadata.CacheMiss, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, reqURL.String()),
	})

	resp, fetchErr := i.fetcher.Fetch(ctx, req)
	if fetchErr != nil {
		span.SetAttributes(attribute.String("offline.source", string(metadata.SourceOffline)))
		offline := exchange.NewTextResponse(i.offlineMessage)
		i.metadataSink.RecordFetch(reqURL.String(), offline.Status(), time.Since(startTime), metadata.SourceOffline)
		return offline
	}
	span.SetAttributes(
		attribute.String("offline.source", string(metadata.SourceNetwork)),
		attribute.Int("http.response.status_code", resp.Status()),
	)

	if resp.Status() != http.StatusOK || resp.Type() != exchange.ResponseTypeBasic {
		i.metadataSink.RecordCache(metadata.CacheSkipped, []metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, reqURL.String()),
			metadata.NewAttr(metadata.AttrHTTPStatus, strconv.Itoa(resp.Status())),
			metadata.NewAttr(metadata.AttrReason, string(resp.Type())),
		})
		return resp
	}

	i.store(ctx, req, resp.Clone())
	return resp
}

// store writes a runtime cache entry. Failures are recorded only.
func (i *Interceptor) store(ctx context.Context, req exchange.Request, resp exchange.Response) {
	reqURL := req.URL()
	cache, err := i.storage.Open(ctx, i.cacheName)
	if err != nil {
		i.recordStoreError("Interceptor.store", err, reqURL)
		return
	}
	if err := cache.Put(ctx, req, resp); err != nil {
		i.recordStoreError("Interceptor.store", err, reqURL)
		return
	}
	attrs := []metadata.Attribute{
		metadata.NewAttr(metadata.AttrURL, reqURL.String()),
		metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
	}
	if hash, err := hashutil.HashBytes(resp.Body(), hashutil.HashAlgoBLAKE3); err == nil {
		attrs = append(attrs, metadata.NewAttr(metadata.AttrContentHash, hash))
	}
	i.metadataSink.RecordCache(metadata.CachePut, attrs)
}

// HandleMessage asks to skip waiting when payload is {"type":"SKIP_WAITING"}.
// Every other payload is ignored.
func (i *Interceptor) HandleMessage(ctx context.Context, scope runtime.Scope, payload []byte) {
	if !gjson.ValidBytes(payload) {
		return
	}
	msg := gjson.ParseBytes(payload)
	if !msg.IsObject() {
		return
	}
	msgType := msg.Get("type")
	if msgType.Type != gjson.String || msgType.Str != messageSkipWaiting {
		return
	}
	i.metadataSink.RecordLifecycle(metadata.PhaseMessage, []metadata.Attribute{
		metadata.NewAttr(metadata.AttrMessage, messageSkipWaiting),
		metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
	})
	// activation errors are recorded by the registration
	_ = scope.SkipWaiting(ctx)
}

func (i *Interceptor) recordStoreError(action string, err error, reqURL url.URL) {
	i.metadataSink.RecordError(
		time.Now(),
		"interceptor",
		action,
		cachestore.MapErrorCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, reqURL.String()),
			metadata.NewAttr(metadata.AttrCacheName, i.cacheName),
		},
	)
}

func (i *Interceptor) fail(span trace.Span, action string, err *InterceptError, attrs ...metadata.Attribute) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, string(err.Cause))
	i.metadataSink.RecordError(
		time.Now(),
		"interceptor",
		action,
		mapInterceptErrorToMetadataCause(err),
		err.Error(),
		attrs,
	)
	return err
}
