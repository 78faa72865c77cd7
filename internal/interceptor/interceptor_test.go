package interceptor_test

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/rohmanhakim/offline-agent/internal/cachestore"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/interceptor"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/internal/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInstall_PrecachesEveryResource(t *testing.T) {
	storage := cachestore.NewMemoryStorage()
	f := &mockFetcher{}
	precacheAll(t, f)
	sink := &recordingSink{}
	scope := &fakeScope{generation: config.DefaultCacheName}

	i := interceptor.New(testConfig(t), storage, f, sink)
	require.NoError(t, i.Install(context.Background(), scope))

	for _, path := range config.DefaultPrecacheURLs() {
		resp, found, err := storage.Match(context.Background(), getRequest(t, path))
		require.Nil(t, err)
		require.True(t, found, "expected %s in cache", path)
		assert.Equal(t, "shell "+path, string(resp.Body()))
	}
	assert.Equal(t, 1, scope.skipWaiting)
	f.AssertExpectations(t)

	putAll := sink.cacheActions(metadata.CachePutAll)
	require.Len(t, putAll, 1)
	assert.Equal(t, "6", putAll[0].attrs[metadata.AttrCount])
}

func TestInstall_IsAllOrNothing(t *testing.T) {
	tests := []struct {
		name      string
		respond   func(f *mockFetcher, t *testing.T)
		wantCause interceptor.InterceptErrorCause
		wantMeta  metadata.ErrorCause
	}{
		{
			name:      "not found",
			wantCause: interceptor.ErrCausePrecacheStatus,
			wantMeta:  metadata.CauseContentInvalid,
			respond: func(f *mockFetcher, t *testing.T) {
				f.On("Fetch", mock.Anything, forPath("/wheels.png")).
					Return(responseWith(t, "/wheels.png", http.StatusNotFound, exchange.ResponseTypeBasic), nil)
			},
		},
		{
			name:      "network failure",
			wantCause: interceptor.ErrCausePrecacheFetch,
			wantMeta:  metadata.CauseNetworkFailure,
			respond: func(f *mockFetcher, t *testing.T) {
				f.On("Fetch", mock.Anything, forPath("/wheels.png")).
					Return(exchange.Response{}, networkDown())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			storage := cachestore.NewMemoryStorage()
			f := &mockFetcher{}
			tt.respond(f, t)
			for _, path := range config.DefaultPrecacheURLs() {
				if path == "/wheels.png" {
					continue
				}
				f.On("Fetch", mock.Anything, forPath(path)).Return(okResponse(t, path, "shell"), nil).Maybe()
			}
			sink := &recordingSink{}
			scope := &fakeScope{}

			i := interceptor.New(testConfig(t), storage, f, sink)
			err := i.Install(context.Background(), scope)

			var interceptErr *interceptor.InterceptError
			require.True(t, errors.As(err, &interceptErr))
			assert.Equal(t, tt.wantCause, interceptErr.Cause)
			assert.Equal(t, 0, scope.skipWaiting)
			assert.Contains(t, sink.errorCauses, tt.wantMeta)

			cache, openErr := storage.Open(context.Background(), config.DefaultCacheName)
			require.Nil(t, openErr)
			keys, keysErr := cache.Keys(context.Background())
			require.Nil(t, keysErr)
			assert.Empty(t, keys)
		})
	}
}

func TestInstall_RestoresCompleteCacheWhenOriginUnreachable(t *testing.T) {
	ctx := context.Background()
	storage := cachestore.NewMemoryStorage()
	online := &mockFetcher{}
	precacheAll(t, online)
	require.NoError(t, interceptor.New(testConfig(t), storage, online, &metadata.NoopSink{}).Install(ctx, &fakeScope{}))

	offline := &mockFetcher{}
	offline.On("Fetch", mock.Anything, mock.Anything).Return(exchange.Response{}, networkDown())
	sink := &recordingSink{}
	scope := &fakeScope{}

	err := interceptor.New(testConfig(t), storage, offline, sink).Install(ctx, scope)

	require.NoError(t, err)
	assert.Equal(t, 1, scope.skipWaiting)
	assert.Empty(t, sink.errorCauses)
	restored := sink.cacheActions(metadata.CacheRestore)
	require.Len(t, restored, 1)
	assert.Equal(t, config.DefaultCacheName, restored[0].attrs[metadata.AttrCacheName])
}

func TestInstall_DoesNotRestore(t *testing.T) {
	tests := []struct {
		name    string
		seed    []string
		respond func(f *mockFetcher, t *testing.T)
	}{
		{
			name: "incomplete cache",
			seed: []string{"/", "/index.html"},
			respond: func(f *mockFetcher, t *testing.T) {
				f.On("Fetch", mock.Anything, mock.Anything).Return(exchange.Response{}, networkDown())
			},
		},
		{
			name: "resource gone from origin",
			seed: config.DefaultPrecacheURLs(),
			respond: func(f *mockFetcher, t *testing.T) {
				f.On("Fetch", mock.Anything, forPath("/wheels.png")).
					Return(responseWith(t, "/wheels.png", http.StatusNotFound, exchange.ResponseTypeBasic), nil)
				f.On("Fetch", mock.Anything, mock.Anything).Return(okResponse(t, "/", "shell"), nil).Maybe()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := cachestore.NewMemoryStorage()
			cache, openErr := storage.Open(ctx, config.DefaultCacheName)
			require.Nil(t, openErr)
			for _, path := range tt.seed {
				require.Nil(t, cache.Put(ctx, getRequest(t, path), okResponse(t, path, "old")))
			}
			f := &mockFetcher{}
			tt.respond(f, t)
			scope := &fakeScope{}

			err := interceptor.New(testConfig(t), storage, f, &metadata.NoopSink{}).Install(ctx, scope)

			require.Error(t, err)
			assert.Equal(t, 0, scope.skipWaiting)
		})
	}
}

func TestInstall_RecordsFailedSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, mock.Anything).Return(exchange.Response{}, networkDown())

	i := interceptor.New(testConfig(t), cachestore.NewMemoryStorage(), f, &metadata.NoopSink{})
	i.SetTracerProvider(tp)
	require.Error(t, i.Install(context.Background(), &fakeScope{}))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "interceptor.install", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}

func TestActivate_KeepsOnlyCurrentGeneration(t *testing.T) {
	storage := cachestore.NewMemoryStorage()
	ctx := context.Background()
	for _, name := range []string{"car-inspection-v0", config.DefaultCacheName, "legacy-assets"} {
		_, err := storage.Open(ctx, name)
		require.Nil(t, err)
	}
	sink := &recordingSink{}
	scope := &fakeScope{}

	i := interceptor.New(testConfig(t), storage, &mockFetcher{}, sink)
	require.NoError(t, i.Activate(ctx, scope))

	names, err := storage.Keys(ctx)
	require.Nil(t, err)
	assert.Equal(t, []string{config.DefaultCacheName}, names)
	assert.Equal(t, 1, scope.claims)
	assert.Len(t, sink.cacheActions(metadata.CacheDelete), 2)
}

func TestActivate_WithoutOtherCaches(t *testing.T) {
	scope := &fakeScope{}
	i := interceptor.New(testConfig(t), cachestore.NewMemoryStorage(), &mockFetcher{}, &metadata.NoopSink{})

	require.NoError(t, i.Activate(context.Background(), scope))
	assert.Equal(t, 1, scope.claims)
}

func TestHandleFetch_CacheHitSkipsNetwork(t *testing.T) {
	ctx := context.Background()
	storage := cachestore.NewMemoryStorage()
	cache, err := storage.Open(ctx, config.DefaultCacheName)
	require.Nil(t, err)
	require.Nil(t, cache.Put(ctx, getRequest(t, "/auto.png"), okResponse(t, "/auto.png", "cached png")))

	f := &mockFetcher{}
	sink := &recordingSink{}
	i := interceptor.New(testConfig(t), storage, f, sink)

	event := runtime.NewFetchEvent(getRequest(t, "/auto.png"))
	i.HandleFetch(ctx, &fakeScope{}, event)

	require.True(t, event.Responded())
	assert.Equal(t, "cached png", string(event.Response().Body()))
	f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
	require.Len(t, sink.fetches, 1)
	assert.Equal(t, metadata.SourceCache, sink.fetches[0].source)
}

func TestHandleFetch_MissPopulatesCacheOnce(t *testing.T) {
	ctx := context.Background()
	storage := cachestore.NewMemoryStorage()
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, forPath("/inspections")).
		Return(okResponse(t, "/inspections", "list"), nil).Once()
	sink := &recordingSink{}
	i := interceptor.New(testConfig(t), storage, f, sink)

	first := runtime.NewFetchEvent(getRequest(t, "/inspections"))
	i.HandleFetch(ctx, &fakeScope{}, first)
	second := runtime.NewFetchEvent(getRequest(t, "/inspections"))
	i.HandleFetch(ctx, &fakeScope{}, second)

	require.True(t, first.Responded())
	require.True(t, second.Responded())
	assert.Equal(t, "list", string(first.Response().Body()))
	assert.Equal(t, "list", string(second.Response().Body()))
	f.AssertNumberOfCalls(t, "Fetch", 1)

	puts := sink.cacheActions(metadata.CachePut)
	require.Len(t, puts, 1)
	assert.NotEmpty(t, puts[0].attrs[metadata.AttrContentHash])
	assert.Equal(t, config.DefaultCacheName, puts[0].attrs[metadata.AttrCacheName])
}

func TestHandleFetch_IgnoresFragmentForIdentity(t *testing.T) {
	ctx := context.Background()
	storage := cachestore.NewMemoryStorage()
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, forPath("/index.html")).
		Return(okResponse(t, "/index.html", "page"), nil).Once()
	i := interceptor.New(testConfig(t), storage, f, &metadata.NoopSink{})

	i.HandleFetch(ctx, &fakeScope{}, runtime.NewFetchEvent(getRequest(t, "/index.html")))
	event := runtime.NewFetchEvent(getRequest(t, "/index.html#report"))
	i.HandleFetch(ctx, &fakeScope{}, event)

	assert.Equal(t, "page", string(event.Response().Body()))
	f.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestHandleFetch_OnlyBasic200IsCached(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		responseType exchange.ResponseType
	}{
		{"not found", http.StatusNotFound, exchange.ResponseTypeBasic},
		{"server error", http.StatusInternalServerError, exchange.ResponseTypeBasic},
		{"partial content", http.StatusPartialContent, exchange.ResponseTypeBasic},
		{"opaque", http.StatusOK, exchange.ResponseTypeOpaque},
		{"cors", http.StatusOK, exchange.ResponseTypeCORS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := cachestore.NewMemoryStorage()
			f := &mockFetcher{}
			f.On("Fetch", mock.Anything, forPath("/resource")).
				Return(responseWith(t, "/resource", tt.status, tt.responseType), nil).Twice()
			sink := &recordingSink{}
			i := interceptor.New(testConfig(t), storage, f, sink)

			for range 2 {
				event := runtime.NewFetchEvent(getRequest(t, "/resource"))
				i.HandleFetch(ctx, &fakeScope{}, event)
				require.True(t, event.Responded())
				assert.Equal(t, tt.status, event.Response().Status())
				assert.Equal(t, tt.responseType, event.Response().Type())
			}

			f.AssertNumberOfCalls(t, "Fetch", 2)
			assert.Empty(t, sink.cacheActions(metadata.CachePut))
			assert.Len(t, sink.cacheActions(metadata.CacheSkipped), 2)
		})
	}
}

func TestHandleFetch_OfflineFallback(t *testing.T) {
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, mock.Anything).Return(exchange.Response{}, networkDown())
	sink := &recordingSink{}
	i := interceptor.New(testConfig(t), cachestore.NewMemoryStorage(), f, sink)

	event := runtime.NewFetchEvent(getRequest(t, "/reports/42"))
	i.HandleFetch(context.Background(), &fakeScope{}, event)

	require.True(t, event.Responded())
	resp := event.Response()
	assert.Equal(t, http.StatusOK, resp.Status())
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header().Get("Content-Type"))
	assert.Equal(t, "Офлайн режим. Проверьте подключение к интернету.", string(resp.Body()))

	require.Len(t, sink.fetches, 1)
	assert.Equal(t, metadata.SourceOffline, sink.fetches[0].source)
	assert.Empty(t, sink.cacheActions(metadata.CachePut))
}

func TestHandleFetch_CustomOfflineMessage(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	cfg, err := config.WithDefault(*origin).WithOfflineMessage("offline").Build()
	require.NoError(t, err)

	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, mock.Anything).Return(exchange.Response{}, networkDown())
	i := interceptor.New(cfg, cachestore.NewMemoryStorage(), f, &metadata.NoopSink{})

	event := runtime.NewFetchEvent(getRequest(t, "/"))
	i.HandleFetch(context.Background(), &fakeScope{}, event)
	assert.Equal(t, "offline", string(event.Response().Body()))
}

func TestHandleFetch_IgnoresWriteMethods(t *testing.T) {
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch, http.MethodHead} {
		t.Run(method, func(t *testing.T) {
			storage := &spyStorage{Storage: cachestore.NewMemoryStorage()}
			f := &mockFetcher{}
			i := interceptor.New(testConfig(t), storage, f, &metadata.NoopSink{})

			u, err := url.Parse(testOrigin + "/inspections")
			require.NoError(t, err)
			event := runtime.NewFetchEvent(exchange.NewRequest(method, *u, nil, []byte("plate=A123")))
			i.HandleFetch(context.Background(), &fakeScope{}, event)

			assert.False(t, event.Responded())
			assert.Equal(t, 0, storage.matchCalls)
			assert.Equal(t, 0, storage.openCalls)
			f.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
		})
	}
}

func TestHandleFetch_LookupFailureIsAMiss(t *testing.T) {
	storage := &spyStorage{
		Storage: cachestore.NewMemoryStorage(),
		matchErr: &cachestore.StoreError{
			Message: "disk I/O error",
			Cause:   cachestore.ErrCauseQueryFailure,
		},
	}
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, forPath("/")).Return(okResponse(t, "/", "home"), nil)
	sink := &recordingSink{}
	i := interceptor.New(testConfig(t), storage, f, sink)

	event := runtime.NewFetchEvent(getRequest(t, "/"))
	i.HandleFetch(context.Background(), &fakeScope{}, event)

	require.True(t, event.Responded())
	assert.Equal(t, "home", string(event.Response().Body()))
	assert.Contains(t, sink.errorCauses, metadata.CauseStorageFailure)
}

func TestHandleFetch_WriteFailureStillResponds(t *testing.T) {
	storage := &spyStorage{
		Storage: cachestore.NewMemoryStorage(),
		putErr: &cachestore.StoreError{
			Message: "database is locked",
			Cause:   cachestore.ErrCauseWriteFailure,
		},
	}
	f := &mockFetcher{}
	f.On("Fetch", mock.Anything, forPath("/cartech.png")).Return(okResponse(t, "/cartech.png", "png"), nil)
	sink := &recordingSink{}
	i := interceptor.New(testConfig(t), storage, f, sink)

	event := runtime.NewFetchEvent(getRequest(t, "/cartech.png"))
	i.HandleFetch(context.Background(), &fakeScope{}, event)

	require.True(t, event.Responded())
	assert.Equal(t, http.StatusOK, event.Response().Status())
	assert.Equal(t, "png", string(event.Response().Body()))
	assert.Contains(t, sink.errorCauses, metadata.CauseStorageFailure)
	assert.Empty(t, sink.cacheActions(metadata.CachePut))
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int
	}{
		{"skip waiting", `{"type":"SKIP_WAITING"}`, 1},
		{"skip waiting with extra fields", `{"type":"SKIP_WAITING","from":"banner"}`, 1},
		{"other type", `{"type":"REFRESH"}`, 0},
		{"lowercase", `{"type":"skip_waiting"}`, 0},
		{"non-string type", `{"type":1}`, 0},
		{"no type", `{}`, 0},
		{"bare string", `"SKIP_WAITING"`, 0},
		{"array", `[{"type":"SKIP_WAITING"}]`, 0},
		{"null", `null`, 0},
		{"not json", `SKIP_WAITING`, 0},
		{"empty", ``, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope := &fakeScope{}
			i := interceptor.New(testConfig(t), cachestore.NewMemoryStorage(), &mockFetcher{}, &metadata.NoopSink{})

			i.HandleMessage(context.Background(), scope, []byte(tt.payload))
			assert.Equal(t, tt.want, scope.skipWaiting)
		})
	}
}
