package interceptor_test

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/cachestore"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/fetcher"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testOrigin = "https://inspect.example.com"

func testConfig(t *testing.T) config.Config {
	t.Helper()
	origin, err := config.ParseOrigin(testOrigin)
	require.NoError(t, err)
	cfg, err := config.WithDefault(origin).Build()
	require.NoError(t, err)
	return cfg
}

func getRequest(t *testing.T, path string) exchange.Request {
	t.Helper()
	u, err := url.Parse(testOrigin + path)
	require.NoError(t, err)
	return exchange.NewGetRequest(*u)
}

func okResponse(t *testing.T, path string, body string) exchange.Response {
	t.Helper()
	u, err := url.Parse(testOrigin + path)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	return exchange.NewResponse(*u, http.StatusOK, exchange.ResponseTypeBasic, header, []byte(body))
}

func responseWith(t *testing.T, path string, status int, responseType exchange.ResponseType) exchange.Response {
	t.Helper()
	u, err := url.Parse(testOrigin + path)
	require.NoError(t, err)
	return exchange.NewResponse(*u, status, responseType, http.Header{}, []byte(http.StatusText(status)))
}

func networkDown() failure.ClassifiedError {
	return &fetcher.FetchError{
		Message:   "dial tcp: connection refused",
		Retryable: true,
		Cause:     fetcher.ErrCauseNetworkFailure,
	}
}

// forPath matches a fetched request by URL path.
func forPath(path string) interface{} {
	return mock.MatchedBy(func(req exchange.Request) bool {
		u := req.URL()
		return u.Path == path
	})
}

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, req exchange.Request) (exchange.Response, failure.ClassifiedError) {
	args := m.Called(ctx, req)
	var err failure.ClassifiedError
	if e := args.Get(1); e != nil {
		err = e.(failure.ClassifiedError)
	}
	return args.Get(0).(exchange.Response), err
}

// precacheAll answers every default precache path with 200.
func precacheAll(t *testing.T, f *mockFetcher) {
	t.Helper()
	for _, path := range config.DefaultPrecacheURLs() {
		f.On("Fetch", mock.Anything, forPath(path)).Return(okResponse(t, path, "shell "+path), nil).Once()
	}
}

type fakeScope struct {
	mu          sync.Mutex
	generation  string
	skipWaiting int
	claims      int
}

func (s *fakeScope) SkipWaiting(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skipWaiting++
	return nil
}

func (s *fakeScope) Claim(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	return nil
}

func (s *fakeScope) Generation() string {
	return s.generation
}

// spyStorage counts calls and can inject store failures.
type spyStorage struct {
	cachestore.Storage
	mu         sync.Mutex
	matchCalls int
	openCalls  int
	matchErr   failure.ClassifiedError
	putErr     failure.ClassifiedError
}

func (s *spyStorage) Match(ctx context.Context, req exchange.Request) (exchange.Response, bool, failure.ClassifiedError) {
	s.mu.Lock()
	s.matchCalls++
	matchErr := s.matchErr
	s.mu.Unlock()
	if matchErr != nil {
		return exchange.Response{}, false, matchErr
	}
	return s.Storage.Match(ctx, req)
}

func (s *spyStorage) Open(ctx context.Context, name string) (cachestore.Cache, failure.ClassifiedError) {
	s.mu.Lock()
	s.openCalls++
	putErr := s.putErr
	s.mu.Unlock()
	cache, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	if putErr != nil {
		return failingPutCache{Cache: cache, err: putErr}, nil
	}
	return cache, nil
}

type failingPutCache struct {
	cachestore.Cache
	err failure.ClassifiedError
}

func (c failingPutCache) Put(ctx context.Context, req exchange.Request, resp exchange.Response) failure.ClassifiedError {
	return c.err
}

type cacheEvent struct {
	action metadata.CacheAction
	attrs  map[metadata.AttributeKey]string
}

type fetchRecord struct {
	url    string
	status int
	source metadata.FetchSource
}

type recordingSink struct {
	mu          sync.Mutex
	errorCauses []metadata.ErrorCause
	fetches     []fetchRecord
	cacheEvents []cacheEvent
	phases      []metadata.LifecyclePhase
}

func (s *recordingSink) RecordError(observedAt time.Time, packageName string, action string, cause metadata.ErrorCause, details string, attrs []metadata.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCauses = append(s.errorCauses, cause)
}

func (s *recordingSink) RecordFetch(fetchUrl string, httpStatus int, duration time.Duration, source metadata.FetchSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, fetchRecord{url: fetchUrl, status: httpStatus, source: source})
}

func (s *recordingSink) RecordCache(action metadata.CacheAction, attrs []metadata.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fields := map[metadata.AttributeKey]string{}
	for _, attr := range attrs {
		fields[attr.Key] = attr.Value
	}
	s.cacheEvents = append(s.cacheEvents, cacheEvent{action: action, attrs: fields})
}

func (s *recordingSink) RecordLifecycle(phase metadata.LifecyclePhase, attrs []metadata.Attribute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func (s *recordingSink) cacheActions(action metadata.CacheAction) []cacheEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []cacheEvent
	for _, e := range s.cacheEvents {
		if e.action == action {
			out = append(out, e)
		}
	}
	return out
}

func exchange404(t *testing.T) exchange.Response {
	return responseWith(t, "/", http.StatusNotFound, exchange.ResponseTypeBasic)
}

func exchangePost(target url.URL) exchange.Request {
	return exchange.NewRequest(http.MethodPost, target, nil, []byte("plate=A123"))
}
