package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/cachestore"
	"github.com/rohmanhakim/offline-agent/internal/config"
	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/fetcher"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/internal/runtime"
)

/*
Server is the HTTP face of the agent. Pages talk to it instead of the origin.

  - Requests under ControlPrefix are answered by the agent itself
  - Every other request is rebuilt against the origin and offered to the
    controlling worker
  - Requests no worker answers go straight to the network
  - A failed passthrough is a 502, never an offline notice
*/

const (
	ControlPrefix = "/__offline-agent/"
	MessagePath   = ControlPrefix + "message"
	StatusPath    = ControlPrefix + "status"
)

const (
	maxRequestBody  = 10 << 20
	maxMessageBody  = 64 << 10
	shutdownTimeout = 10 * time.Second
)

type Server struct {
	origin       url.URL
	generation   string
	registration *runtime.Registration
	storage      cachestore.Storage
	fetcher      fetcher.Fetcher
	metadataSink metadata.MetadataSink
	mux          *http.ServeMux
}

func NewServer(
	cfg config.Config,
	registration *runtime.Registration,
	storage cachestore.Storage,
	fetcher fetcher.Fetcher,
	metadataSink metadata.MetadataSink,
) *Server {
	s := &Server{
		origin:       cfg.Origin(),
		generation:   cfg.CacheName(),
		registration: registration,
		storage:      storage,
		fetcher:      fetcher,
		metadataSink: metadataSink,
		mux:          http.NewServeMux(),
	}
	s.mux.HandleFunc("POST "+MessagePath, s.handleMessage)
	s.mux.HandleFunc("GET "+StatusPath, s.handleStatus)
	s.mux.HandleFunc(ControlPrefix, http.NotFound)
	s.mux.HandleFunc("/", s.handleIntercept)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Serve accepts connections on listener until ctx ends, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		<-serveErr
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return &ProxyError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseServe,
		}
	}
}

func (s *Server) handleIntercept(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		s.fail(w, http.StatusRequestEntityTooLarge, "Server.handleIntercept", &ProxyError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseReadRequest,
		}, r.URL.Path)
		return
	}

	req := exchange.NewRequest(r.Method, s.target(r.URL), r.Header.Clone(), body)
	if resp, handled := s.registration.Dispatch(r.Context(), req); handled {
		writeResponse(w, resp)
		return
	}

	startTime := time.Now()
	resp, fetchErr := s.fetcher.Fetch(r.Context(), req)
	if fetchErr != nil {
		s.fail(w, http.StatusBadGateway, "Server.handleIntercept", &ProxyError{
			Message:   fetchErr.Error(),
			Retryable: true,
			Cause:     ErrCausePassthrough,
		}, r.URL.Path)
		return
	}
	targetURL := req.URL()
	s.metadataSink.RecordFetch(targetURL.String(), resp.Status(), time.Since(startTime), metadata.SourcePassthrough)
	writeResponse(w, resp)
}

// target maps the incoming path and query onto the origin.
func (s *Server) target(incoming *url.URL) url.URL {
	target := s.origin
	target.Path = incoming.Path
	target.RawPath = incoming.RawPath
	target.RawQuery = incoming.RawQuery
	if target.Path == "" {
		target.Path = "/"
	}
	return target
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBody))
	if err != nil {
		s.fail(w, http.StatusRequestEntityTooLarge, "Server.handleMessage", &ProxyError{
			Message:   err.Error(),
			Retryable: false,
			Cause:     ErrCauseReadRequest,
		}, r.URL.Path)
		return
	}
	if err := s.registration.PostMessage(r.Context(), payload); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type workerStatus struct {
	Name       string `json:"name"`
	Generation string `json:"generation"`
	State      string `json:"state"`
}

type statusDTO struct {
	Generation string        `json:"generation"`
	Active     *workerStatus `json:"active"`
	Waiting    *workerStatus `json:"waiting"`
	Controller *workerStatus `json:"controller"`
	Caches     []string      `json:"caches"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	caches, err := s.storage.Keys(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if caches == nil {
		caches = []string{}
	}
	status := statusDTO{
		Generation: s.generation,
		Active:     describe(s.registration.Active()),
		Waiting:    describe(s.registration.Waiting()),
		Controller: describe(s.registration.Controller()),
		Caches:     caches,
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(status)
}

func describe(w *runtime.Worker) *workerStatus {
	if w == nil {
		return nil
	}
	return &workerStatus{
		Name:       w.Name(),
		Generation: w.Generation(),
		State:      string(w.State()),
	}
}

func writeResponse(w http.ResponseWriter, resp exchange.Response) {
	header := w.Header()
	for name, values := range resp.Header() {
		header[name] = append([]string(nil), values...)
	}
	// The body may have been decoded or replayed from cache.
	header.Del("Content-Length")
	w.WriteHeader(resp.Status())
	_, _ = w.Write(resp.Body())
}

func (s *Server) fail(w http.ResponseWriter, status int, action string, err *ProxyError, path string) {
	s.metadataSink.RecordError(
		time.Now(),
		"proxy",
		action,
		mapProxyErrorToMetadataCause(err),
		err.Error(),
		[]metadata.Attribute{
			metadata.NewAttr(metadata.AttrURL, path),
			metadata.NewAttr(metadata.AttrHTTPStatus, fmt.Sprint(status)),
		},
	)
	http.Error(w, http.StatusText(status), status)
}
