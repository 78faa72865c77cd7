package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var workerSeq atomic.Int64

// Worker is one version of the offline agent. Handlers are attached before the
// worker is handed to Registration.Register and never change afterwards.
type Worker struct {
	name       string
	generation string

	installHandlers  []InstallHandler
	activateHandlers []ActivateHandler
	fetchHandlers    []FetchHandler
	messageHandlers  []MessageHandler

	mu          sync.Mutex
	state       State
	skipWaiting bool
	reg         *Registration
}

func NewWorker(generation string) *Worker {
	return &Worker{
		name:       fmt.Sprintf("%s#%d", generation, workerSeq.Add(1)),
		generation: generation,
		state:      StateParsed,
	}
}

func (w *Worker) OnInstall(h InstallHandler) {
	w.installHandlers = append(w.installHandlers, h)
}

func (w *Worker) OnActivate(h ActivateHandler) {
	w.activateHandlers = append(w.activateHandlers, h)
}

func (w *Worker) OnFetch(h FetchHandler) {
	w.fetchHandlers = append(w.fetchHandlers, h)
}

func (w *Worker) OnMessage(h MessageHandler) {
	w.messageHandlers = append(w.messageHandlers, h)
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Generation() string {
	return w.generation
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mu.Lock()
	w.state = state
	w.mu.Unlock()
}

func (w *Worker) skipWaitingRequested() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.skipWaiting
}

func (w *Worker) registration() *Registration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reg
}

// SkipWaiting lets the worker activate without waiting for the clients of
// the current active worker to go away. A waiting worker activates now.
func (w *Worker) SkipWaiting(ctx context.Context) error {
	w.mu.Lock()
	w.skipWaiting = true
	reg := w.reg
	w.mu.Unlock()

	if reg == nil {
		return nil
	}
	reg.record(metadata.PhaseSkipWaiting, w)
	return reg.activateIfWaiting(ctx, w)
}

// Claim makes the worker the controller of every client at once.
func (w *Worker) Claim(ctx context.Context) error {
	reg := w.registration()
	if reg == nil {
		return &LifecycleError{
			Message:   fmt.Sprintf("worker %s is not registered", w.name),
			Retryable: false,
			Cause:     ErrCauseInvalidState,
		}
	}
	return reg.claim(w)
}

// DispatchFetch runs the fetch handlers in order. handled is false when the
// worker is not activated or no handler responded.
func (w *Worker) DispatchFetch(ctx context.Context, req exchange.Request) (exchange.Response, bool) {
	if w.State() != StateActivated {
		return exchange.Response{}, false
	}
	event := NewFetchEvent(req)
	for _, h := range w.fetchHandlers {
		h(ctx, w, event)
	}
	if !event.Responded() {
		return exchange.Response{}, false
	}
	return event.Response(), true
}

func (w *Worker) dispatchMessage(ctx context.Context, payload []byte) {
	for _, h := range w.messageHandlers {
		h(ctx, w, payload)
	}
}
