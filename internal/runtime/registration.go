package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
)

/*
Registration hosts the lifecycle of offline agent workers.

 - At most one active, one waiting and one controlling worker at a time.
 - Lifecycle transitions (install, activate, release) are serialized.
 - Fetch dispatch only reads the controller and runs concurrently.
 - A worker whose install fails becomes redundant; the previous active
   worker keeps serving.
 - Handlers run on the caller's goroutine and settle before the transition
   they belong to completes.

Clients are not tracked individually. The controller stands for every open
page; a navigation request stands for a page reload.
*/
type Registration struct {
	metadataSink metadata.MetadataSink

	// lifecycle is held for the whole of a transition, handlers included.
	lifecycle sync.Mutex

	mu         sync.RWMutex
	active     *Worker
	waiting    *Worker
	controller *Worker
}

func NewRegistration(metadataSink metadata.MetadataSink) *Registration {
	return &Registration{
		metadataSink: metadataSink,
	}
}

// Register installs w and, when allowed, activates it.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	w.mu.Lock()
	if w.state != StateParsed {
		state := w.state
		w.mu.Unlock()
		return r.fail("Registration.Register", w, &LifecycleError{
			Message:   fmt.Sprintf("worker %s is %s", w.name, state),
			Retryable: false,
			Cause:     ErrCauseInvalidState,
		})
	}
	w.state = StateInstalling
	w.reg = r
	w.mu.Unlock()

	r.record(metadata.PhaseInstall, w)
	for _, h := range w.installHandlers {
		if err := h(ctx, w); err != nil {
			w.setState(StateRedundant)
			r.record(metadata.PhaseRedundant, w, metadata.NewAttr(metadata.AttrReason, err.Error()))
			return r.fail("Registration.Register", w, &LifecycleError{
				Message:   fmt.Sprintf("worker %s: %v", w.name, err),
				Retryable: true,
				Cause:     ErrCauseInstallFailed,
				Err:       err,
			})
		}
	}
	w.setState(StateInstalled)
	r.record(metadata.PhaseInstalled, w)

	r.mu.Lock()
	if previous := r.waiting; previous != nil {
		previous.setState(StateRedundant)
		r.record(metadata.PhaseRedundant, previous, metadata.NewAttr(metadata.AttrReason, "replaced by "+w.name))
	}
	r.waiting = w
	hasActive := r.active != nil
	r.mu.Unlock()

	if hasActive && !w.skipWaitingRequested() {
		r.record(metadata.PhaseWaiting, w)
		return nil
	}
	return r.activate(ctx, w)
}

// ReleaseClients tells the registration that every client of the current
// controller went away, so a waiting worker may activate.
func (r *Registration) ReleaseClients(ctx context.Context) error {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	r.mu.Lock()
	r.controller = nil
	waiting := r.waiting
	r.mu.Unlock()

	if waiting == nil {
		return nil
	}
	return r.activate(ctx, waiting)
}

// PostMessage delivers payload to the waiting worker, or to the active one
// when nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, payload []byte) error {
	r.mu.RLock()
	target := r.waiting
	if target == nil {
		target = r.active
	}
	r.mu.RUnlock()

	if target == nil {
		return r.fail("Registration.PostMessage", nil, &LifecycleError{
			Message:   "no installed worker to receive the message",
			Retryable: true,
			Cause:     ErrCauseNoWorker,
		})
	}
	r.record(metadata.PhaseMessage, target)
	target.dispatchMessage(ctx, payload)
	return nil
}

// Dispatch hands req to the controller. A navigation request first makes
// the active worker the controller.
func (r *Registration) Dispatch(ctx context.Context, req exchange.Request) (exchange.Response, bool) {
	controller := r.controllerFor(req)
	if controller == nil {
		return exchange.Response{}, false
	}
	return controller.DispatchFetch(ctx, req)
}

func (r *Registration) controllerFor(req exchange.Request) *Worker {
	r.mu.RLock()
	controller := r.controller
	active := r.active
	r.mu.RUnlock()

	if !req.IsNavigation() || active == nil || active == controller || active.State() != StateActivated {
		return controller
	}

	r.mu.Lock()
	changed := r.active == active && r.controller != active
	if changed {
		r.controller = active
	}
	controller = r.controller
	r.mu.Unlock()
	if changed {
		r.record(metadata.PhaseControllerSwap, active)
	}
	return controller
}

func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

func (r *Registration) Waiting() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.controller
}

func (r *Registration) activateIfWaiting(ctx context.Context, w *Worker) error {
	r.mu.RLock()
	isWaiting := r.waiting == w
	r.mu.RUnlock()
	if !isWaiting {
		return nil
	}

	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()

	// Another transition may have settled while the lock was free.
	r.mu.RLock()
	isWaiting = r.waiting == w
	r.mu.RUnlock()
	if !isWaiting {
		return nil
	}
	return r.activate(ctx, w)
}

// activate must be called with the lifecycle lock held.
func (r *Registration) activate(ctx context.Context, w *Worker) error {
	r.mu.Lock()
	previous := r.active
	r.active = w
	if r.waiting == w {
		r.waiting = nil
	}
	swapController := previous != nil && r.controller == previous
	if swapController {
		r.controller = w
	}
	r.mu.Unlock()

	if previous != nil {
		previous.setState(StateRedundant)
		r.record(metadata.PhaseRedundant, previous, metadata.NewAttr(metadata.AttrReason, "replaced by "+w.name))
	}
	if swapController {
		r.record(metadata.PhaseControllerSwap, w)
	}

	w.setState(StateActivating)
	r.record(metadata.PhaseActivate, w)

	var firstErr error
	for _, h := range w.activateHandlers {
		if err := h(ctx, w); err != nil {
			firstErr = err
			break
		}
	}

	w.setState(StateActivated)
	r.record(metadata.PhaseActivated, w)

	if firstErr != nil {
		return r.fail("Registration.activate", w, &LifecycleError{
			Message:   fmt.Sprintf("worker %s: %v", w.name, firstErr),
			Retryable: false,
			Cause:     ErrCauseActivateFailed,
			Err:       firstErr,
		})
	}
	return nil
}

func (r *Registration) claim(w *Worker) error {
	r.mu.Lock()
	if r.active != w {
		r.mu.Unlock()
		return &LifecycleError{
			Message:   fmt.Sprintf("worker %s is not the active worker", w.name),
			Retryable: false,
			Cause:     ErrCauseInvalidState,
		}
	}
	changed := r.controller != w
	r.controller = w
	r.mu.Unlock()

	r.record(metadata.PhaseClaim, w)
	if changed {
		r.record(metadata.PhaseControllerSwap, w)
	}
	return nil
}

func (r *Registration) record(phase metadata.LifecyclePhase, w *Worker, attrs ...metadata.Attribute) {
	attrs = append([]metadata.Attribute{
		metadata.NewAttr(metadata.AttrWorker, w.name),
		metadata.NewAttr(metadata.AttrCacheName, w.generation),
	}, attrs...)
	r.metadataSink.RecordLifecycle(phase, attrs)
}

func (r *Registration) fail(action string, w *Worker, err *LifecycleError) error {
	var attrs []metadata.Attribute
	if w != nil {
		attrs = append(attrs, metadata.NewAttr(metadata.AttrWorker, w.name))
	}
	r.metadataSink.RecordError(
		time.Now(),
		"runtime",
		action,
		mapLifecycleErrorToMetadataCause(err),
		err.Error(),
		attrs,
	)
	return err
}
