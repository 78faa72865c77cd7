package runtime

import (
	"context"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
)

// Scope is what a handler may do to the worker it runs in.
type Scope interface {
	SkipWaiting(ctx context.Context) error
	Claim(ctx context.Context) error
	Generation() string
}

type InstallHandler func(ctx context.Context, scope Scope) error

type ActivateHandler func(ctx context.Context, scope Scope) error

type FetchHandler func(ctx context.Context, scope Scope, event *FetchEvent)

type MessageHandler func(ctx context.Context, scope Scope, payload []byte)

// FetchEvent carries one intercepted request. A handler that does not call
// RespondWith leaves the request to the default network behavior.
type FetchEvent struct {
	request   exchange.Request
	response  exchange.Response
	responded bool
}

func NewFetchEvent(req exchange.Request) *FetchEvent {
	return &FetchEvent{request: req}
}

func (e *FetchEvent) Request() exchange.Request {
	return e.request
}

// RespondWith settles the event. Only the first call takes effect.
func (e *FetchEvent) RespondWith(resp exchange.Response) error {
	if e.responded {
		return &LifecycleError{
			Message:   "fetch event already has a response",
			Retryable: false,
			Cause:     ErrCauseInvalidState,
		}
	}
	e.response = resp
	e.responded = true
	return nil
}

func (e *FetchEvent) Responded() bool {
	return e.responded
}

func (e *FetchEvent) Response() exchange.Response {
	return e.response
}
