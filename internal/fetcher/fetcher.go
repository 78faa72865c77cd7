package fetcher

import (
	"context"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
)

// Fetcher issues one outbound request. It returns a response for every
// HTTP status and a classified error only when the network call itself failed.
type Fetcher interface {
	Fetch(ctx context.Context, req exchange.Request) (exchange.Response, failure.ClassifiedError)
}
