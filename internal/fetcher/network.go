package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rohmanhakim/offline-agent/internal/exchange"
	"github.com/rohmanhakim/offline-agent/internal/metadata"
	"github.com/rohmanhakim/offline-agent/pkg/failure"
	"github.com/rohmanhakim/offline-agent/pkg/urlutil"
)

/*
Responsibilities

- Perform the single outbound request of a fetch passthrough
- Forward end-to-end headers, apply the User-Agent and timeout
- Classify the response type against the application origin

Fetch Semantics

- Every HTTP status is a response; only transport failures are errors
- Redirects are followed by http.Client; the type is decided on the final URL
- No retries
- All fetches are recorded with metadata
*/

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

type NetworkFetcher struct {
	metadataSink metadata.MetadataSink
	origin       url.URL
	httpClient   *http.Client
	userAgent    string
}

func NewNetworkFetcher(
	metadataSink metadata.MetadataSink,
	origin url.URL,
) *NetworkFetcher {
	return &NetworkFetcher{
		metadataSink: metadataSink,
		origin:       origin,
		httpClient:   &http.Client{},
	}
}

// Init sets the client used for outbound requests and the default User-Agent.
func (n *NetworkFetcher) Init(httpClient *http.Client, userAgent string) {
	if httpClient != nil {
		n.httpClient = httpClient
	}
	n.userAgent = userAgent
}

func (n *NetworkFetcher) Fetch(ctx context.Context, req exchange.Request) (exchange.Response, failure.ClassifiedError) {
	callerMethod := "NetworkFetcher.Fetch"
	startTime := time.Now()
	reqURL := req.URL()

	resp, err := n.performFetch(ctx, req)

	duration := time.Since(startTime)
	n.metadataSink.RecordFetch(reqURL.String(), resp.Status(), duration, metadata.SourceNetwork)

	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			n.metadataSink.RecordError(
				time.Now(),
				"fetcher",
				callerMethod,
				mapFetchErrorToMetadataCause(fetchErr),
				err.Error(),
				[]metadata.Attribute{
					metadata.NewAttr(metadata.AttrURL, reqURL.String()),
					metadata.NewAttr(metadata.AttrMethod, req.Method()),
				},
			)
		}
		return exchange.Response{}, err
	}

	return resp, nil
}

func (n *NetworkFetcher) performFetch(ctx context.Context, req exchange.Request) (exchange.Response, failure.ClassifiedError) {
	reqURL := req.URL()

	var body io.Reader
	if len(req.Body()) > 0 {
		body = bytes.NewReader(req.Body())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method(), reqURL.String(), body)
	if err != nil {
		return exchange.Response{}, &FetchError{
			Message:   fmt.Sprintf("failed to create request: %v", err),
			Retryable: false,
			Cause:     ErrCauseInvalidRequest,
		}
	}

	httpReq.Header = forwardHeaders(req.Header())
	if httpReq.Header.Get("User-Agent") == "" && n.userAgent != "" {
		httpReq.Header.Set("User-Agent", n.userAgent)
	}

	httpResp, err := n.httpClient.Do(httpReq)
	if err != nil {
		return exchange.Response{}, classifyTransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return exchange.Response{}, &FetchError{
			Message:   fmt.Sprintf("failed to read response body: %v", err),
			Retryable: true,
			Cause:     ErrCauseReadResponseBodyError,
		}
	}

	finalURL := reqURL
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		finalURL = *httpResp.Request.URL
	}

	return exchange.NewResponse(
		finalURL,
		httpResp.StatusCode,
		n.responseType(finalURL, httpResp.Header),
		forwardHeaders(httpResp.Header),
		respBody,
	), nil
}

// responseType classifies a response the way a browser taints it.
func (n *NetworkFetcher) responseType(finalURL url.URL, header http.Header) exchange.ResponseType {
	if urlutil.SameOrigin(finalURL, n.origin) {
		return exchange.ResponseTypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return exchange.ResponseTypeCORS
	}
	return exchange.ResponseTypeOpaque
}

func classifyTransportError(ctx context.Context, err error) failure.ClassifiedError {
	if errors.Is(ctx.Err(), context.Canceled) {
		return &FetchError{
			Message:   fmt.Sprintf("request canceled: %v", err),
			Retryable: false,
			Cause:     ErrCauseCanceled,
		}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &FetchError{
			Message:   fmt.Sprintf("request timed out: %v", err),
			Retryable: true,
			Cause:     ErrCauseTimeout,
		}
	}
	return &FetchError{
		Message:   fmt.Sprintf("request failed: %v", err),
		Retryable: true,
		Cause:     ErrCauseNetworkFailure,
	}
}

// forwardHeaders copies header without hop-by-hop fields, including those
// named by the Connection header.
func forwardHeaders(header http.Header) http.Header {
	out := header.Clone()
	if out == nil {
		return http.Header{}
	}
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				out.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
