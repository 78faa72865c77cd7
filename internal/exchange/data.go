package exchange

import (
	"bytes"
	"net/http"
	"net/url"

	"github.com/rohmanhakim/offline-agent/pkg/urlutil"
)

// ResponseType mirrors the response tainting of the fetch standard:
// basic is same-origin, cors is a readable cross-origin response,
// opaque is an unreadable cross-origin response.
type ResponseType string

const (
	ResponseTypeBasic  ResponseType = "basic"
	ResponseTypeCORS   ResponseType = "cors"
	ResponseTypeOpaque ResponseType = "opaque"
	ResponseTypeError  ResponseType = "error"
)

type Request struct {
	method string
	url    url.URL
	header http.Header
	body   []byte
}

func NewRequest(method string, target url.URL, header http.Header, body []byte) Request {
	if method == "" {
		method = http.MethodGet
	}
	if header == nil {
		header = http.Header{}
	}
	return Request{
		method: method,
		url:    target,
		header: header,
		body:   body,
	}
}

// NewGetRequest builds a header-less GET request, as used for precaching.
func NewGetRequest(target url.URL) Request {
	return NewRequest(http.MethodGet, target, nil, nil)
}

func (r Request) Method() string {
	return r.method
}

func (r Request) URL() url.URL {
	return r.url
}

func (r Request) Header() http.Header {
	return r.header
}

func (r Request) Body() []byte {
	return r.body
}

// Identity is the cache key of the request: method plus canonical URL.
func (r Request) Identity() string {
	canonical := urlutil.Canonicalize(r.url)
	return r.method + " " + canonical.String()
}

// IsNavigation reports whether the request is a top-level page load.
func (r Request) IsNavigation() bool {
	return r.header.Get("Sec-Fetch-Mode") == "navigate"
}

type Response struct {
	url          url.URL
	status       int
	responseType ResponseType
	header       http.Header
	body         []byte
}

func NewResponse(
	responseURL url.URL,
	status int,
	responseType ResponseType,
	header http.Header,
	body []byte,
) Response {
	if header == nil {
		header = http.Header{}
	}
	return Response{
		url:          responseURL,
		status:       status,
		responseType: responseType,
		header:       header,
		body:         body,
	}
}

// NewTextResponse builds a synthetic 200 response with a plain-text body.
func NewTextResponse(text string) Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return Response{
		status:       http.StatusOK,
		responseType: ResponseTypeBasic,
		header:       header,
		body:         []byte(text),
	}
}

func (r Response) URL() url.URL {
	return r.url
}

func (r Response) Status() int {
	return r.status
}

func (r Response) StatusText() string {
	return http.StatusText(r.status)
}

func (r Response) Type() ResponseType {
	return r.responseType
}

func (r Response) Header() http.Header {
	return r.header
}

func (r Response) Body() []byte {
	return r.body
}

// OK reports a 2xx status.
func (r Response) OK() bool {
	return r.status >= 200 && r.status < 300
}

// Clone returns a copy that shares no header map or body buffer with r.
func (r Response) Clone() Response {
	clone := r
	clone.header = r.header.Clone()
	if clone.header == nil {
		clone.header = http.Header{}
	}
	clone.body = bytes.Clone(r.body)
	return clone
}
