package model

import (
	"context"
	"io"
	"net/http"
)

// Request is what the inbound transport hands to the dispatcher.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     io.Reader
	// ContentLength is the declared body size, or -1 when unknown.
	ContentLength int64
}

// Response is returned to the inbound transport. Body is never nil.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// ServiceClient invokes a downstream service. Failures are reported as
// *errors.TransportFault.
type ServiceClient interface {
	Invoke(ctx context.Context, req *Request) (*Response, error)
}

// ServiceClientFunc adapts a function to ServiceClient.
type ServiceClientFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ServiceClientFunc) Invoke(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
