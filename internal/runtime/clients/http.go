// Package clients invokes the Primary and Secondary services over HTTP.
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// hopHeaders are connection-scoped and never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	// Name is "primary" or "secondary"; it shows up in faults and logs.
	Name    string
	BaseURL string
	// Timeout bounds a whole call including reading the response headers.
	// Zero leaves the deadline to the caller's context.
	Timeout   time.Duration
	Transport http.RoundTripper
}

// HTTPClient forwards requests to one downstream base URL.
type HTTPClient struct {
	name   string
	base   *url.URL
	client *http.Client
	logger logging.ServiceLogger
}

// NewHTTP validates the base URL and builds a client.
func NewHTTP(opts HTTPOptions, logger logging.ServiceLogger) (*HTTPClient, error) {
	if logger == nil {
		return nil, errorspkg.ErrLoggerRequired
	}
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid %s URL: %w", opts.Name, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid %s URL %q: scheme must be http or https", opts.Name, opts.BaseURL)
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &HTTPClient{
		name: opts.Name,
		base: base,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logging.Component(logger, opts.Name+"_client"),
	}, nil
}

// Name returns the configured service name.
func (c *HTTPClient) Name() string { return c.name }

// Invoke forwards req. HTTP error statuses are responses, not faults.
func (c *HTTPClient) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	target := *c.base
	target.Path = joinPath(c.base.Path, req.Path)
	target.RawQuery = req.RawQuery

	body := req.Body
	if body == nil {
		body = http.NoBody
	}
	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, &errorspkg.TransportFault{Kind: errorspkg.FaultProtocol, Service: c.name, Err: err}
	}
	out.Header = CloneHeader(req.Header)
	if req.ContentLength >= 0 {
		out.ContentLength = req.ContentLength
	}

	resp, err := c.client.Do(out)
	if err != nil {
		fault := c.classify(ctx, err)
		c.logger.Debug("Downstream call failed", logging.LogFields{"kind": fault.Kind, "error": err.Error()})
		return nil, fault
	}
	respBody := resp.Body
	if respBody == nil {
		respBody = io.NopCloser(strings.NewReader(""))
	}
	return &model.Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

func (c *HTTPClient) classify(ctx context.Context, err error) *errorspkg.TransportFault {
	kind := errorspkg.FaultConnection
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), ctx.Err() == context.DeadlineExceeded:
		kind = errorspkg.FaultTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = errorspkg.FaultTimeout
	case isProtocolError(err):
		kind = errorspkg.FaultProtocol
	}
	return &errorspkg.TransportFault{Kind: kind, Service: c.name, Err: err}
}

func isProtocolError(err error) bool {
	var protoErr *http.ProtocolError
	if errors.As(err, &protoErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "malformed HTTP") || strings.Contains(msg, "unsupported protocol scheme")
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		if path == "" {
			return "/"
		}
		if !strings.HasPrefix(path, "/") {
			return "/" + path
		}
		return path
	case path == "" || path == "/":
		return base
	default:
		return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
	}
}

// CloneHeader copies h without hop-by-hop headers.
func CloneHeader(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = http.Header{}
	}
	for _, name := range hopHeaders {
		out.Del(name)
	}
	return out
}
