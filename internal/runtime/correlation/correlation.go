// Package correlation carries the per-request correlation id through
// contexts and across service boundaries.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/drblury/dualrun/internal/runtime/ids"
)

// Header is the HTTP header used to propagate the id to downstream services
// and back to the caller.
const Header = "X-Correlation-ID"

type contextKey struct{}

// WithID returns a child context carrying id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the id stored in ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Ensure assigns the request its correlation id. An id already present on
// ctx wins. Otherwise, when acceptInbound is set and the inbound header holds
// a well-formed id, that id is adopted; anything else gets a fresh id.
func Ensure(ctx context.Context, header http.Header, acceptInbound bool) (context.Context, string) {
	if id, ok := FromContext(ctx); ok {
		return ctx, id
	}
	if acceptInbound && header != nil {
		if inbound := strings.TrimSpace(header.Get(Header)); ids.Valid(inbound) {
			return WithID(ctx, inbound), inbound
		}
	}
	id := ids.NewCorrelationID()
	return WithID(ctx, id), id
}

// Inject writes id onto header, replacing any previous value.
func Inject(header http.Header, id string) {
	if header == nil || id == "" {
		return
	}
	header.Set(Header, id)
}
