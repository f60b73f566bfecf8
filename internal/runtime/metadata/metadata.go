package metadata

import (
	"net/http"
	"strings"
)

// Keys attached to lifecycle events when they leave the process.
const (
	KeyCorrelationID = "dualrun_correlation_id"
	KeyEventKind     = "dualrun_event_kind"
	KeyCore          = "dualrun_core"
	KeyStatus        = "dualrun_status"
	KeyAPIType       = "dualrun_api_type"
)

// Metadata is a flat string map carried alongside a lifecycle event.
type Metadata map[string]string

// Clone returns a shallow copy. A nil receiver yields an empty, non-nil map.
func (m Metadata) Clone() Metadata {
	cloned := make(Metadata, len(m))
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// With returns a copy containing the additional pair. Empty values are skipped.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.Clone()
	if value != "" {
		cloned[key] = value
	}
	return cloned
}

// WithAll returns a copy merged with entries; entries win on conflict.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.Clone()
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// New constructs Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// FromHeader copies the first value of each named header, keyed by the
// lower-cased header name. Missing headers are skipped.
func FromHeader(h http.Header, names ...string) Metadata {
	md := make(Metadata, len(names))
	for _, name := range names {
		if v := h.Get(name); v != "" {
			md[strings.ToLower(name)] = v
		}
	}
	return md
}
