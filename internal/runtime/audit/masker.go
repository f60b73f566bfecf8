// Package audit persists request snapshots, outcomes and comparison results
// off the request path.
package audit

import (
	"net/http"
	"strings"
)

// Mask replaces the values of sensitive headers.
const Mask = "***"

// Masker redacts configured header names, case-insensitively.
type Masker struct {
	names map[string]struct{}
}

func NewMasker(names []string) *Masker {
	m := &Masker{names: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			m.names[http.CanonicalHeaderKey(n)] = struct{}{}
		}
	}
	return m
}

// Sensitive reports whether name is masked.
func (m *Masker) Sensitive(name string) bool {
	_, ok := m.names[http.CanonicalHeaderKey(name)]
	return ok
}

// Apply returns a copy of h with every sensitive value replaced. The input
// is never modified.
func (m *Masker) Apply(h http.Header) http.Header {
	if h == nil {
		return nil
	}
	out := make(http.Header, len(h))
	for k, values := range h {
		if m.Sensitive(k) {
			masked := make([]string, len(values))
			for i := range masked {
				masked[i] = Mask
			}
			out[k] = masked
			continue
		}
		out[k] = append([]string(nil), values...)
	}
	return out
}
