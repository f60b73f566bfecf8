package rules

import (
	"fmt"
	"strings"
)

// Wildcard is a pointer segment matching every key or index at its level.
const Wildcard = "*"

// ParsePointer splits an RFC 6901 JSON Pointer into unescaped segments.
// The empty string addresses the whole document.
func ParsePointer(p string) ([]string, error) {
	if p == "" {
		return nil, nil
	}
	if !strings.HasPrefix(p, "/") {
		return nil, fmt.Errorf("json pointer %q must start with '/'", p)
	}
	raw := strings.Split(p[1:], "/")
	segments := make([]string, len(raw))
	for i, seg := range raw {
		if err := checkEscapes(seg); err != nil {
			return nil, fmt.Errorf("json pointer %q: %w", p, err)
		}
		segments[i] = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
	}
	return segments, nil
}

func checkEscapes(seg string) error {
	for i := 0; i < len(seg); i++ {
		if seg[i] != '~' {
			continue
		}
		if i+1 >= len(seg) || (seg[i+1] != '0' && seg[i+1] != '1') {
			return fmt.Errorf("invalid escape in segment %q", seg)
		}
	}
	return nil
}

// EscapeSegment applies RFC 6901 escaping to one key.
func EscapeSegment(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "~", "~0"), "/", "~1")
}
