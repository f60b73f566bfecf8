package config

import (
	"slices"
	"sync"
	"sync/atomic"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
)

// Holder publishes configuration snapshots. Readers call Current once per
// request and keep using that snapshot, so an Apply never produces a mix of
// old and new values within one request.
type Holder struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewHolder validates and publishes the initial snapshot.
func NewHolder(initial *Config) (*Holder, error) {
	h := &Holder{}
	if err := h.Apply(initial); err != nil {
		return nil, err
	}
	return h, nil
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Apply validates a copy of next with defaults filled in and swaps it in
// atomically. On error the active snapshot is left untouched.
func (h *Holder) Apply(next *Config) error {
	if next == nil {
		return errorspkg.ErrConfigRequired
	}
	snapshot := next.Clone().WithDefaults()
	if err := snapshot.Validate(); err != nil {
		return errorspkg.ConfigValidationError{Err: err}
	}

	h.mu.Lock()
	h.current.Store(snapshot)
	listeners := slices.Clone(h.listeners)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// OnApply registers fn to run after every successful Apply.
func (h *Holder) OnApply(fn func(*Config)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}
