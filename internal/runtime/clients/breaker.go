package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// BreakerOptions configures the circuit breaker around a service client.
type BreakerOptions struct {
	// MaxFailures consecutive transport faults open the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes allowed while half-open.
	HalfOpenRequests uint32
}

func (o BreakerOptions) withDefaults() BreakerOptions {
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	if o.HalfOpenRequests == 0 {
		o.HalfOpenRequests = 1
	}
	return o
}

// Breaker short-circuits a failing downstream. Only transport faults count
// as failures; any HTTP response or oversize body is a success for the
// breaker.
type Breaker struct {
	name    string
	next    model.ServiceClient
	breaker *gobreaker.CircuitBreaker
}

// NewBreaker wraps next.
func NewBreaker(name string, next model.ServiceClient, opts BreakerOptions, logger logging.ServiceLogger) *Breaker {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	log := logging.Component(logger, "circuit_breaker")
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: opts.HalfOpenRequests,
		Interval:    time.Minute,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed", logging.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: countsAsSuccess,
	}
	return &Breaker{name: name, next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// countsAsSuccess reports whether err leaves the breaker's failure count
// alone. A body cut off at the fork ceiling is the request's fault, not the
// downstream's.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, errorspkg.ErrOversizeBody) {
		return true
	}
	var fault *errorspkg.TransportFault
	return !errors.As(err, &fault)
}

// Invoke calls the wrapped client unless the circuit is open, in which case
// it fails with errors.ErrCircuitOpen without touching the downstream.
func (b *Breaker) Invoke(ctx context.Context, req *model.Request) (*model.Response, error) {
	result, err := b.breaker.Execute(func() (interface{}, error) {
		return b.next.Invoke(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", errorspkg.ErrCircuitOpen, b.name, err)
	}
	if err != nil {
		return nil, err
	}
	resp, _ := result.(*model.Response)
	return resp, nil
}

// State is "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.breaker.State().String()
}

// BreakerStats summarises the rolling counts.
type BreakerStats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

func (b *Breaker) Stats() BreakerStats {
	counts := b.breaker.Counts()
	return BreakerStats{
		Name:                b.name,
		State:               b.State(),
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}
