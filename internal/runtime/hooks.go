package runtime

import (
	"context"
	"errors"
	"strings"
	"time"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/eventbus"
	loggingpkg "github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/model"
)

// EventHooks defines callbacks for request lifecycle events read from the bus.
// All hooks are optional - nil hooks are simply not called. Hooks run on the
// consumer goroutine and never on the request path.
type EventHooks struct {
	// OnRequest is called once per correlation id after the body was forked.
	OnRequest func(ev eventbus.Event)

	// OnResponse is called for SUCCESS and SKIPPED outcomes of either core.
	OnResponse func(ev eventbus.Event)

	// OnError is called for FAIL and TIMEOUT outcomes. err rebuilds the
	// transport fault from the outcome's reason and message.
	OnError func(ev eventbus.Event, err error)
}

// Empty reports whether no hook is set.
func (h EventHooks) Empty() bool {
	return h.OnRequest == nil && h.OnResponse == nil && h.OnError == nil
}

// Merge combines two EventHooks, creating a new EventHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h EventHooks) Merge(other EventHooks) EventHooks {
	return EventHooks{
		OnRequest:  chainEventHooks(h.OnRequest, other.OnRequest),
		OnResponse: chainEventHooks(h.OnResponse, other.OnResponse),
		OnError:    chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainEventHooks(a, b func(eventbus.Event)) func(eventbus.Event) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev eventbus.Event) {
		a(ev)
		b(ev)
	}
}

func chainErrorHooks(a, b func(eventbus.Event, error)) func(eventbus.Event, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ev eventbus.Event, err error) {
		a(ev, err)
		b(ev, err)
	}
}

// Dispatch routes ev to the matching hook.
func (h EventHooks) Dispatch(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindRequest:
		if h.OnRequest != nil {
			h.OnRequest(ev)
		}
	case eventbus.KindResponse:
		if h.OnResponse != nil {
			h.OnResponse(ev)
		}
	case eventbus.KindError:
		if h.OnError != nil {
			h.OnError(ev, OutcomeError(ev.Outcome))
		}
	}
}

// Run subscribes to bus and dispatches events until ctx is done. Events
// evicted before this consumer read them are skipped.
func (h EventHooks) Run(ctx context.Context, bus *eventbus.Bus) error {
	sub := bus.Subscribe()
	defer sub.Close()
	err := sub.Run(ctx, h.Dispatch)
	if errors.Is(err, context.Canceled) || errors.Is(err, errorspkg.ErrSubscriptionClosed) {
		return nil
	}
	return err
}

// OutcomeError turns a failed outcome back into an error. It returns nil for
// successful or skipped outcomes.
func OutcomeError(o *model.ResponseOutcome) error {
	if o == nil || o.Status == model.StatusSuccess || o.Status == model.StatusSkipped {
		return nil
	}
	msg := o.Error
	if msg == "" {
		msg = strings.ToLower(string(o.Status))
	}
	kind := errorspkg.FaultKind(o.Reason)
	if kind == "" {
		kind = errorspkg.FaultConnection
	}
	return &errorspkg.TransportFault{
		Kind:    kind,
		Service: strings.ToLower(string(o.Core)),
		Err:     errors.New(msg),
	}
}

// LoggingHooks returns pre-built hooks that log request lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) EventHooks {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return EventHooks{
		OnRequest: func(ev eventbus.Event) {
			fields := loggingpkg.LogFields{"correlation_id": ev.CorrelationID}
			if ev.Request != nil {
				fields["method"] = ev.Request.Method
				fields["path"] = ev.Request.Path
				fields["api_type"] = ev.Request.APIType
				fields["plan_reason"] = ev.Request.PlanReason
			}
			logger.Debug("Request received", fields)
		},
		OnResponse: func(ev eventbus.Event) {
			fields := loggingpkg.LogFields{"correlation_id": ev.CorrelationID, "core": ev.Core}
			if o := ev.Outcome; o != nil {
				fields["status"] = o.Status
				fields["http_status"] = o.HTTPStatus
				fields["duration_ms"] = o.Latency.Milliseconds()
				if o.Reason != "" {
					fields["reason"] = o.Reason
				}
			}
			logger.Debug("Outcome completed", fields)
		},
		OnError: func(ev eventbus.Event, err error) {
			fields := loggingpkg.LogFields{"correlation_id": ev.CorrelationID, "core": ev.Core}
			if o := ev.Outcome; o != nil {
				fields["status"] = o.Status
				fields["duration_ms"] = o.Latency.Milliseconds()
			}
			logger.Error("Outcome failed", err, fields)
		},
	}
}

// MetricsHooks returns pre-built hooks that count lifecycle events per core.
func MetricsHooks(onRequest func(apiType string), onDone, onError func(core model.Core, latency time.Duration)) EventHooks {
	return EventHooks{
		OnRequest: func(ev eventbus.Event) {
			if onRequest == nil {
				return
			}
			apiType := ""
			if ev.Request != nil {
				apiType = ev.Request.APIType
			}
			onRequest(apiType)
		},
		OnResponse: func(ev eventbus.Event) {
			if onDone != nil {
				onDone(ev.Core, outcomeLatency(ev))
			}
		},
		OnError: func(ev eventbus.Event, _ error) {
			if onError != nil {
				onError(ev.Core, outcomeLatency(ev))
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed outcomes.
func AlertingHooks(alertFunc func(ev eventbus.Event, err error)) EventHooks {
	return EventHooks{
		OnError: alertFunc,
	}
}

func outcomeLatency(ev eventbus.Event) time.Duration {
	if ev.Outcome == nil {
		return 0
	}
	return ev.Outcome.Latency
}
