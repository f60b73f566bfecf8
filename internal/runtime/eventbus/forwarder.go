package eventbus

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errorspkg "github.com/drblury/dualrun/internal/runtime/errors"
	"github.com/drblury/dualrun/internal/runtime/jsoncodec"
	"github.com/drblury/dualrun/internal/runtime/logging"
	"github.com/drblury/dualrun/internal/runtime/metadata"
)

// NewMessage encodes ev as a Watermill message. Lifecycle identifiers are
// copied into metadata so brokers can route without decoding the payload.
func NewMessage(ev Event) (*message.Message, error) {
	payload, err := jsoncodec.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lifecycle event: %w", err)
	}
	md := metadata.New(
		metadata.KeyCorrelationID, ev.CorrelationID,
		metadata.KeyEventKind, string(ev.Kind),
	).With(metadata.KeyCore, string(ev.Core))
	if ev.Outcome != nil {
		md = md.With(metadata.KeyStatus, string(ev.Outcome.Status))
	}
	if ev.Request != nil {
		md = md.With(metadata.KeyAPIType, ev.Request.APIType)
	}

	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata = metadata.ToWatermill(md)
	return msg, nil
}

// Forwarder republishes bus events to an external sink. Publish failures
// are logged and counted but never retried: the sink sees the same
// best-effort stream as any other subscriber.
type Forwarder struct {
	publisher message.Publisher
	topic     string
	logger    logging.ServiceLogger
	onResult  func(err error)
	maxSize   int64
}

// NewForwarder validates its inputs. onResult, when set, observes every
// publish attempt.
func NewForwarder(publisher message.Publisher, topic string, logger logging.ServiceLogger, onResult func(error)) (*Forwarder, error) {
	if publisher == nil {
		return nil, errorspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errorspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Forwarder{
		publisher: publisher,
		topic:     topic,
		logger:    logging.Component(logger, "event_forwarder"),
		onResult:  onResult,
	}, nil
}

// WithMaxMessageSize makes Forward reject payloads larger than n bytes with
// ErrEventTooLarge instead of handing them to the publisher. n <= 0 disables the check.
func (f *Forwarder) WithMaxMessageSize(n int64) *Forwarder {
	f.maxSize = n
	return f
}

// Run subscribes to bus and forwards until ctx is done.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) error {
	sub := bus.Subscribe()
	defer sub.Close()

	err := sub.Run(ctx, func(ev Event) { f.Forward(ctx, ev) })
	if errors.Is(err, context.Canceled) || errors.Is(err, errorspkg.ErrSubscriptionClosed) {
		return nil
	}
	return err
}

// Forward publishes a single event.
func (f *Forwarder) Forward(ctx context.Context, ev Event) {
	msg, err := NewMessage(ev)
	if err == nil && f.maxSize > 0 && int64(len(msg.Payload)) > f.maxSize {
		err = fmt.Errorf("%w: %d bytes", errorspkg.ErrEventTooLarge, len(msg.Payload))
	}
	if err == nil {
		msg.SetContext(ctx)
		err = f.publisher.Publish(f.topic, msg)
	}
	if err != nil {
		f.logger.Error("Failed to forward lifecycle event", err, logging.LogFields{
			"correlation_id": ev.CorrelationID,
			"kind":           ev.Kind,
			"topic":          f.topic,
		})
	}
	if f.onResult != nil {
		f.onResult(err)
	}
}
