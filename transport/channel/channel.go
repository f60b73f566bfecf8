// Package channel provides an in-process Go channel sink. Events are only
// delivered to subscribers attached through PubSub, which makes the sink
// useful for tests and local development.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/dualrun/transport"
)

// TransportName is the name used to register this sink.
const TransportName = "channel"

// OutputBuffer is the per-subscriber buffer of the shared pub/sub.
const OutputBuffer = 256

var (
	sharedMu sync.Mutex
	shared   *gochannel.GoChannel
)

// Factory allows overriding the publisher creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) message.Publisher {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = gochannel.NewGoChannel(cfg, logger)
	}
	return shared
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build returns the process-wide Go channel publisher.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return Factory(gochannel.Config{OutputChannelBuffer: OutputBuffer}, logger), nil
}

// PubSub returns the shared pub/sub so in-process consumers can subscribe
// to forwarded events. It is created on first use.
func PubSub() *gochannel.GoChannel {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		shared = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: OutputBuffer}, watermill.NopLogger{})
	}
	return shared
}

// Reset closes and forgets the shared pub/sub.
func Reset() error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close()
	shared = nil
	return err
}

// Capabilities returns the capabilities of this sink.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
