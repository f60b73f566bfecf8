// Package transport builds the Watermill publishers lifecycle events are
// forwarded to. Each sink (kafka, rabbitmq, aws, ...) lives in its own
// sub-package and registers a Builder with the registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Sink is a publisher produced by a Builder together with what it can do.
type Sink struct {
	Publisher    message.Publisher
	Capabilities Capabilities
}

// Builder creates a sink publisher from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (message.Publisher, error)

// Config provides the values sinks need without importing the full config package.
type Config interface {
	// GetEventSink returns the sink name.
	GetEventSink() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPPublisherURL() string

	// IO
	GetIOFile() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by publishers that report their own capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
