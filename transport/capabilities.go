package transport

// Capabilities describes what a sink guarantees for forwarded events.
type Capabilities struct {
	// Name is the registry name of the sink.
	Name string

	// Ordered is true when events published to one topic arrive in publish order.
	Ordered bool

	// Durable is true when the broker persists events beyond the process lifetime.
	Durable bool

	// Batching is true when the publisher can group several events per round trip.
	Batching bool

	// Tracing is true when message metadata travels as broker headers.
	Tracing bool

	// MaxMessageSize is the largest payload in bytes the sink accepts (0 = unlimited).
	MaxMessageSize int64
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

// Predefined capability sets for the bundled sinks.
var (
	ChannelCapabilities = Capabilities{
		Name:    "channel",
		Ordered: true,
	}

	KafkaCapabilities = Capabilities{
		Name:           "kafka",
		Ordered:        true,
		Durable:        true,
		Batching:       true,
		Tracing:        true,
		MaxMessageSize: 1048576, // broker default message.max.bytes
	}

	RabbitMQCapabilities = Capabilities{
		Name:    "rabbitmq",
		Ordered: true,
		Durable: true,
		Tracing: true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		Tracing:        true,
		MaxMessageSize: 1048576,
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		Durable:        true,
		Batching:       true,
		Tracing:        true,
		MaxMessageSize: 262144, // SNS limit
	}

	HTTPCapabilities = Capabilities{
		Name:    "http",
		Tracing: true,
	}

	IOCapabilities = Capabilities{
		Name:    "io",
		Ordered: true,
		Durable: true,
	}
)

// GetCapabilities returns the capabilities registered for a sink in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
