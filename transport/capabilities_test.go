package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilitiesFits(t *testing.T) {
	tests := []struct {
		name string
		caps Capabilities
		size int
		want bool
	}{
		{name: "unlimited", caps: ChannelCapabilities, size: 50 << 20, want: true},
		{name: "within kafka limit", caps: KafkaCapabilities, size: 1024, want: true},
		{name: "at kafka limit", caps: KafkaCapabilities, size: 1048576, want: true},
		{name: "over sns limit", caps: AWSCapabilities, size: 262145, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.caps.Fits(tt.size))
		})
	}
}

func TestPredefinedCapabilitiesAreNamed(t *testing.T) {
	for _, caps := range []Capabilities{
		ChannelCapabilities, KafkaCapabilities, RabbitMQCapabilities,
		NATSCapabilities, AWSCapabilities, HTTPCapabilities, IOCapabilities,
	} {
		assert.NotEmpty(t, caps.Name)
	}
	assert.True(t, KafkaCapabilities.Ordered)
	assert.True(t, KafkaCapabilities.Durable)
	assert.False(t, NATSCapabilities.Durable)
}
