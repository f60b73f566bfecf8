package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dualrun/transport"
	"github.com/drblury/dualrun/transport/transporttest"
)

func TestRegisteredOnImport(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildSharesPubSub(t *testing.T) {
	t.Cleanup(func() { _ = Reset() })

	pub, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, PubSub(), pub)

	messages, err := PubSub().Subscribe(context.Background(), "lifecycle")
	require.NoError(t, err)

	require.NoError(t, pub.Publish("lifecycle", message.NewMessage("1", []byte(`{"kind":"REQUEST"}`))))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, `{"kind":"REQUEST"}`, string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("expected message on shared pub/sub")
	}
}

func TestResetCreatesFreshPubSub(t *testing.T) {
	first := PubSub()
	require.NoError(t, Reset())
	second := PubSub()
	t.Cleanup(func() { _ = Reset() })
	assert.NotSame(t, first, second)
	assert.NoError(t, Reset())
	assert.NoError(t, Reset())
}
