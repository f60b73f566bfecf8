// Package transports registers every bundled event sink with the default registry.
// Import it for side effects.
package transports

import (
	_ "github.com/drblury/dualrun/transport/aws"
	_ "github.com/drblury/dualrun/transport/channel"
	_ "github.com/drblury/dualrun/transport/http"
	"github.com/drblury/dualrun/transport/io"
	_ "github.com/drblury/dualrun/transport/kafka"
	"github.com/drblury/dualrun/transport/nats"
	"github.com/drblury/dualrun/transport/rabbitmq"
)

func init() {
	io.Register()
	nats.Register()
	rabbitmq.Register()
}
