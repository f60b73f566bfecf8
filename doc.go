// Package dualrun mirrors live HTTP traffic from a Primary service to a
// Secondary service and compares what the two answer. The client only ever
// sees the Primary response; the Secondary call runs out of band on a
// bounded worker pool, and neither its latency nor its failures can reach
// the caller.
//
// Every request gets a ULID correlation id. The request snapshot, both
// outcomes and the comparison result are written asynchronously to an audit
// store (memory, SQLite or PostgreSQL) keyed by that id. Comparison is
// structural for JSON bodies and governed by versioned per-API rules that
// ignore or normalize JSON Pointer paths; rules live in memory (optionally
// seeded from YAML) or in Redis.
//
// A minimal setup fills Config, creates a Service and calls Start:
//
//	cfg := dualrun.DefaultConfig()
//	cfg.PrimaryURL = "http://legacy:8080"
//	cfg.SecondaryURL = "http://next:8080"
//	svc, err := dualrun.NewService(cfg, dualrun.NewSlogLogger(), ctx, dualrun.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
//
// # Ingress stages
//
// Requests pass through a chain of http middlewares before dispatch. The
// default chain recovers panics, assigns the correlation id, opens an
// OpenTelemetry span and logs each request. AuthMiddleware and custom stages
// are added via ServiceDependencies.Middlewares.
//
// # Lifecycle events
//
// Request, response and error events are published on an in-process ring
// bus. EventHooks consume it on their own subscriber, and an optional event
// sink forwards it to Kafka, RabbitMQ, NATS, AWS SNS, HTTP, a file or a Go
// channel through Watermill publishers.
//
// # Operations
//
// Prometheus metrics are served on MetricsPort and the admin API (stats,
// records, rules, live configuration) on AdminPort when enabled.
package dualrun
