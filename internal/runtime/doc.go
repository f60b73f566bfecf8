/*
Package runtime wires the dual-run routing core into a running service.

# Architecture Overview

Every inbound request is handed to the Primary service synchronously and,
when traffic control allows it, mirrored to the Secondary service on a
bounded worker pool. The Primary response is streamed back as it arrives;
nothing that happens on the Secondary path can delay or fail it.

	ingress stages -> dispatcher -> Primary (caller goroutine)
	                            \-> Secondary (worker pool, circuit breaker)
	outcomes -> audit recorder -> storage
	         -> comparison coordinator -> engine -> audit recorder
	         -> event bus -> hooks, event sink forwarder

## Core Service (service.go)

The Service struct is the composition root. It builds, in order, the config
holder, storage, the rule store, metrics, the audit recorder, the event bus and
sink, the comparison coordinator, the service clients, the Secondary pool and
the dispatcher, and closes them in reverse dependency order.

## Middleware (middleware.go)

Ingress stages wrap the dispatch handler in registration order:
  - Recoverer: panic recovery
  - CorrelationID: assigns the id before anything logs
  - Tracer: OpenTelemetry server span
  - LogRequests: debug access log
  - Auth: optional, caller supplied

## Hooks (hooks.go)

EventHooks consume the lifecycle bus on their own subscriber.

## Stats & Monitoring (metrics.go, stats.go, resources.go)

Prometheus collectors plus rolling per-core windows:
  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization
  - Resource usage sampling

## Admin API (admin.go)

Operational endpoints for stats, records, rules and live configuration.

# Sub-packages

  - audit/: asynchronous, batched persistence with header masking
  - bodystream/: single-read body fan-out with a size ceiling
  - clients/: HTTP service clients and the Secondary circuit breaker
  - compare/: comparison engine and outcome pairing
  - config/: configuration, validation and the atomic holder
  - correlation/, ids/: correlation id propagation
  - dispatch/: the request dispatcher
  - errors/: sentinel errors and error types
  - eventbus/: lifecycle event ring and sink forwarder
  - jsoncodec/, metadata/, logging/: shared plumbing
  - model/: records shared by every component
  - rules/: versioned comparison rules (memory, Redis)
  - storage/: audit storage adapters (memory, SQLite, PostgreSQL)
  - traffic/: sampling, allow-list and canary decisions
  - workers/: bounded worker pool

# Usage Example

	cfg := config.Default()
	cfg.PrimaryURL = "http://legacy:8080"
	cfg.SecondaryURL = "http://candidate:8080"
	cfg.SamplingPercent = 10

	svc, err := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}
	return svc.Start(ctx)
*/
package runtime
