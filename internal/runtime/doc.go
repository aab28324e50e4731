/*
Package runtime implements the behaviorflow pipeline engine and the service
that hosts it on top of Watermill.

# Architecture Overview

Every message, received or sent, flows through an ordered list of behaviors.
A behavior is any value with an Invoke(ctx, next) method; it does its work,
calls next to run the rest of the pipeline, and may act again after next
returns. Behaviors are resolved by descriptor from a builder scope for each
invocation, so per-message state never leaks between messages.

# Package Structure

## Engine (chain.go, trace.go, context.go, stack.go, executor.go)

  - BehaviorChain walks a descriptor list with a cursor. The first error
    wins; a continuation called twice fails with ErrContinuationReused.
  - Pipe records each executed step and is broadcast by the
    InvocationRegistry when it starts and when it finishes.
  - BehaviorContext forms the Root/Incoming/Outgoing hierarchy; values
    resolve up the parent chain.
  - ContextStack tracks the context currently in effect for one executor.
  - PipelineExecutor runs the receive and send pipelines on top of the stack.

## Built-in behaviors (behaviors.go, hooks.go)

Recoverer, Tracer, Hooks, CorrelationID, LogMessages, Deserialize, Validate,
InvokeHandlers, Serialize and Dispatch, registered under the behaviorflow.*
descriptors.

## Hosting (service.go, middleware.go, registration.go)

Service wires a transport, a Watermill router and one executor per worker.
Consumed messages run the incoming pipeline; Send and Publish run the
outgoing one. Permanent failures go to the poison queue when configured.

## Monitoring (pipeline_metrics.go, stats.go, resources.go, diagnostics.go)

Prometheus counters and histograms per pipeline kind and behavior, latency
percentiles, throughput and error breakdowns, plus a JSON API listing recent
invocations.

# Sub-packages

  - builder/: descriptor registry and per-invocation scopes
  - config/: service configuration, koanf loading and validation
  - errors/: sentinel errors and error types
  - handlers/: message type registry, codecs and typed handlers
  - ids/: ULID generation
  - jsoncodec/: JSON encoding backed by sonic
  - logging/: logger interface and Watermill/slog adapters
  - metadata/: message header helpers
  - stream/: minimal observable streams
  - transport/: channel, Kafka, NATS, RabbitMQ, AWS SNS/SQS, HTTP and file transports
*/
package runtime
