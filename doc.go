// Package behaviorflow runs every message a service receives or sends through
// an ordered pipeline of behaviors, on top of Watermill.
//
// A behavior is a value with an Invoke(ctx, next) method. It may act before
// calling next, after next returns, or both, and it may stop the pipeline by
// returning an error or by not calling next. Behaviors are resolved by
// descriptor for every invocation, so each message gets fresh instances.
//
// Service hosts the engine: it builds the transport selected in Config
// (channel, kafka, nats, rabbitmq, aws, http or io), consumes the configured
// queues with one pipeline executor per worker, and exposes Send and Publish for code running
// outside a message flow. Handlers send follow-up messages with
// BehaviorContext.Send; the outgoing pipeline inherits values such as the
// correlation id from the message being handled.
//
// # Pipelines
//
// The default incoming pipeline is Recoverer, Tracer, Hooks, CorrelationID,
// LogMessages, Deserialize, Validate and InvokeHandlers. The default outgoing
// pipeline is Tracer, Hooks, CorrelationID, Validate, Serialize, LogMessages
// and Dispatch. Config.IncomingBehaviors and Config.OutgoingBehaviors replace
// them with any list of registered descriptors; custom behaviors are added
// through ServiceDependencies.Behaviors.
//
// # Monitoring
//
// Every invocation is recorded as a Pipe with one Step per executed behavior.
// The InvocationRegistry broadcasts pipes when they start and when they
// finish. PipelineMetrics turns them into Prometheus series and per-kind
// statistics, and the diagnostics API serves the most recent ones as JSON.
package behaviorflow
