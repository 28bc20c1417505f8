// Package observability provides the logging, metrics and tracing used by
// every loanagent component.
//
// Logging is plain log/slog behind a handler that redacts credentials and
// copies conversation correlation fields from the context. Metrics are
// Prometheus collectors registered on a caller-supplied registerer. Tracing
// uses the global OpenTelemetry provider, exported over OTLP/gRPC when an
// endpoint is configured.
package observability
