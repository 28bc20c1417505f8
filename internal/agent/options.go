package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/loanagent/internal/audit"
	"github.com/haasonsaas/loanagent/internal/observability"
)

// DefaultMaxRetries gives three attempts per Invoke call.
const DefaultMaxRetries = 2

// AuditSink receives one record per model attempt.
type AuditSink interface {
	RecordAttempt(ctx context.Context, attempt *audit.Attempt)
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	// Selector hands out model credentials. Required.
	Selector ModelSelector

	// Memory is shared conversation memory. Ignored for stateless roles.
	Memory *Memory

	// Audit receives every attempt. Optional.
	Audit AuditSink

	// Metrics records invocation counters. Optional.
	Metrics *observability.Metrics

	// CallTimeout bounds each model call. A call that runs out of time is
	// reported as unavailable. Zero disables the bound.
	CallTimeout time.Duration

	// MaxTokens limits reply length. Zero uses the provider default.
	MaxTokens int

	// Temperature is passed to providers when non-zero.
	Temperature float32

	// Logger receives runtime diagnostics.
	Logger *slog.Logger
}

// DefaultRuntimeOptions returns the baseline runtime options.
func DefaultRuntimeOptions() RuntimeOptions {
	return RuntimeOptions{
		CallTimeout: 60 * time.Second,
		MaxTokens:   2048,
	}
}
