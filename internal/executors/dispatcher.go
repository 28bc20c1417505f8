package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// MaxRenderedResult bounds a rendered result before it is sent to chat.
const MaxRenderedResult = 3000

// Runner executes one kind of action.
type Runner interface {
	Execute(ctx context.Context, action models.ActionSpec) (any, error)
}

// Dispatcher routes actions to the runner for their kind. It implements
// pending.Executor.
type Dispatcher struct {
	runners map[models.ActionKind]Runner
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. A nil runner disables its kind.
func NewDispatcher(api, sql Runner, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	runners := make(map[models.ActionKind]Runner, 2)
	if api != nil {
		runners[models.ActionAPI] = api
	}
	if sql != nil {
		runners[models.ActionSQL] = sql
	}
	return &Dispatcher{
		runners: runners,
		metrics: metrics,
		logger:  logger.With("component", "executor"),
	}
}

// Execute runs action with the runner for its kind.
func (d *Dispatcher) Execute(ctx context.Context, action models.ActionSpec) (any, error) {
	ctx, span := observability.StartSpan(ctx, "executor."+string(action.Kind),
		"action.id", action.ID, "action.kind", string(action.Kind))
	defer span.End()

	runner, ok := d.runners[action.Kind]
	if !ok {
		err := fmt.Errorf("no executor for %q actions", action.Kind)
		observability.RecordError(span, err)
		d.metrics.RecordExecution(string(action.Kind), err)
		return nil, err
	}

	started := time.Now()
	out, err := runner.Execute(ctx, action)
	d.metrics.RecordExecution(string(action.Kind), err)
	if err != nil {
		observability.RecordError(span, err)
		d.logger.WarnContext(ctx, "action failed", "action", action.String(),
			"duration", time.Since(started), "error", err)
		return nil, err
	}
	d.logger.InfoContext(ctx, "action executed", "action", action.String(), "duration", time.Since(started))
	return out, nil
}

// Render formats an executor result as indented JSON for chat, cut at
// MaxRenderedResult characters.
func Render(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	text := string(data)
	runes := []rune(text)
	if len(runes) > MaxRenderedResult {
		return string(runes[:MaxRenderedResult]) + "\n... (truncated)"
	}
	return text
}
