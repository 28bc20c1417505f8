// Package agent turns chat messages into validated results by calling a
// language model and enforcing a JSON reply contract.
//
// # Architecture Overview
//
//	┌─────────────────────────────────────────┐
//	│          Router (keywords, classifier)   │  Role selection
//	├─────────────────────────────────────────┤
//	│       Runtime (one per role)             │  Invoke / retry loop
//	├─────────────────────────────────────────┤
//	│  ModelSelector  │  Memory  │  AuditSink  │  Collaborators
//	├─────────────────────────────────────────┤
//	│            LLMProvider                   │  Provider abstraction
//	└─────────────────────────────────────────┘
//
// # Basic Usage
//
//	role, _ := agent.NewAPIRole(promptFunc, catalogCheck)
//	rt, _ := agent.NewRuntime(role, agent.RuntimeOptions{
//	    Selector: selector,
//	    Memory:   agent.NewMemory(5),
//	    Audit:    auditLogger,
//	})
//
//	switch r := rt.Invoke(ctx, chatID, senderID, msg, agent.DefaultMaxRetries).(type) {
//	case agent.PendingAction:
//	    // ask the owner to confirm r.Actions
//	case agent.PlainMessage:
//	    // reply with r.Text
//	}
//
// Invoke never returns an error. Retryable problems (empty replies, schema
// violations, provider errors) are retried with a corrective turn; quota
// failures and timeouts surface as Unavailable; exhausted retries surface as
// Failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/loanagent/internal/audit"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// Runtime runs the invocation loop for one role.
type Runtime struct {
	role    *Role
	opts    RuntimeOptions
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewRuntime creates a runtime for role.
func NewRuntime(role *Role, opts RuntimeOptions) (*Runtime, error) {
	if role == nil {
		return nil, errors.New("role is required")
	}
	if role.Prompt == nil || role.Schema == nil {
		return nil, fmt.Errorf("role %s: prompt and schema are required", role.Name)
	}
	if opts.Selector == nil {
		return nil, errors.New("model selector is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !role.Stateful {
		opts.Memory = nil
	}
	return &Runtime{
		role:    role,
		opts:    opts,
		logger:  logger.With("component", "agent", "role", role.Name),
		metrics: opts.Metrics,
	}, nil
}

// Role returns the runtime's role name.
func (r *Runtime) Role() string {
	return r.role.Name
}

// Invoke processes one inbound message. It performs at most maxRetries+1
// model calls; a negative maxRetries uses DefaultMaxRetries.
func (r *Runtime) Invoke(ctx context.Context, conversationKey, ownerID string, msg models.InboundMessage, maxRetries int) Result {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	ctx = observability.AddConversationKey(ctx, conversationKey)
	ctx = observability.AddOwnerID(ctx, ownerID)
	ctx = observability.AddRole(ctx, r.role.Name)

	ctx, span := observability.StartSpan(ctx, "agent.invoke",
		"agent.role", r.role.Name,
		"conversation.key", conversationKey,
		"agent.max_retries", maxRetries,
	)
	defer span.End()

	result := r.invoke(ctx, span, conversationKey, ownerID, msg, maxRetries)
	span.SetAttributes(attribute.String("agent.outcome", result.Outcome()))
	r.metrics.RecordInvocation(r.role.Name, result.Outcome())
	return result
}

func (r *Runtime) invoke(ctx context.Context, span trace.Span, conversationKey, ownerID string, msg models.InboundMessage, maxRetries int) Result {
	memory := r.opts.Memory.Recent(ownerID)
	userMessage := FormatUserMessage(msg)

	systemPrompt, err := r.role.Prompt(ctx, contextQuery(memory, userMessage))
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to build system prompt", "error", err)
		observability.RecordError(span, err)
		return Failure{Text: FailureText, Cause: err}
	}

	base := attemptBase{
		conversationKey: conversationKey,
		ownerID:         ownerID,
		systemPrompt:    systemPrompt,
		memoryPrompt:    renderMemory(memory),
		userMessage:     userMessage,
		memorySize:      len(memory),
	}

	var (
		lastErr     error
		lastContent string
	)
	for retry := 0; retry <= maxRetries; retry++ {
		handle := r.opts.Selector.Acquire()
		if handle == nil {
			r.logger.WarnContext(ctx, "no model available")
			r.record(ctx, base, attemptOutcome{retry: retry, outcome: audit.OutcomeNoModel, err: ErrNoModelAvailable})
			return unavailable(ErrNoModelAvailable)
		}

		req := r.buildRequest(systemPrompt, memory, userMessage, retry, lastContent, lastErr)
		req.Model = handle.Model
		started := time.Now()
		resp, callErr := r.call(ctx, handle, req)
		elapsed := time.Since(started)

		out := attemptOutcome{retry: retry, handle: handle, duration: elapsed}
		if resp != nil {
			out.usage = resp.Usage
			out.reply = resp.Content
			r.metrics.RecordModelCall(handle.Provider, handle.Model, elapsed.Seconds(),
				resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		}

		if callErr != nil {
			switch {
			case errors.Is(callErr, ErrQuotaExceeded):
				r.opts.Selector.Penalize(handle)
				out.outcome, out.err = audit.OutcomeQuota, callErr
				r.record(ctx, base, out)
				r.logger.WarnContext(ctx, "model quota exceeded",
					"provider", handle.Provider, "key", handle.KeyHint, "error", callErr)
				return unavailable(callErr)
			case errors.Is(callErr, ErrModelTimeout), ctx.Err() != nil:
				out.outcome, out.err = audit.OutcomeTimeout, callErr
				r.record(ctx, base, out)
				r.logger.WarnContext(ctx, "model call did not finish", "provider", handle.Provider, "error", callErr)
				return unavailable(callErr)
			default:
				out.outcome, out.err = audit.OutcomeProviderError, callErr
				r.record(ctx, base, out)
				r.logger.WarnContext(ctx, "model call failed", "retry", retry, "provider", handle.Provider, "error", callErr)
				lastErr, lastContent = callErr, ""
				continue
			}
		}

		content := strings.TrimSpace(resp.Content)
		if content == "" {
			out.outcome, out.err = audit.OutcomeEmpty, ErrEmptyReply
			r.record(ctx, base, out)
			r.logger.WarnContext(ctx, "empty model reply", "retry", retry)
			lastErr, lastContent = ErrEmptyReply, ""
			continue
		}

		reply, result, parseErr := r.role.Parse(content)
		if parseErr != nil {
			out.outcome, out.err = audit.OutcomeInvalid, parseErr
			out.diagnostics = diagnosticsFor(parseErr)
			r.record(ctx, base, out)
			r.logger.WarnContext(ctx, "model reply failed validation", "retry", retry, "error", parseErr)
			lastErr, lastContent = parseErr, content
			continue
		}

		if r.opts.Memory != nil {
			r.opts.Memory.Append(ownerID,
				MemoryEntry{Role: string(models.RoleUser), Content: fmt.Sprintf("[%s] %s", senderLabel(msg), msg.Text)},
				MemoryEntry{Role: string(models.RoleAssistant), Content: memoryText(result)},
			)
		}
		out.outcome, out.replyType = audit.OutcomeValid, reply.Type
		r.record(ctx, base, out)
		r.logger.InfoContext(ctx, "validation passed", "type", reply.Type, "retry", retry)
		return result
	}

	r.logger.ErrorContext(ctx, "max retries reached", "attempts", maxRetries+1, "error", lastErr)
	observability.RecordError(span, lastErr)
	return Failure{Text: FailureText, Cause: errors.Join(ErrRetriesExhausted, lastErr)}
}

func (r *Runtime) call(ctx context.Context, handle *ModelHandle, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := observability.StartSpan(ctx, "agent.model_call",
		"llm.provider", handle.Provider,
		"llm.model", handle.Model,
	)
	defer span.End()

	callCtx := ctx
	if r.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
	}

	resp, err := handle.LLM.Complete(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %w", ErrModelTimeout, r.opts.CallTimeout, err)
		}
		observability.RecordError(span, err)
		return resp, err
	}
	return resp, nil
}

func (r *Runtime) buildRequest(systemPrompt string, memory []MemoryEntry, userMessage string, retry int, lastContent string, lastErr error) *CompletionRequest {
	messages := make([]CompletionMessage, 0, len(memory)+2)
	for _, m := range memory {
		messages = append(messages, CompletionMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: userMessage})
	if retry > 0 && lastErr != nil {
		messages = append(messages, CompletionMessage{
			Role:    string(models.RoleUser),
			Content: CorrectiveTurn(lastErr, lastContent),
		})
	}
	return &CompletionRequest{
		System:      systemPrompt,
		Messages:    messages,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
		JSONMode:    true,
	}
}

// CorrectiveTurn renders the feedback sent after a failed attempt.
func CorrectiveTurn(lastErr error, lastContent string) string {
	var b strings.Builder
	b.WriteString("Previous validation failed:\n")
	b.WriteString(diagnosticsFor(lastErr))
	b.WriteString("\nOriginal:\n")
	if lastContent == "" {
		b.WriteString("(empty)")
	} else {
		b.WriteString(lastContent)
	}
	b.WriteString("\nReply again with a single JSON object that fixes these problems.")
	return b.String()
}

// FormatUserMessage renders the inbound message as the model sees it.
func FormatUserMessage(msg models.InboundMessage) string {
	lines := []string{fmt.Sprintf("[User: %s]", senderLabel(msg))}
	if quoted := strings.TrimSpace(msg.QuotedText); quoted != "" {
		lines = append(lines, fmt.Sprintf("Quoted: %q", quoted))
	}
	lines = append(lines, fmt.Sprintf("Message: %q", strings.TrimSpace(msg.Text)))
	return strings.Join(lines, "\n")
}

func senderLabel(msg models.InboundMessage) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return msg.SenderID
}

func contextQuery(memory []MemoryEntry, userMessage string) string {
	parts := make([]string, 0, len(memory)+1)
	for _, m := range memory {
		parts = append(parts, fmt.Sprintf("[%s] %s", m.Role, m.Content))
	}
	parts = append(parts, userMessage)
	return strings.Join(parts, " ")
}

type attemptBase struct {
	conversationKey string
	ownerID         string
	systemPrompt    string
	memoryPrompt    string
	userMessage     string
	memorySize      int
}

type attemptOutcome struct {
	retry       int
	handle      *ModelHandle
	reply       string
	usage       Usage
	duration    time.Duration
	outcome     audit.Outcome
	replyType   string
	diagnostics string
	err         error
}

func (r *Runtime) record(ctx context.Context, base attemptBase, out attemptOutcome) {
	r.metrics.RecordAttempt(r.role.Name, string(out.outcome))
	if r.opts.Audit == nil {
		return
	}
	attempt := &audit.Attempt{
		ConversationKey: base.conversationKey,
		OwnerID:         base.ownerID,
		Role:            r.role.Name,
		SystemPrompt:    base.systemPrompt,
		MemoryPrompt:    base.memoryPrompt,
		UserMessage:     base.userMessage,
		Reply:           out.reply,
		Outcome:         out.outcome,
		ValidationType:  out.replyType,
		Diagnostics:     out.diagnostics,
		RetryIndex:      out.retry,
		Success:         out.outcome == audit.OutcomeValid,
		Duration:        out.duration,
		MemorySize:      base.memorySize,
		Model: audit.ModelMeta{
			PromptTokens:     out.usage.PromptTokens,
			CompletionTokens: out.usage.CompletionTokens,
			TotalTokens:      out.usage.TotalTokens,
		},
	}
	if out.handle != nil {
		attempt.Model.Provider = out.handle.Provider
		attempt.Model.Model = out.handle.Model
		attempt.Model.KeyHint = out.handle.KeyHint
	}
	if out.err != nil {
		attempt.Error = out.err.Error()
	}
	r.opts.Audit.RecordAttempt(ctx, attempt)
}
