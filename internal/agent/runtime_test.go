package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/loanagent/internal/audit"
	"github.com/haasonsaas/loanagent/pkg/models"
)

type scriptedReply struct {
	content string
	err     error
	block   bool
}

// scriptedLLM returns replies in order and repeats the last one.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []scriptedReply
	requests []*CompletionRequest
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	s.mu.Lock()
	idx := len(s.requests)
	s.requests = append(s.requests, req)
	if idx >= len(s.replies) {
		idx = len(s.replies) - 1
	}
	reply := s.replies[idx]
	s.mu.Unlock()

	if reply.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}
	return &CompletionResponse{
		Content: reply.content,
		Model:   "test-model",
		Usage:   Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func (s *scriptedLLM) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func (s *scriptedLLM) request(i int) *CompletionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

type fakeSelector struct {
	mu        sync.Mutex
	llm       LLMProvider
	empty     bool
	penalized []*ModelHandle
}

func (f *fakeSelector) Acquire() *ModelHandle {
	if f.empty {
		return nil
	}
	return &ModelHandle{Provider: "fake", Model: "test-model", KeyHint: "***abcd", LLM: f.llm}
}

func (f *fakeSelector) Penalize(h *ModelHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalized = append(f.penalized, h)
}

type recordingAudit struct {
	mu       sync.Mutex
	attempts []*audit.Attempt
}

func (r *recordingAudit) RecordAttempt(_ context.Context, a *audit.Attempt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
}

const (
	validMessage = `{"thoughts":["greeting"],"type":"message","inScope":false,"content":{"message":"Hello!"}}`
	invalidReply = `{"thoughts":[],"type":"api_action","inScope":true,"content":{"apis":[{"id":"LNO8888C.SVC"}]}}`
	loanReply    = "```json\n" + `{
  "thoughts": ["Mapped QC-GENERAL to prdCode", "All required fields provided"],
  "type": "api_action",
  "inScope": true,
  "content": {
    "apis": [{"id": "LNO8888C.SVC", "params": {"prdCode": "11010009001001", "custNo": "12345", "lonTerm": "12", "repayPlan": "MONTHLY", "limitAmt": "5000000"}}],
    "message": null
  }
}` + "\n```"
)

func newTestRuntime(t *testing.T, llm *scriptedLLM, opts RuntimeOptions) (*Runtime, *fakeSelector, *recordingAudit) {
	t.Helper()
	role, err := NewAPIRole(StaticPrompt("You are a loan operations assistant."), nil)
	if err != nil {
		t.Fatalf("NewAPIRole: %v", err)
	}
	sel := &fakeSelector{llm: llm}
	rec := &recordingAudit{}
	if opts.Selector == nil {
		opts.Selector = sel
	}
	opts.Audit = rec
	rt, err := NewRuntime(role, opts)
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt, sel, rec
}

func testMessage(text string) models.InboundMessage {
	return models.InboundMessage{
		ID:              "msg-1",
		Channel:         models.ChannelWhatsApp,
		ConversationKey: "chat-1",
		SenderID:        "owner-1",
		SenderName:      "Alice",
		Text:            text,
	}
}

func TestInvokeRetryBound(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 4} {
		t.Run(fmt.Sprintf("max_retries_%d", maxRetries), func(t *testing.T) {
			llm := &scriptedLLM{replies: []scriptedReply{{content: invalidReply}}}
			rt, _, rec := newTestRuntime(t, llm, RuntimeOptions{})

			result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("create a loan"), maxRetries)

			failure, ok := result.(Failure)
			if !ok {
				t.Fatalf("expected Failure, got %T", result)
			}
			if failure.Text != FailureText {
				t.Errorf("Text = %q", failure.Text)
			}
			if !errors.Is(failure.Cause, ErrRetriesExhausted) {
				t.Errorf("Cause = %v, want ErrRetriesExhausted", failure.Cause)
			}
			if got := llm.calls(); got != maxRetries+1 {
				t.Errorf("model calls = %d, want %d", got, maxRetries+1)
			}
			if len(rec.attempts) != maxRetries+1 {
				t.Fatalf("audited attempts = %d, want %d", len(rec.attempts), maxRetries+1)
			}
			for i, a := range rec.attempts {
				if a.RetryIndex != i || a.Outcome != audit.OutcomeInvalid || a.Success {
					t.Errorf("attempt %d = {retry:%d outcome:%s success:%t}", i, a.RetryIndex, a.Outcome, a.Success)
				}
			}
		})
	}
}

func TestInvokeDefaultRetries(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: "not json"}}}
	rt, _, _ := newTestRuntime(t, llm, RuntimeOptions{})

	rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hi"), -1)

	if got := llm.calls(); got != DefaultMaxRetries+1 {
		t.Errorf("model calls = %d, want %d", got, DefaultMaxRetries+1)
	}
}

func TestInvokeQuotaShortCircuit(t *testing.T) {
	quotaErr := fmt.Errorf("gemini: 429 resource exhausted: %w", ErrQuotaExceeded)
	llm := &scriptedLLM{replies: []scriptedReply{{err: quotaErr}, {content: validMessage}}}
	rt, sel, rec := newTestRuntime(t, llm, RuntimeOptions{})

	result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hi"), 2)

	u, ok := result.(Unavailable)
	if !ok {
		t.Fatalf("expected Unavailable, got %T", result)
	}
	if u.Text != UnavailableText {
		t.Errorf("Text = %q", u.Text)
	}
	if got := llm.calls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
	if len(sel.penalized) != 1 {
		t.Errorf("penalized = %d, want 1", len(sel.penalized))
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Outcome != audit.OutcomeQuota {
		t.Errorf("audit = %+v", rec.attempts)
	}
}

func TestInvokeNoModelAvailable(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: validMessage}}}
	rt, sel, rec := newTestRuntime(t, llm, RuntimeOptions{})
	sel.empty = true

	result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hi"), 2)

	u, ok := result.(Unavailable)
	if !ok {
		t.Fatalf("expected Unavailable, got %T", result)
	}
	if !errors.Is(u.Reason, ErrNoModelAvailable) {
		t.Errorf("Reason = %v", u.Reason)
	}
	if llm.calls() != 0 {
		t.Errorf("model calls = %d, want 0", llm.calls())
	}
	if len(rec.attempts) != 1 || rec.attempts[0].Outcome != audit.OutcomeNoModel {
		t.Errorf("audit = %+v", rec.attempts)
	}
}

func TestInvokeCallTimeout(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{block: true}}}
	rt, _, rec := newTestRuntime(t, llm, RuntimeOptions{CallTimeout: 20 * time.Millisecond})

	result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hi"), 2)

	u, ok := result.(Unavailable)
	if !ok {
		t.Fatalf("expected Unavailable, got %T", result)
	}
	if !errors.Is(u.Reason, ErrModelTimeout) {
		t.Errorf("Reason = %v, want ErrModelTimeout", u.Reason)
	}
	if llm.calls() != 1 {
		t.Errorf("model calls = %d, want 1", llm.calls())
	}
	if rec.attempts[0].Outcome != audit.OutcomeTimeout {
		t.Errorf("outcome = %s", rec.attempts[0].Outcome)
	}
}

func TestInvokeRetriesEmptyAndProviderErrors(t *testing.T) {
	tests := []struct {
		name    string
		first   scriptedReply
		outcome audit.Outcome
		hint    string
	}{
		{name: "empty reply", first: scriptedReply{content: "   "}, outcome: audit.OutcomeEmpty, hint: "empty model reply"},
		{name: "provider error", first: scriptedReply{err: errors.New("upstream 500")}, outcome: audit.OutcomeProviderError, hint: "upstream 500"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			llm := &scriptedLLM{replies: []scriptedReply{tt.first, {content: validMessage}}}
			rt, _, rec := newTestRuntime(t, llm, RuntimeOptions{})

			result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hi"), 2)

			msg, ok := result.(PlainMessage)
			if !ok || msg.Text != "Hello!" {
				t.Fatalf("result = %#v", result)
			}
			if llm.calls() != 2 {
				t.Fatalf("model calls = %d, want 2", llm.calls())
			}
			if rec.attempts[0].Outcome != tt.outcome {
				t.Errorf("first outcome = %s, want %s", rec.attempts[0].Outcome, tt.outcome)
			}
			second := llm.request(1)
			last := second.Messages[len(second.Messages)-1]
			if !strings.Contains(last.Content, tt.hint) {
				t.Errorf("corrective turn %q does not mention %q", last.Content, tt.hint)
			}
		})
	}
}

func TestInvokeCorrectiveTurnCarriesDiagnostics(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: invalidReply}, {content: validMessage}}}
	rt, _, rec := newTestRuntime(t, llm, RuntimeOptions{})

	rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("create loan"), 2)

	first := llm.request(0)
	if len(first.Messages) != 1 {
		t.Fatalf("first attempt messages = %d, want 1", len(first.Messages))
	}
	second := llm.request(1)
	if len(second.Messages) != 2 {
		t.Fatalf("second attempt messages = %d, want 2", len(second.Messages))
	}
	corrective := second.Messages[1].Content
	for _, want := range []string{"Previous validation failed", `"missing"`, "content.apis.0.params", invalidReply} {
		if !strings.Contains(corrective, want) {
			t.Errorf("corrective turn missing %q:\n%s", want, corrective)
		}
	}
	if !strings.Contains(rec.attempts[0].Diagnostics, "content.apis.0.params") {
		t.Errorf("audit diagnostics = %q", rec.attempts[0].Diagnostics)
	}
	if rec.attempts[1].RetryIndex != 1 || !rec.attempts[1].Success {
		t.Errorf("second attempt = %+v", rec.attempts[1])
	}
}

func TestInvokeMemory(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: validMessage}}}
	mem := NewMemory(5)
	rt, _, _ := newTestRuntime(t, llm, RuntimeOptions{Memory: mem})

	rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("hello there"), 2)
	rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("again"), 2)

	entries := mem.Recent("owner-1")
	if len(entries) != 4 {
		t.Fatalf("memory entries = %d, want 4", len(entries))
	}
	if entries[0].Role != "user" || entries[0].Content != "[Alice] hello there" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Role != "assistant" || entries[1].Content != "Hello!" {
		t.Errorf("entries[1] = %+v", entries[1])
	}

	// The second call sees the first exchange before its own user turn.
	second := llm.request(1)
	if len(second.Messages) != 3 {
		t.Fatalf("second request messages = %d, want 3", len(second.Messages))
	}
	if second.Messages[0].Content != "[Alice] hello there" {
		t.Errorf("memory turn = %q", second.Messages[0].Content)
	}
}

func TestInvokeFailedExchangeLeavesMemoryUntouched(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: invalidReply}}}
	mem := NewMemory(5)
	rt, _, _ := newTestRuntime(t, llm, RuntimeOptions{Memory: mem})

	rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("create loan"), 1)

	if got := len(mem.Recent("owner-1")); got != 0 {
		t.Errorf("memory entries = %d, want 0", got)
	}
}

func TestInvokeLoanCreation(t *testing.T) {
	llm := &scriptedLLM{replies: []scriptedReply{{content: loanReply}}}
	rt, _, rec := newTestRuntime(t, llm, RuntimeOptions{Memory: NewMemory(5)})

	msg := testMessage("Create QC-GENERAL loan for customer 12345, 12 months, monthly, 5,000,000 limit")
	result := rt.Invoke(context.Background(), "chat-1", "owner-1", msg, DefaultMaxRetries)

	pending, ok := result.(PendingAction)
	if !ok {
		t.Fatalf("expected PendingAction, got %#v", result)
	}
	if len(pending.Actions) != 1 {
		t.Fatalf("actions = %d, want 1", len(pending.Actions))
	}
	action := pending.Actions[0]
	if action.ID != "LNO8888C.SVC" || action.Kind != models.ActionAPI {
		t.Errorf("action = %+v", action)
	}
	want := map[string]string{
		"prdCode":   "11010009001001",
		"custNo":    "12345",
		"lonTerm":   "12",
		"repayPlan": "MONTHLY",
		"limitAmt":  "5000000",
	}
	for k, v := range want {
		if got := action.StringParam(k); got != v {
			t.Errorf("params[%s] = %q, want %q", k, got, v)
		}
	}
	if len(action.Params) != len(want) {
		t.Errorf("params = %v", action.Params)
	}
	if rec.attempts[0].ValidationType != ReplyAPIAction {
		t.Errorf("validation type = %q", rec.attempts[0].ValidationType)
	}
	if rec.attempts[0].Model.TotalTokens != 15 {
		t.Errorf("tokens = %d", rec.attempts[0].Model.TotalTokens)
	}
}

func TestInvokeActionCheckerIssuesAreRetried(t *testing.T) {
	check := func(a models.ActionSpec) (models.ActionSpec, []FieldIssue) {
		if a.ID != "LNO8888C.SVC" {
			return a, []FieldIssue{{Field: "id", Message: "unknown API"}}
		}
		return a, nil
	}
	role, err := NewAPIRole(StaticPrompt("prompt"), check)
	if err != nil {
		t.Fatal(err)
	}
	bad := strings.Replace(loanReply, "LNO8888C.SVC", "LNO0000X.SVC", 1)
	llm := &scriptedLLM{replies: []scriptedReply{{content: bad}, {content: loanReply}}}
	rt, err := NewRuntime(role, RuntimeOptions{Selector: &fakeSelector{llm: llm}})
	if err != nil {
		t.Fatal(err)
	}

	result := rt.Invoke(context.Background(), "chat-1", "owner-1", testMessage("create"), 2)

	if _, ok := result.(PendingAction); !ok {
		t.Fatalf("result = %#v", result)
	}
	corrective := llm.request(1).Messages[1].Content
	if !strings.Contains(corrective, "content.apis.0.id") || !strings.Contains(corrective, "unknown API") {
		t.Errorf("corrective turn = %s", corrective)
	}
}

func TestNewRuntimeValidation(t *testing.T) {
	role, _ := NewAPIRole(StaticPrompt("p"), nil)
	if _, err := NewRuntime(nil, RuntimeOptions{Selector: &fakeSelector{}}); err == nil {
		t.Error("expected error for nil role")
	}
	if _, err := NewRuntime(role, RuntimeOptions{}); err == nil {
		t.Error("expected error for missing selector")
	}
}

func TestFormatUserMessage(t *testing.T) {
	msg := testMessage("check loan 1188")
	msg.QuotedText = "previous reply"
	got := FormatUserMessage(msg)
	want := "[User: Alice]\nQuoted: \"previous reply\"\nMessage: \"check loan 1188\""
	if got != want {
		t.Errorf("FormatUserMessage() = %q, want %q", got, want)
	}
}
