package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/pending"
	"github.com/haasonsaas/loanagent/pkg/models"
)

type sentMessage struct {
	conversationKey string
	id              string
	text            string
}

type sentImage struct {
	conversationKey string
	png             []byte
	caption         string
}

type fakeTransport struct {
	events chan models.Event

	mu        sync.Mutex
	sent      []sentMessage
	edits     map[string][]string
	typing    []bool
	images    []sentImage
	editErr   error
	imageErr  error
	connected bool
	stopped   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		events: make(chan models.Event, 32),
		edits:  make(map[string][]string),
	}
}

func (f *fakeTransport) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

func (f *fakeTransport) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		f.connected = false
		close(f.events)
	}
	return nil
}

func (f *fakeTransport) Deliver(_ context.Context, key, text string) (models.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("m%d", len(f.sent)+1)
	f.sent = append(f.sent, sentMessage{conversationKey: key, id: id, text: text})
	return models.Delivery{ConversationKey: key, MessageID: id}, nil
}

func (f *fakeTransport) SendImage(_ context.Context, key string, png []byte, caption string) (models.Delivery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.imageErr != nil {
		return models.Delivery{}, f.imageErr
	}
	id := fmt.Sprintf("img%d", len(f.images)+1)
	f.images = append(f.images, sentImage{conversationKey: key, png: png, caption: caption})
	return models.Delivery{ConversationKey: key, MessageID: id}, nil
}

func (f *fakeTransport) Edit(_ context.Context, d models.Delivery, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.edits[d.MessageID] = append(f.edits[d.MessageID], text)
	return nil
}

func (f *fakeTransport) React(context.Context, models.Delivery, string) error { return nil }

func (f *fakeTransport) SetTyping(_ context.Context, _ string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, typing)
	return nil
}

func (f *fakeTransport) Events() <-chan models.Event { return f.events }

func (f *fakeTransport) Type() models.ChannelType { return models.ChannelConsole }

func (f *fakeTransport) Status() channels.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return channels.Status{Connected: f.connected}
}

func (f *fakeTransport) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeTransport) sentImages() []sentImage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentImage(nil), f.images...)
}

func (f *fakeTransport) editsFor(id string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.edits[id]...)
}

func (f *fakeTransport) typingCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

func (f *fakeTransport) message(key, sender, text string) {
	f.events <- models.Event{Kind: models.EventMessage, Message: &models.InboundMessage{
		ID:              fmt.Sprintf("in-%d", time.Now().UnixNano()),
		Channel:         models.ChannelConsole,
		ConversationKey: key,
		SenderID:        sender,
		Text:            text,
		Timestamp:       time.Now(),
	}}
}

func (f *fakeTransport) react(key, reactor, target, symbol string) {
	f.events <- models.Event{Kind: models.EventReaction, Reaction: &models.Reaction{
		ConversationKey: key,
		ReactorID:       reactor,
		Target:          models.Delivery{ConversationKey: key, MessageID: target},
		Symbol:          symbol,
		Timestamp:       time.Now(),
	}}
}

type routedCall struct {
	conversationKey string
	ownerID         string
	text            string
}

type fakeRouter struct {
	reply func(text string) agent.Result
	// method defaults to routing by keyword.
	method agent.RouteMethod

	mu    sync.Mutex
	calls []routedCall
	delay time.Duration
}

func (r *fakeRouter) Dispatch(_ context.Context, key, owner string, msg models.InboundMessage, _ int) (agent.Routing, agent.Result) {
	r.mu.Lock()
	r.calls = append(r.calls, routedCall{conversationKey: key, ownerID: owner, text: msg.Text})
	delay := r.delay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	method := r.method
	if method == "" {
		method = agent.RoutedByKeyword
	}
	return agent.Routing{Role: agent.RoleAPI, Method: method}, r.reply(msg.Text)
}

func (r *fakeRouter) routed() []routedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]routedCall(nil), r.calls...)
}

type fakeExecutor struct {
	mu      sync.Mutex
	actions []models.ActionSpec
	rows    []map[string]any
	err     error
}

func (e *fakeExecutor) Execute(_ context.Context, action models.ActionSpec) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.actions = append(e.actions, action)
	if e.err != nil {
		return nil, e.err
	}
	if e.rows != nil {
		return e.rows, nil
	}
	return map[string]any{"responseCode": "00", "loanId": "1188001"}, nil
}

func (e *fakeExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.actions)
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
	delays []time.Duration
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) pending.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{f: f}
	m.timers = append(m.timers, t)
	m.delays = append(m.delays, d)
	return t
}

func (m *manualTimers) fire(i int) {
	m.mu.Lock()
	t := m.timers[i]
	m.mu.Unlock()
	t.f()
}

func loanCreation() models.ActionSpec {
	return models.ActionSpec{
		ID:   "LNO8888C.SVC",
		Kind: models.ActionAPI,
		Params: map[string]any{
			"customerId": "C-0042",
			"loanAmount": 1000,
			"tenor":      12,
		},
	}
}

func startServer(t *testing.T, transport *fakeTransport, router Dispatcher, exec pending.Executor, opts Options) *Server {
	t.Helper()
	srv, err := New(transport, router, exec, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewValidation(t *testing.T) {
	router := &fakeRouter{reply: func(string) agent.Result { return agent.PlainMessage{} }}
	if _, err := New(nil, router, &fakeExecutor{}, Options{}); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := New(newFakeTransport(), nil, &fakeExecutor{}, Options{}); err == nil {
		t.Error("expected error for nil router")
	}
	if _, err := New(newFakeTransport(), router, nil, Options{}); err == nil {
		t.Error("expected error for nil executor")
	}
}

func TestPlainReply(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PlainMessage{Text: "Loan 1188001 is active."}
	}}
	startServer(t, transport, router, &fakeExecutor{}, Options{})

	transport.message("chat-1", "owner", "status of loan 1188001?")
	waitFor(t, "reply", func() bool { return len(transport.messages()) == 1 })

	got := transport.messages()[0]
	if got.conversationKey != "chat-1" || got.text != "Loan 1188001 is active." {
		t.Errorf("sent = %+v", got)
	}
	calls := router.routed()
	if len(calls) != 1 || calls[0].ownerID != "owner" || calls[0].conversationKey != "chat-1" {
		t.Errorf("router calls = %+v", calls)
	}
}

func TestConfirmationFlowExecutesOnce(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(text string) agent.Result {
		if text == "ping" {
			return agent.PlainMessage{Text: "pong"}
		}
		return agent.PendingAction{
			Message: "I'll create the loan once you confirm.",
			Actions: []models.ActionSpec{loanCreation()},
		}
	}}
	exec := &fakeExecutor{}
	srv := startServer(t, transport, router, exec, Options{})

	transport.message("chat-1", "owner", "create a 1000 loan for C-0042 over 12 months")
	waitFor(t, "confirmation message", func() bool { return srv.Registry().Len() == 1 })

	sent := transport.messages()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].text != "I'll create the loan once you confirm." {
		t.Errorf("first message = %q", sent[0].text)
	}
	prompt := sent[1]
	for _, want := range []string{"*Pending API Confirmation*", "API ID: `LNO8888C.SVC`", `"loanAmount": 1000`, "React 👍 to confirm within 60s"} {
		if !strings.Contains(prompt.text, want) {
			t.Errorf("confirmation missing %q:\n%s", want, prompt.text)
		}
	}
	entry, ok := srv.Registry().Get(prompt.id)
	if !ok || entry.OwnerID != "owner" || entry.Delivery.MessageID != prompt.id {
		t.Fatalf("entry = %+v, ok = %v", entry, ok)
	}

	// Someone else's thumbs-up and the owner's wrong emoji do nothing, the
	// owner's thumbs-up runs the action and a repeat is ignored.
	transport.react("chat-1", "intruder", prompt.id, "👍")
	transport.react("chat-1", "owner", prompt.id, "❤️")
	transport.react("chat-1", "owner", prompt.id, "👍")
	transport.react("chat-1", "owner", prompt.id, "👍")
	transport.message("chat-1", "owner", "ping")
	waitFor(t, "lane drained", func() bool {
		msgs := transport.messages()
		return len(msgs) == 3 && msgs[2].text == "pong"
	})

	if exec.count() != 1 {
		t.Fatalf("executor ran %d times, want 1", exec.count())
	}
	edits := transport.editsFor(prompt.id)
	if len(edits) != 2 {
		t.Fatalf("edits = %q", edits)
	}
	if !strings.Contains(edits[0], "*API Confirmed*") || !strings.Contains(edits[0], "Executing") {
		t.Errorf("confirmed edit = %q", edits[0])
	}
	if !strings.Contains(edits[1], "API Executed Successfully") || !strings.Contains(edits[1], `"loanId": "1188001"`) {
		t.Errorf("result edit = %q", edits[1])
	}
	if srv.Registry().Len() != 0 {
		t.Errorf("registry still holds %d entries", srv.Registry().Len())
	}
}

func TestQueryRowsAreSentAsTableImage(t *testing.T) {
	transport := newFakeTransport()
	query := models.ActionSpec{ID: "overdue_loans", Kind: models.ActionSQL, Query: "SELECT * FROM loans WHERE overdue"}
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{query}}
	}}
	exec := &fakeExecutor{rows: []map[string]any{
		{"loan_id": "1188001", "amount": 1000},
		{"loan_id": "1188002", "amount": 2500},
	}}
	srv := startServer(t, transport, router, exec, Options{})

	transport.message("chat-1", "owner", "sql overdue loans")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })
	transport.react("chat-1", "owner", "m1", "👍")
	waitFor(t, "result edit", func() bool { return len(transport.editsFor("m1")) == 2 })

	images := transport.sentImages()
	if len(images) != 1 {
		t.Fatalf("sent %d images, want 1", len(images))
	}
	if images[0].conversationKey != "chat-1" || images[0].caption != "ID: `overdue_loans`\nRows Retrieved: 2" {
		t.Errorf("image = %q %q", images[0].conversationKey, images[0].caption)
	}
	if !bytes.HasPrefix(images[0].png, []byte("\x89PNG")) {
		t.Error("image is not a PNG")
	}
	if last := transport.editsFor("m1")[1]; !strings.Contains(last, `"loan_id": "1188002"`) {
		t.Errorf("result edit = %q", last)
	}
}

func TestTableImageFailureKeepsTextResult(t *testing.T) {
	transport := newFakeTransport()
	transport.imageErr = errors.New("upload refused")
	query := models.ActionSpec{ID: "overdue_loans", Kind: models.ActionSQL}
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{query}}
	}}
	exec := &fakeExecutor{rows: []map[string]any{{"loan_id": "1188001"}}}
	srv := startServer(t, transport, router, exec, Options{})

	transport.message("chat-1", "owner", "sql overdue loans")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })
	transport.react("chat-1", "owner", "m1", "👍")
	waitFor(t, "result edit", func() bool { return len(transport.editsFor("m1")) == 2 })

	last := transport.editsFor("m1")[1]
	if !strings.Contains(last, "SQL Executed Successfully") || !strings.Contains(last, "Rows Retrieved: 1") || !strings.Contains(last, "1188001") {
		t.Errorf("result edit = %q", last)
	}
}

func TestExecutionFailureIsReported(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{loanCreation()}}
	}}
	exec := &fakeExecutor{err: errors.New("status 502")}
	srv := startServer(t, transport, router, exec, Options{})

	transport.message("chat-1", "owner", "create loan")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })
	transport.react("chat-1", "owner", "m1", "👍")
	waitFor(t, "failure edit", func() bool { return len(transport.editsFor("m1")) == 2 })

	last := transport.editsFor("m1")[1]
	if !strings.Contains(last, "❌ *API Failed*") || !strings.Contains(last, "status 502") {
		t.Errorf("failure edit = %q", last)
	}
}

func TestExpiryEditsConfirmation(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{loanCreation()}}
	}}
	timers := &manualTimers{}
	exec := &fakeExecutor{}
	srv := startServer(t, transport, router, exec, Options{
		Pending: pending.Options{AfterFunc: timers.AfterFunc},
	})

	transport.message("chat-1", "owner", "create loan")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })

	timers.fire(0)
	edits := transport.editsFor("m1")
	if len(edits) != 1 || !strings.Contains(edits[0], "⏰ *API Timeout*") {
		t.Fatalf("edits = %q", edits)
	}

	transport.react("chat-1", "owner", "m1", "👍")
	transport.message("chat-1", "owner", "again")
	waitFor(t, "second proposal", func() bool { return srv.Registry().Len() == 1 })
	if exec.count() != 0 {
		t.Errorf("expired action executed %d times", exec.count())
	}
}

func TestProposalsAreStaggered(t *testing.T) {
	transport := newFakeTransport()
	second := loanCreation()
	second.ID = "LNO9999D.SVC"
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{loanCreation(), second}}
	}}
	timers := &manualTimers{}
	srv := startServer(t, transport, router, &fakeExecutor{}, Options{
		Pending: pending.Options{AfterFunc: timers.AfterFunc},
	})

	transport.message("chat-1", "owner", "create and disburse")
	waitFor(t, "both armed", func() bool { return srv.Registry().Len() == 2 })

	sent := transport.messages()
	if !strings.Contains(sent[0].text, "within 60s") || !strings.Contains(sent[1].text, "within 75s") {
		t.Errorf("sent = %q / %q", sent[0].text, sent[1].text)
	}
	timers.mu.Lock()
	delays := append([]time.Duration(nil), timers.delays...)
	timers.mu.Unlock()
	if len(delays) != 2 || delays[0] != 60*time.Second || delays[1] != 75*time.Second {
		t.Errorf("timer delays = %v", delays)
	}
	for _, id := range []string{"m1", "m2"} {
		if _, ok := srv.Registry().Get(id); !ok {
			t.Errorf("no entry for %s", id)
		}
	}
}

func TestCancelSymbol(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{loanCreation()}}
	}}
	exec := &fakeExecutor{}
	srv := startServer(t, transport, router, exec, Options{
		Pending: pending.Options{CancelSymbol: "👎"},
	})

	transport.message("chat-1", "owner", "create loan")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })
	transport.react("chat-1", "owner", "m1", "👎")
	waitFor(t, "cancel edit", func() bool { return len(transport.editsFor("m1")) == 1 })

	if got := transport.editsFor("m1")[0]; !strings.Contains(got, "🚫 *API Cancelled*") {
		t.Errorf("edit = %q", got)
	}
	if exec.count() != 0 || srv.Registry().Len() != 0 {
		t.Errorf("exec = %d, armed = %d", exec.count(), srv.Registry().Len())
	}
}

func TestEditFallsBackToNewMessage(t *testing.T) {
	transport := newFakeTransport()
	transport.editErr = errors.New("edit unsupported")
	router := &fakeRouter{reply: func(string) agent.Result {
		return agent.PendingAction{Actions: []models.ActionSpec{loanCreation()}}
	}}
	srv := startServer(t, transport, router, &fakeExecutor{}, Options{})

	transport.message("chat-1", "owner", "create loan")
	waitFor(t, "armed", func() bool { return srv.Registry().Len() == 1 })
	transport.react("chat-1", "owner", "m1", "👍")
	waitFor(t, "fallback messages", func() bool { return len(transport.messages()) == 3 })

	sent := transport.messages()
	if !strings.Contains(sent[1].text, "*API Confirmed*") || !strings.Contains(sent[2].text, "Executed Successfully") {
		t.Errorf("fallback messages = %q / %q", sent[1].text, sent[2].text)
	}
}

func TestUnavailableAndFailureReplies(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(text string) agent.Result {
		if text == "busy" {
			return agent.Unavailable{Text: agent.UnavailableText, Reason: errors.New("all keys cooling down")}
		}
		return agent.Failure{Text: agent.FailureText, Cause: errors.New("bad json")}
	}}
	startServer(t, transport, router, &fakeExecutor{}, Options{})

	transport.message("chat-1", "owner", "busy")
	transport.message("chat-1", "owner", "broken")
	waitFor(t, "replies", func() bool { return len(transport.messages()) == 2 })

	sent := transport.messages()
	if sent[0].text != agent.UnavailableText || sent[1].text != agent.FailureText {
		t.Errorf("sent = %q / %q", sent[0].text, sent[1].text)
	}
}

func TestKeywordTipAfterClassifierRouting(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{
		reply:  func(text string) agent.Result { return agent.PlainMessage{Text: "ok: " + text} },
		method: agent.RoutedByClassifier,
	}
	srv, err := New(transport, router, &fakeExecutor{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	var clock atomic.Int64
	clock.Store(time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC).UnixNano())
	srv.now = func() time.Time { return time.Unix(0, clock.Load()) }
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })

	transport.message("chat-1", "owner", "first")
	waitFor(t, "tip and reply", func() bool { return len(transport.messages()) == 2 })
	sent := transport.messages()
	if !strings.HasPrefix(sent[0].text, "💡 *Tip*") || !strings.Contains(sent[0].text, "API agent") || sent[1].text != "ok: first" {
		t.Fatalf("sent = %q / %q", sent[0].text, sent[1].text)
	}

	transport.message("chat-1", "owner", "second")
	waitFor(t, "reply without tip", func() bool { return len(transport.messages()) == 3 })

	clock.Add(int64(16 * time.Minute))
	transport.message("chat-1", "owner", "third")
	waitFor(t, "tip after cooldown", func() bool { return len(transport.messages()) == 5 })

	transport.message("chat-2", "other", "hello")
	waitFor(t, "tip in another chat", func() bool { return len(transport.messages()) == 7 })

	tips := 0
	for _, m := range transport.messages() {
		if strings.HasPrefix(m.text, "💡") {
			tips++
		}
	}
	if tips != 3 {
		t.Errorf("tips = %d, want 3", tips)
	}
}

func TestGroupMessagesNeedMentionOrQuote(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(text string) agent.Result { return agent.PlainMessage{Text: "ok: " + text} }}
	startServer(t, transport, router, &fakeExecutor{}, Options{})

	group := func(text string, mention, quote bool) {
		transport.events <- models.Event{Kind: models.EventMessage, Message: &models.InboundMessage{
			ConversationKey: "120363000000000000@g.us",
			SenderID:        "84911111111@s.whatsapp.net",
			Text:            text,
			IsGroup:         true,
			MentionsBot:     mention,
			QuotesBot:       quote,
		}}
	}
	group("chatter", false, false)
	group("@bot loan status", true, false)
	group("reply to the bot", false, true)
	waitFor(t, "group replies", func() bool { return len(transport.messages()) == 2 })

	calls := router.routed()
	if len(calls) != 2 || calls[0].text != "@bot loan status" || calls[1].text != "reply to the bot" {
		t.Errorf("router calls = %+v", calls)
	}
}

func TestWhitelist(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(text string) agent.Result { return agent.PlainMessage{Text: text} }}
	srv := startServer(t, transport, router, &fakeExecutor{}, Options{Whitelist: []string{"+84911111111"}})

	transport.message("84922222222@s.whatsapp.net", "84922222222@s.whatsapp.net", "stranger")
	transport.message("84911111111@s.whatsapp.net", "84911111111@s.whatsapp.net", "allowed")
	waitFor(t, "allowed reply", func() bool { return len(transport.messages()) == 1 })

	if got := transport.messages()[0].text; got != "allowed" {
		t.Errorf("reply = %q", got)
	}
	if calls := router.routed(); len(calls) != 1 {
		t.Errorf("router calls = %+v", calls)
	}

	// Reactions from outside the whitelist never reach the registry.
	transport.react("84922222222@s.whatsapp.net", "84922222222@s.whatsapp.net", "m1", "👍")
	transport.message("84911111111@s.whatsapp.net", "84911111111@s.whatsapp.net", "again")
	waitFor(t, "second reply", func() bool { return len(transport.messages()) == 2 })
	if srv.Registry().Len() != 0 {
		t.Errorf("registry = %d", srv.Registry().Len())
	}
}

func TestLongRepliesAreChunked(t *testing.T) {
	transport := newFakeTransport()
	long := strings.Repeat("Outstanding balance is 10.000 USD. ", 12)
	router := &fakeRouter{reply: func(string) agent.Result { return agent.PlainMessage{Text: long} }}
	startServer(t, transport, router, &fakeExecutor{}, Options{ChunkSize: 80})

	want := channels.NewMessageChunker(80).Chunk(long)
	if len(want) < 2 {
		t.Fatalf("test text should need several chunks, got %d", len(want))
	}

	transport.message("chat-1", "owner", "balance?")
	waitFor(t, "chunks", func() bool { return len(transport.messages()) == len(want) })

	var joined []string
	for _, m := range transport.messages() {
		if n := len([]rune(m.text)); n > 80 {
			t.Errorf("chunk of %d runes: %q", n, m.text)
		}
		joined = append(joined, m.text)
	}
	if got, want := strings.Join(joined, " "), strings.TrimSpace(long); got != want {
		t.Errorf("chunks do not reassemble:\n%q\n%q", got, want)
	}
}

func TestTypingIndicator(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{
		reply: func(string) agent.Result { return agent.PlainMessage{Text: "done"} },
		delay: 100 * time.Millisecond,
	}
	startServer(t, transport, router, &fakeExecutor{}, Options{SendTyping: true, TypingDelay: 10 * time.Millisecond})

	transport.message("chat-1", "owner", "slow question")
	waitFor(t, "reply", func() bool { return len(transport.messages()) == 1 })

	calls := transport.typingCalls()
	if len(calls) != 2 || !calls[0] || calls[1] {
		t.Errorf("typing calls = %v", calls)
	}
}

func TestFastRepliesSkipTyping(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result { return agent.PlainMessage{Text: "done"} }}
	startServer(t, transport, router, &fakeExecutor{}, Options{SendTyping: true, TypingDelay: time.Hour})

	transport.message("chat-1", "owner", "quick")
	waitFor(t, "reply", func() bool { return len(transport.messages()) == 1 })
	if calls := transport.typingCalls(); len(calls) != 0 {
		t.Errorf("typing calls = %v", calls)
	}
}

func TestStartTwiceAndHealth(t *testing.T) {
	transport := newFakeTransport()
	router := &fakeRouter{reply: func(string) agent.Result { return agent.PlainMessage{} }}
	srv, err := New(transport, router, &fakeExecutor{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := srv.Healthy(); ok {
		t.Error("healthy before start")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if ok, reason := srv.Healthy(); !ok {
		t.Errorf("unhealthy after start: %s", reason)
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if ok, _ := srv.Healthy(); ok {
		t.Error("healthy after stop")
	}
}
