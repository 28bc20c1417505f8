// Package pending holds side-effecting actions until their owner confirms
// them.
//
// Every proposal becomes an ARMED entry with a deadline. The entry leaves the
// registry exactly once, through whichever of Confirm, Cancel or the deadline
// claims it first; only the claimant acts. A confirmed entry is removed before
// its actions run, so an action executes at most once no matter how
// confirmations and deadlines interleave.
package pending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

var (
	// ErrNotFound means no armed entry exists for the token.
	ErrNotFound = errors.New("no pending action for token")
	// ErrNotOwner means someone other than the owner reacted.
	ErrNotOwner = errors.New("reactor is not the action owner")
	// ErrWrongSymbol means the reaction was not a confirm or cancel symbol.
	ErrWrongSymbol = errors.New("reaction is not a confirmation")
	// ErrDuplicateToken means an armed entry already uses the token.
	ErrDuplicateToken = errors.New("token already armed")
)

// State is an entry's lifecycle state.
type State string

const (
	StateArmed     State = "armed"
	StateConfirmed State = "confirmed"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Defaults.
const (
	DefaultBaseTimeout   = 60 * time.Second
	DefaultStagger       = 15 * time.Second
	DefaultConfirmSymbol = "👍"
)

// Entry is one proposed batch of actions awaiting confirmation.
type Entry struct {
	Token           string
	OwnerID         string
	ConversationKey string
	Kind            models.ActionKind
	Actions         []models.ActionSpec
	// Delivery is the confirmation message, edited as the entry progresses.
	Delivery models.Delivery
	ArmedAt  time.Time
	Deadline time.Time
	State    State
}

// Executor runs one confirmed action.
type Executor interface {
	Execute(ctx context.Context, action models.ActionSpec) (any, error)
}

// ExecResult is the outcome of one executed action.
type ExecResult struct {
	Action models.ActionSpec
	Output any
	Err    error
}

// Reporter tells the owner what happened to an entry. Implementations
// usually edit the delivered confirmation message.
type Reporter interface {
	// Confirmed runs after the claim, before any action executes.
	Confirmed(ctx context.Context, entry Entry)
	// Executed runs once every action has been attempted.
	Executed(ctx context.Context, entry Entry, results []ExecResult)
	// Expired runs when the deadline claims the entry.
	Expired(ctx context.Context, entry Entry)
	// Cancelled runs when the owner cancels the entry.
	Cancelled(ctx context.Context, entry Entry)
}

// Proposal describes actions to arm.
type Proposal struct {
	// Token correlates the entry with its confirmation message, usually the
	// delivered message id. Empty generates one.
	Token           string
	OwnerID         string
	ConversationKey string
	Actions         []models.ActionSpec
	Delivery        models.Delivery

	// Index staggers deadlines for actions proposed together: the deadline
	// is BaseTimeout + Index*Stagger.
	Index int

	// Timeout overrides the computed deadline when positive.
	Timeout time.Duration
}

// Options configures a Registry.
type Options struct {
	BaseTimeout   time.Duration // Default: 60s
	Stagger       time.Duration // Default: 15s
	ConfirmSymbol string        // Default: 👍
	// CancelSymbol lets the owner cancel explicitly. Empty disables.
	CancelSymbol string

	// ReportTimeout bounds Reporter calls made from deadline timers.
	// Default: 30s
	ReportTimeout time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now and AfterFunc are replaced in tests.
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) Timer
}

// Timer is the part of *time.Timer the registry uses.
type Timer interface {
	Stop() bool
}

type slot struct {
	entry Entry
	timer Timer
}

// Registry tracks armed entries. It is safe for concurrent use.
type Registry struct {
	executor Executor
	reporter Reporter
	opts     Options
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*slot
	closed  bool
}

// NewRegistry creates a registry. executor and reporter are required.
func NewRegistry(executor Executor, reporter Reporter, opts Options) (*Registry, error) {
	if executor == nil {
		return nil, errors.New("executor is required")
	}
	if reporter == nil {
		return nil, errors.New("reporter is required")
	}
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = DefaultBaseTimeout
	}
	if opts.Stagger < 0 {
		opts.Stagger = 0
	} else if opts.Stagger == 0 {
		opts.Stagger = DefaultStagger
	}
	if opts.ConfirmSymbol == "" {
		opts.ConfirmSymbol = DefaultConfirmSymbol
	}
	if opts.ReportTimeout <= 0 {
		opts.ReportTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Registry{
		executor: executor,
		reporter: reporter,
		opts:     opts,
		logger:   opts.Logger.With("component", "pending"),
		entries:  make(map[string]*slot),
	}, nil
}

// Timeout returns the deadline offset for the index-th action of a batch.
func (r *Registry) Timeout(index int) time.Duration {
	if index < 0 {
		index = 0
	}
	return r.opts.BaseTimeout + time.Duration(index)*r.opts.Stagger
}

// ConfirmSymbol returns the reaction that confirms an entry.
func (r *Registry) ConfirmSymbol() string { return r.opts.ConfirmSymbol }

// Propose arms an entry and starts its deadline timer.
func (r *Registry) Propose(p Proposal) (string, error) {
	if p.OwnerID == "" {
		return "", errors.New("owner is required")
	}
	if len(p.Actions) == 0 {
		return "", errors.New("at least one action is required")
	}
	kind := p.Actions[0].Kind
	for i, a := range p.Actions {
		if !a.Kind.Valid() {
			return "", fmt.Errorf("action %d: unknown kind %q", i, a.Kind)
		}
	}
	token := p.Token
	if token == "" {
		token = uuid.NewString()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.Timeout(p.Index)
	}

	now := r.opts.Now()
	entry := Entry{
		Token:           token,
		OwnerID:         p.OwnerID,
		ConversationKey: p.ConversationKey,
		Kind:            kind,
		Actions:         append([]models.ActionSpec(nil), p.Actions...),
		Delivery:        p.Delivery,
		ArmedAt:         now,
		Deadline:        now.Add(timeout),
		State:           StateArmed,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", errors.New("registry closed")
	}
	if _, exists := r.entries[token]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	s := &slot{entry: entry}
	r.entries[token] = s
	// Set under the lock so a claim never sees a slot without its timer.
	s.timer = r.opts.AfterFunc(timeout, func() { r.Expire(token) })
	r.mu.Unlock()

	r.opts.Metrics.RecordPending(string(kind), string(StateArmed))
	r.logger.Info("pending action armed",
		"token", token, "owner_id", p.OwnerID, "kind", kind,
		"actions", len(p.Actions), "timeout", timeout)
	return token, nil
}

// Confirm handles a reaction on the token's confirmation message. It does
// nothing unless an armed entry exists, the reactor owns it and the symbol
// is the confirm (or cancel) symbol; the returned error says which check
// failed. On a match the entry is claimed, then every action is executed
// once and the results reported. Execution errors are reported, never
// returned.
func (r *Registry) Confirm(ctx context.Context, token, reactorID, symbol string) error {
	cancel := r.opts.CancelSymbol != "" && symbol == r.opts.CancelSymbol
	if symbol != r.opts.ConfirmSymbol && !cancel {
		return ErrWrongSymbol
	}

	entry, err := r.claim(token, func(e Entry) error {
		if e.OwnerID != reactorID {
			return ErrNotOwner
		}
		return nil
	})
	if err != nil {
		return err
	}

	if cancel {
		entry = r.finish(entry, StateCancelled)
		r.reporter.Cancelled(ctx, entry)
		return nil
	}

	entry = r.finish(entry, StateConfirmed)

	ctx, span := observability.StartSpan(ctx, "pending.execute",
		"pending.token", token,
		"pending.kind", string(entry.Kind),
		"pending.actions", len(entry.Actions),
	)
	defer span.End()

	r.reporter.Confirmed(ctx, entry)
	results := make([]ExecResult, 0, len(entry.Actions))
	failed := 0
	for _, action := range entry.Actions {
		out, err := r.executor.Execute(ctx, action)
		if err != nil {
			failed++
			observability.RecordError(span, err)
			r.logger.WarnContext(ctx, "confirmed action failed", "token", token, "action", action.String(), "error", err)
		} else {
			r.logger.InfoContext(ctx, "confirmed action executed", "token", token, "action", action.ID)
		}
		results = append(results, ExecResult{Action: action, Output: out, Err: err})
	}
	span.SetAttributes(attribute.Int("pending.failed", failed))
	r.reporter.Executed(ctx, entry, results)
	return nil
}

// Cancel claims the entry as CANCELLED without running anything.
func (r *Registry) Cancel(ctx context.Context, token string) bool {
	entry, err := r.claim(token, nil)
	if err != nil {
		return false
	}
	entry = r.finish(entry, StateCancelled)
	r.reporter.Cancelled(ctx, entry)
	return true
}

// Expire claims the entry as EXPIRED and tells the owner. It is the
// deadline timer's callback and a no-op when the entry is already gone.
func (r *Registry) Expire(token string) bool {
	entry, err := r.claim(token, nil)
	if err != nil {
		return false
	}
	entry = r.finish(entry, StateExpired)

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.ReportTimeout)
	defer cancel()
	ctx = observability.AddConversationKey(ctx, entry.ConversationKey)
	ctx = observability.AddOwnerID(ctx, entry.OwnerID)
	r.reporter.Expired(ctx, entry)
	return true
}

// Get returns a copy of the armed entry for token.
func (r *Registry) Get(token string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[token]
	if !ok {
		return Entry{}, false
	}
	return s.entry, true
}

// Len returns the number of armed entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close stops every deadline timer and drops the armed entries without
// notifying anyone. It returns how many were dropped.
func (r *Registry) Close() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	n := len(r.entries)
	for token, s := range r.entries {
		s.timer.Stop()
		delete(r.entries, token)
	}
	if n > 0 {
		r.logger.Info("dropped armed actions on shutdown", "count", n)
	}
	return n
}

// claim removes the entry for token if check passes. It is the only way an
// entry leaves the map, so exactly one caller wins each token.
func (r *Registry) claim(token string, check func(Entry) error) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[token]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if check != nil {
		if err := check(s.entry); err != nil {
			return Entry{}, err
		}
	}
	delete(r.entries, token)
	s.timer.Stop()
	return s.entry, nil
}

func (r *Registry) finish(entry Entry, state State) Entry {
	entry.State = state
	r.opts.Metrics.RecordPending(string(entry.Kind), string(state))
	r.logger.Info("pending action "+string(state), "token", entry.Token, "owner_id", entry.OwnerID)
	return entry
}
