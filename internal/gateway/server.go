// Package gateway connects a chat transport to the agent roles and the
// pending-action registry.
//
// Every inbound event is queued on its conversation's lane, so messages and
// confirmation reactions of one chat are handled strictly in order while
// different chats proceed concurrently.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/pending"
	"github.com/haasonsaas/loanagent/internal/sessions"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// Dispatcher picks a role for a message and invokes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, conversationKey, ownerID string, msg models.InboundMessage, maxRetries int) (agent.Routing, agent.Result)
}

// Options configures a Server.
type Options struct {
	// Whitelist limits the conversations (or senders) served. Empty serves
	// everyone.
	Whitelist []string

	// MaxRetries is passed to every Invoke. Default: agent.DefaultMaxRetries
	MaxRetries int

	// ChunkSize bounds each delivered chunk. Default: 400
	ChunkSize int

	// SendTyping shows the typing indicator while an agent works, after
	// TypingDelay has passed.
	SendTyping  bool
	TypingDelay time.Duration

	// ItemTimeout bounds the handling of one event. Zero means no bound.
	ItemTimeout time.Duration

	// TipCooldown is the minimum gap between two keyword tips in one
	// conversation. Default: 15m
	TipCooldown time.Duration

	// Pending configures the confirmation registry. Metrics and Logger are
	// filled from the server's.
	Pending pending.Options

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server runs the message loop.
type Server struct {
	transport channels.Transport
	router    Dispatcher
	registry  *pending.Registry
	chunker   *channels.MessageChunker
	allow     *allowlist
	opts      Options
	metrics   *observability.Metrics
	logger    *slog.Logger

	tipMu   sync.Mutex
	tipSent map[string]time.Time
	now     func() time.Time

	mu     sync.Mutex
	queue  *sessions.Queue
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. executor runs confirmed actions.
func New(transport channels.Transport, router Dispatcher, executor pending.Executor, opts Options) (*Server, error) {
	if transport == nil {
		return nil, errors.New("transport is required")
	}
	if router == nil {
		return nil, errors.New("router is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = agent.DefaultMaxRetries
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = channels.DefaultChunkSize
	}
	if opts.TipCooldown <= 0 {
		opts.TipCooldown = 15 * time.Minute
	}

	s := &Server{
		transport: transport,
		router:    router,
		chunker:   channels.NewMessageChunker(opts.ChunkSize),
		allow:     newAllowlist(opts.Whitelist),
		opts:      opts,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("component", "gateway"),
		tipSent:   make(map[string]time.Time),
		now:       time.Now,
	}

	pendingOpts := opts.Pending
	pendingOpts.Metrics = opts.Metrics
	pendingOpts.Logger = opts.Logger
	registry, err := pending.NewRegistry(executor, s, pendingOpts)
	if err != nil {
		return nil, fmt.Errorf("pending registry: %w", err)
	}
	s.registry = registry
	return s, nil
}

// Registry returns the pending-action registry.
func (s *Server) Registry() *pending.Registry { return s.registry }

// Start connects the transport and begins handling events.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return errors.New("gateway already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.queue = sessions.NewQueue(runCtx, sessions.QueueOptions{
		ItemTimeout: s.opts.ItemTimeout,
		Metrics:     s.metrics,
		Logger:      s.opts.Logger,
	})
	s.cancel = cancel

	if err := s.transport.Start(runCtx); err != nil {
		cancel()
		s.queue = nil
		return fmt.Errorf("start %s transport: %w", s.transport.Type(), err)
	}

	s.wg.Add(1)
	go s.processEvents(runCtx, s.queue)
	s.logger.Info("gateway started", "transport", s.transport.Type(), "whitelist", s.allow.size())
	return nil
}

// Stop disconnects the transport, waits for queued work until ctx is done
// and drops armed confirmations.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	queue, cancel := s.queue, s.cancel
	s.mu.Unlock()

	var errs []error
	if err := s.transport.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}
	s.wg.Wait()
	if queue != nil {
		if err := queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain queue: %w", err))
		}
	}
	if cancel != nil {
		cancel()
	}
	s.registry.Close()
	s.logger.Info("gateway stopped")
	return errors.Join(errs...)
}

// Healthy reports whether the transport is connected.
func (s *Server) Healthy() (bool, string) {
	st := s.transport.Status()
	if !st.Connected {
		if st.Error != "" {
			return false, st.Error
		}
		return false, "transport not connected"
	}
	return true, ""
}

// processEvents drains the transport's event stream into the queue.
func (s *Server) processEvents(ctx context.Context, queue *sessions.Queue) {
	defer s.wg.Done()
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			s.dispatchEvent(queue, evt)
		}
	}
}

func (s *Server) dispatchEvent(queue *sessions.Queue, evt models.Event) {
	key := evt.ConversationKey()
	var (
		name string
		item sessions.WorkItem
	)
	switch {
	case evt.Kind == models.EventMessage && evt.Message != nil:
		msg := *evt.Message
		if !s.accept(msg) {
			return
		}
		name = "message"
		item = func(ctx context.Context) error { return s.handleMessage(ctx, msg) }
	case evt.Kind == models.EventReaction && evt.Reaction != nil:
		r := *evt.Reaction
		if !s.allow.permits(r.ConversationKey, r.ReactorID) {
			return
		}
		name = "reaction"
		item = func(ctx context.Context) error { return s.handleReaction(ctx, r) }
	default:
		s.logger.Debug("ignoring malformed event", "kind", evt.Kind)
		return
	}

	if err := queue.Enqueue(key, name, item); err != nil {
		s.logger.Warn("event dropped", "conversation_key", key, "kind", name, "error", err)
	}
}

// accept applies the whitelist and the group mention rule.
func (s *Server) accept(msg models.InboundMessage) bool {
	if !s.allow.permits(msg.ConversationKey, msg.SenderID) {
		s.logger.Debug("conversation not whitelisted", "conversation_key", msg.ConversationKey)
		return false
	}
	if msg.IsGroup && !msg.MentionsBot && !msg.QuotesBot {
		s.logger.Debug("ignored group message without mention or quote", "conversation_key", msg.ConversationKey)
		return false
	}
	return true
}
