// Package channels defines the chat transport the gateway talks to and the
// helpers shared by transport implementations.
package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// Transport is a chat network connection. Deliveries are addressed by
// conversation key and can be edited or reacted to later through the
// returned handle.
type Transport interface {
	// Start connects and begins emitting events.
	Start(ctx context.Context) error

	// Stop disconnects. The Events channel is closed afterwards.
	Stop(ctx context.Context) error

	// Deliver sends text to a conversation.
	Deliver(ctx context.Context, conversationKey, text string) (models.Delivery, error)

	// SendImage sends a PNG with a caption. Transports that cannot show
	// images deliver the caption alone.
	SendImage(ctx context.Context, conversationKey string, png []byte, caption string) (models.Delivery, error)

	// Edit replaces the text of a delivered message.
	Edit(ctx context.Context, d models.Delivery, text string) error

	// React places symbol on a message. An empty symbol removes the reaction.
	React(ctx context.Context, d models.Delivery, symbol string) error

	// SetTyping toggles the typing indicator in a conversation.
	SetTyping(ctx context.Context, conversationKey string, typing bool) error

	// Events returns inbound messages and reactions.
	Events() <-chan models.Event

	Type() models.ChannelType
	Status() Status
}

// Status represents the connection status of a transport.
type Status struct {
	Connected bool   `json:"connected"`
	Error     string `json:"error,omitempty"`
	LastPing  int64  `json:"last_ping,omitempty"` // Unix timestamp
}

// Base carries the status, event stream and counters every transport needs.
type Base struct {
	channelType models.ChannelType
	logger      *slog.Logger
	metrics     *observability.Metrics

	eventsMu sync.RWMutex
	events   chan models.Event
	closed   bool

	status   Status
	statusMu sync.RWMutex

	sent    atomic.Int64
	dropped atomic.Int64
}

// NewBase creates a base with an event buffer of size buffer (default 100).
func NewBase(channelType models.ChannelType, buffer int, metrics *observability.Metrics, logger *slog.Logger) *Base {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Base{
		channelType: channelType,
		logger:      logger.With("channel", string(channelType)),
		metrics:     metrics,
		events:      make(chan models.Event, buffer),
	}
}

// Type returns the channel type.
func (b *Base) Type() models.ChannelType { return b.channelType }

// Events returns the inbound event stream.
func (b *Base) Events() <-chan models.Event { return b.events }

// Logger returns the transport logger.
func (b *Base) Logger() *slog.Logger { return b.logger }

// Status returns the current connection status.
func (b *Base) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// SetStatus updates the connection status and last ping time.
func (b *Base) SetStatus(connected bool, errMsg string) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status = Status{
		Connected: connected,
		Error:     errMsg,
		LastPing:  time.Now().Unix(),
	}
}

// Emit queues an event. It never blocks: a full buffer drops the event.
func (b *Base) Emit(evt models.Event) bool {
	b.eventsMu.RLock()
	defer b.eventsMu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.events <- evt:
		b.metrics.RecordTransportEvent(string(b.channelType), string(evt.Kind), true)
		return true
	default:
		b.dropped.Add(1)
		b.metrics.RecordTransportEvent(string(b.channelType), string(evt.Kind), false)
		b.logger.Warn("event buffer full, dropping event",
			"kind", evt.Kind, "conversation", evt.ConversationKey())
		return false
	}
}

// RecordSent counts a delivered message.
func (b *Base) RecordSent() { b.sent.Add(1) }

// Sent returns how many messages were delivered.
func (b *Base) Sent() int64 { return b.sent.Load() }

// Dropped returns how many events were dropped.
func (b *Base) Dropped() int64 { return b.dropped.Load() }

// Close closes the event stream. Safe to call more than once.
func (b *Base) Close() {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}
