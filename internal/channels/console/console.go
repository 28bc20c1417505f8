// Package console is a line-oriented transport over stdin/stdout for
// trying the agent without a WhatsApp account.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

const (
	// ConversationKey is the single conversation the console serves.
	ConversationKey = "console"
	// OperatorID is the sender id of typed lines.
	OperatorID = "operator"
)

// Transport reads one message per line. A line "/react <id> <symbol>"
// reacts to delivered message <id>; "/react <symbol>" reacts to the latest.
type Transport struct {
	*channels.Base

	in  io.Reader
	out io.Writer

	mu     sync.Mutex
	nextID int
	last   string

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a console transport.
func New(in io.Reader, out io.Writer, metrics *observability.Metrics, logger *slog.Logger) *Transport {
	return &Transport{
		Base: channels.NewBase(models.ChannelConsole, 16, metrics, logger),
		in:   in,
		out:  out,
		done: make(chan struct{}),
	}
}

// Start begins reading lines.
func (t *Transport) Start(ctx context.Context) error {
	ctx, t.cancel = context.WithCancel(ctx)
	t.SetStatus(true, "")
	go t.read(ctx)
	return nil
}

// Stop ends reading and closes the event stream. A reader blocked on input
// is abandoned.
func (t *Transport) Stop(context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	t.SetStatus(false, "")
	t.Base.Close()
	return nil
}

func (t *Transport) read(ctx context.Context) {
	defer close(t.done)
	scanner := bufio.NewScanner(t.in)
	seq := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seq++
		if evt, ok := t.parse(line, seq); ok {
			t.Emit(evt)
		}
	}
}

func (t *Transport) parse(line string, seq int) (models.Event, bool) {
	now := time.Now()
	if rest, ok := strings.CutPrefix(line, "/react"); ok {
		fields := strings.Fields(rest)
		var target, symbol string
		switch len(fields) {
		case 1:
			t.mu.Lock()
			target = t.last
			t.mu.Unlock()
			symbol = fields[0]
		case 2:
			target, symbol = fields[0], fields[1]
		default:
			t.print("usage: /react [message id] <symbol>")
			return models.Event{}, false
		}
		if target == "" {
			t.print("nothing to react to yet")
			return models.Event{}, false
		}
		return models.Event{
			Kind: models.EventReaction,
			Reaction: &models.Reaction{
				ConversationKey: ConversationKey,
				ReactorID:       OperatorID,
				Target:          models.Delivery{ConversationKey: ConversationKey, MessageID: target},
				Symbol:          symbol,
				Timestamp:       now,
			},
		}, true
	}
	return models.Event{
		Kind: models.EventMessage,
		Message: &models.InboundMessage{
			ID:              fmt.Sprintf("in-%d", seq),
			Channel:         models.ChannelConsole,
			ConversationKey: ConversationKey,
			SenderID:        OperatorID,
			SenderName:      OperatorID,
			Text:            line,
			Timestamp:       now,
		},
	}, true
}

// Deliver prints text with a message id that /react can target.
func (t *Transport) Deliver(_ context.Context, conversationKey, text string) (models.Delivery, error) {
	t.mu.Lock()
	t.nextID++
	id := fmt.Sprintf("m%d", t.nextID)
	t.last = id
	t.mu.Unlock()

	t.print(fmt.Sprintf("[%s] %s", id, text))
	t.RecordSent()
	return models.Delivery{ConversationKey: conversationKey, MessageID: id}, nil
}

// SendImage prints the caption with the image size in place of the image.
func (t *Transport) SendImage(ctx context.Context, conversationKey string, png []byte, caption string) (models.Delivery, error) {
	return t.Deliver(ctx, conversationKey, fmt.Sprintf("[image: %d bytes]\n%s", len(png), caption))
}

// Edit prints the replacement text.
func (t *Transport) Edit(_ context.Context, d models.Delivery, text string) error {
	t.print(fmt.Sprintf("[%s edited] %s", d.MessageID, text))
	return nil
}

// React prints the reaction.
func (t *Transport) React(_ context.Context, d models.Delivery, symbol string) error {
	t.print(fmt.Sprintf("[%s] reacted %s", d.MessageID, symbol))
	return nil
}

// SetTyping prints a hint when typing starts.
func (t *Transport) SetTyping(_ context.Context, _ string, typing bool) error {
	if typing {
		t.print("...")
	}
	return nil
}

func (t *Transport) print(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, line)
}
