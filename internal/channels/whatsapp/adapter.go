package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the whatsmeow session store

	"github.com/haasonsaas/loanagent/internal/backoff"
	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// connectAttempts bounds the dial retries of an already paired device.
const connectAttempts = 5

// ErrNotConnected is returned by sends while the client is offline.
var ErrNotConnected = errors.New("not connected to WhatsApp")

// Adapter implements channels.Transport on a whatsmeow client.
type Adapter struct {
	*channels.Base

	config  *Config
	store   *sqlstore.Container
	client  *whatsmeow.Client
	printQR QRPrinter

	connected bool
	connMu    sync.RWMutex

	cancelFunc context.CancelFunc
}

// Options carries the adapter's collaborators.
type Options struct {
	Metrics *observability.Metrics
	Logger  *slog.Logger
	// PrintQR shows pairing codes. Default: TerminalQR(os.Stdout).
	PrintQR QRPrinter
}

// New opens the session store. Call Start to connect.
func New(cfg *Config, opts Options) (*Adapter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sessionPath := expandPath(cfg.SessionPath)
	if err := os.MkdirAll(filepath.Dir(sessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	container, err := sqlstore.New(context.Background(), "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", sessionPath), waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	printQR := opts.PrintQR
	if printQR == nil {
		printQR = TerminalQR(os.Stdout)
	}

	return &Adapter{
		Base:    channels.NewBase(models.ChannelWhatsApp, cfg.EventBuffer, opts.Metrics, opts.Logger),
		config:  cfg,
		store:   container,
		printQR: printQR,
	}, nil
}

// Start connects to WhatsApp, pairing first when the store has no device.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel

	device, err := a.store.GetFirstDevice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get device: %w", err)
	}

	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID != nil {
		_, err := backoff.Retry(ctx, backoff.ReconnectPolicy(), connectAttempts, func(attempt int) (struct{}, error) {
			err := a.client.Connect()
			if err != nil {
				a.Logger().Warn("whatsapp connect failed", "attempt", attempt, "error", err)
				a.setConnected(false, err.Error())
			}
			return struct{}{}, err
		})
		if err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		return nil
	}

	qrChan, err := a.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("failed to get QR channel: %w", err)
	}
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return a.pair(ctx, qrChan)
}

// pair prints each QR code until the device is linked.
func (a *Adapter) pair(ctx context.Context, qrChan <-chan whatsmeow.QRChannelItem) error {
	timeout := a.config.PairingTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().PairingTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("pairing not completed within %s", timeout)
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("pairing channel closed")
			}
			switch evt.Event {
			case "code":
				if err := a.printQR(evt.Code); err != nil {
					a.Logger().Warn("failed to print pairing code", "error", err)
				}
			case "success":
				a.Logger().Info("device paired")
				return nil
			case "timeout":
				return errors.New("pairing timed out")
			default:
				if evt.Error != nil {
					return fmt.Errorf("pairing failed: %w", evt.Error)
				}
			}
		}
	}
}

// Stop disconnects from WhatsApp and closes the event stream.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}

	if a.client != nil {
		a.client.Disconnect()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.Logger().Warn("failed to close store", "error", err)
		}
	}
	a.setConnected(false, "")
	a.Base.Close()
	return nil
}

// Deliver sends a text message and returns its handle.
func (a *Adapter) Deliver(ctx context.Context, conversationKey, text string) (models.Delivery, error) {
	jid, err := a.target(conversationKey)
	if err != nil {
		return models.Delivery{}, err
	}
	resp, err := a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(text)})
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to send message: %w", err)
	}
	a.RecordSent()
	return models.Delivery{ConversationKey: conversationKey, MessageID: string(resp.ID)}, nil
}

// SendImage uploads a PNG and sends it as an image message.
func (a *Adapter) SendImage(ctx context.Context, conversationKey string, png []byte, caption string) (models.Delivery, error) {
	jid, err := a.target(conversationKey)
	if err != nil {
		return models.Delivery{}, err
	}
	uploaded, err := a.client.Upload(ctx, png, whatsmeow.MediaImage)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to upload image: %w", err)
	}
	msg := &waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String("image/png"),
			URL:           &uploaded.URL,
			DirectPath:    &uploaded.DirectPath,
			MediaKey:      uploaded.MediaKey,
			FileEncSHA256: uploaded.FileEncSHA256,
			FileSHA256:    uploaded.FileSHA256,
			FileLength:    &uploaded.FileLength,
		},
	}
	resp, err := a.client.SendMessage(ctx, jid, msg)
	if err != nil {
		return models.Delivery{}, fmt.Errorf("failed to send image: %w", err)
	}
	a.RecordSent()
	return models.Delivery{ConversationKey: conversationKey, MessageID: string(resp.ID)}, nil
}

// Edit replaces the text of a message this account sent.
func (a *Adapter) Edit(ctx context.Context, d models.Delivery, text string) error {
	jid, err := a.target(d.ConversationKey)
	if err != nil {
		return err
	}
	edit := a.client.BuildEdit(jid, types.MessageID(d.MessageID), &waE2E.Message{Conversation: proto.String(text)})
	if _, err := a.client.SendMessage(ctx, jid, edit); err != nil {
		return fmt.Errorf("failed to edit message: %w", err)
	}
	return nil
}

// React reacts to a message this account sent.
func (a *Adapter) React(ctx context.Context, d models.Delivery, symbol string) error {
	jid, err := a.target(d.ConversationKey)
	if err != nil {
		return err
	}
	var self types.JID
	if a.client.Store.ID != nil {
		self = a.client.Store.ID.ToNonAD()
	}
	reaction := a.client.BuildReaction(jid, self, types.MessageID(d.MessageID), symbol)
	if _, err := a.client.SendMessage(ctx, jid, reaction); err != nil {
		return fmt.Errorf("failed to react: %w", err)
	}
	return nil
}

// SetTyping shows or clears the composing indicator.
func (a *Adapter) SetTyping(ctx context.Context, conversationKey string, typing bool) error {
	if !a.config.SendTyping {
		return nil
	}
	jid, err := a.target(conversationKey)
	if err != nil {
		return err
	}
	presence := types.ChatPresencePaused
	if typing {
		presence = types.ChatPresenceComposing
	}
	return a.client.SendChatPresence(ctx, jid, presence, types.ChatPresenceMediaText)
}

func (a *Adapter) target(conversationKey string) (types.JID, error) {
	if !a.isConnected() {
		return types.JID{}, ErrNotConnected
	}
	jid, err := types.ParseJID(conversationKey)
	if err != nil {
		return types.JID{}, fmt.Errorf("invalid conversation key %q: %w", conversationKey, err)
	}
	return jid, nil
}

func (a *Adapter) self() identity {
	if a.client == nil || a.client.Store == nil {
		return identity{}
	}
	id := identity{lid: a.client.Store.LID}
	if a.client.Store.ID != nil {
		id.phone = a.client.Store.ID.ToNonAD()
	}
	return id
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.setConnected(true, "")
		a.Logger().Info("connected to WhatsApp")

	case *events.Disconnected:
		a.setConnected(false, "disconnected")
		a.Logger().Warn("disconnected from WhatsApp")

	case *events.LoggedOut:
		a.setConnected(false, "logged out")
		a.Logger().Warn("logged out from WhatsApp", "reason", v.Reason)

	case *events.Message:
		if out, ok := convertEvent(v, a.self()); ok {
			a.Emit(out)
		}
	}
}

func (a *Adapter) setConnected(connected bool, reason string) {
	a.connMu.Lock()
	a.connected = connected
	a.connMu.Unlock()
	a.SetStatus(connected, reason)
}

func (a *Adapter) isConnected() bool {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.connected && a.client != nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
