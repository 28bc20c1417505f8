package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Sink durably stores attempts.
type Sink interface {
	WriteAttempt(ctx context.Context, attempt *Attempt) error
}

// Logger records attempts asynchronously. Writes never block the caller
// unless the buffer is full, in which case the attempt is written inline.
//
// Usage:
//
//	logger, _ := audit.NewLogger(audit.DefaultConfig(), slog.Default(), store)
//	defer logger.Close()
//	logger.RecordAttempt(ctx, &audit.Attempt{...})
type Logger struct {
	config  Config
	output  io.WriteCloser
	stream  *slog.Logger
	logger  *slog.Logger
	sinks   []Sink
	buffer  chan *Attempt
	wg      sync.WaitGroup
	done    chan struct{}
	closeMu sync.Once
}

// NewLogger creates an audit logger. logger receives sink failures.
func NewLogger(config Config, logger *slog.Logger, sinks ...Sink) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{config: config, logger: logger.With("component", "audit"), sinks: sinks}
	if !config.Enabled {
		return l, nil
	}

	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 2 * time.Second
	}
	if config.MaxFieldSize <= 0 {
		config.MaxFieldSize = 1024
	}
	l.config = config

	switch {
	case config.Output == "none":
	case config.Output == "stderr" || config.Output == "":
		l.output = os.Stderr
	case config.Output == "stdout":
		l.output = os.Stdout
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		l.output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	if l.output != nil {
		var handler slog.Handler
		if config.Format == FormatText {
			handler = slog.NewTextHandler(l.output, nil)
		} else {
			handler = slog.NewJSONHandler(l.output, nil)
		}
		l.stream = slog.New(handler).With("component", "audit")
	}

	l.buffer = make(chan *Attempt, config.BufferSize)
	l.done = make(chan struct{})
	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// RecordAttempt queues an attempt for writing.
func (l *Logger) RecordAttempt(ctx context.Context, attempt *Attempt) {
	if l == nil || !l.config.Enabled || attempt == nil {
		return
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.Timestamp.IsZero() {
		attempt.Timestamp = time.Now()
	}
	if attempt.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			attempt.TraceID = sc.TraceID().String()
		}
	}

	select {
	case l.buffer <- attempt:
	default:
		l.write(attempt)
	}
}

// Close drains the buffer and releases the output.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}
	var err error
	l.closeMu.Do(func() {
		close(l.done)
		l.wg.Wait()
		if l.output != nil && l.output != os.Stdout && l.output != os.Stderr {
			err = l.output.Close()
		}
	})
	return err
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case attempt := <-l.buffer:
			l.write(attempt)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case attempt := <-l.buffer:
			l.write(attempt)
		default:
			return
		}
	}
}

func (l *Logger) write(attempt *Attempt) {
	if l.stream != nil {
		l.writeStream(attempt)
	}
	for _, sink := range l.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := sink.WriteAttempt(ctx, attempt); err != nil {
			l.logger.Warn("audit sink write failed", "attempt_id", attempt.ID, "error", err)
		}
		cancel()
	}
}

func (l *Logger) writeStream(attempt *Attempt) {
	attrs := []any{
		"audit_id", attempt.ID,
		"conversation_key", attempt.ConversationKey,
		"owner_id", attempt.OwnerID,
		"role", attempt.Role,
		"outcome", attempt.Outcome,
		"retry_index", attempt.RetryIndex,
		"success", attempt.Success,
		"provider", attempt.Model.Provider,
		"model", attempt.Model.Model,
		"total_tokens", attempt.Model.TotalTokens,
		"timestamp", attempt.Timestamp.Format(time.RFC3339Nano),
	}
	if attempt.ValidationType != "" {
		attrs = append(attrs, "validation_type", attempt.ValidationType)
	}
	if attempt.Diagnostics != "" {
		attrs = append(attrs, "diagnostics", l.truncate(attempt.Diagnostics))
	}
	if attempt.Error != "" {
		attrs = append(attrs, "error", attempt.Error)
	}
	if attempt.Duration > 0 {
		attrs = append(attrs, "duration_ms", attempt.Duration.Milliseconds())
	}
	if attempt.TraceID != "" {
		attrs = append(attrs, "trace_id", attempt.TraceID)
	}
	if l.config.IncludePrompts {
		attrs = append(attrs,
			"system_prompt", l.truncate(attempt.SystemPrompt),
			"user_message", l.truncate(attempt.UserMessage),
			"reply", l.truncate(attempt.Reply),
		)
	} else {
		attrs = append(attrs,
			"prompt_hash", hashString(attempt.SystemPrompt+attempt.MemoryPrompt+attempt.UserMessage),
			"reply_size", len(attempt.Reply),
		)
	}

	if attempt.Success {
		l.stream.Info("model_attempt", attrs...)
	} else {
		l.stream.Warn("model_attempt", attrs...)
	}
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

// hashString creates a SHA256 hash of a string (first 16 chars).
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
