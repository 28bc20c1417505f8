package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	attempts []*Attempt
	err      error
}

func (s *recordingSink) WriteAttempt(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}

func TestNewLogger_Disabled(t *testing.T) {
	sink := &recordingSink{}
	logger, err := NewLogger(Config{Enabled: false}, nil, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.RecordAttempt(context.Background(), &Attempt{Role: "api"})
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}
	if sink.count() != 0 {
		t.Fatalf("disabled logger wrote %d attempts", sink.count())
	}
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "invalid://path"}, nil)
	if err == nil {
		t.Error("expected error for invalid output")
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.RecordAttempt(context.Background(), &Attempt{})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close on nil logger: %v", err)
	}
}

func TestLoggerWritesSinksAndStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	sink := &recordingSink{}
	logger, err := NewLogger(Config{
		Enabled:       true,
		Output:        "file:" + path,
		Format:        FormatJSON,
		BufferSize:    4,
		FlushInterval: 10 * time.Millisecond,
	}, nil, sink)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	logger.RecordAttempt(context.Background(), &Attempt{
		ConversationKey: "chat-1",
		OwnerID:         "owner-1",
		Role:            "api",
		SystemPrompt:    "system prompt with secrets",
		Reply:           `{"type":"message"}`,
		Outcome:         OutcomeValid,
		ValidationType:  "message",
		Success:         true,
		Model:           ModelMeta{Provider: "openai", Model: "gpt-4.1", TotalTokens: 42},
	})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if sink.count() != 1 {
		t.Fatalf("sink received %d attempts, want 1", sink.count())
	}
	got := sink.attempts[0]
	if got.ID == "" || got.Timestamp.IsZero() {
		t.Fatalf("expected id and timestamp to be filled: %+v", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(data), &line); err != nil {
		t.Fatalf("unmarshal stream line %q: %v", data, err)
	}
	if line["outcome"] != "valid" || line["role"] != "api" {
		t.Fatalf("unexpected stream line: %v", line)
	}
	if strings.Contains(string(data), "system prompt with secrets") {
		t.Fatalf("prompt text leaked without IncludePrompts: %s", data)
	}
	if line["prompt_hash"] == nil {
		t.Fatalf("expected prompt_hash in %v", line)
	}
}

func TestLoggerSinkErrorIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger(Config{Enabled: true, Output: "none"},
		slog.New(slog.NewTextHandler(&buf, nil)),
		&recordingSink{err: errors.New("disk full")})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.RecordAttempt(context.Background(), &Attempt{Outcome: OutcomeInvalid})
	_ = logger.Close()

	if !strings.Contains(buf.String(), "disk full") {
		t.Fatalf("expected sink failure to be logged, got %q", buf.String())
	}
}

func TestHashString(t *testing.T) {
	a := hashString("hello")
	if len(a) != 16 {
		t.Fatalf("hash length = %d, want 16", len(a))
	}
	if a != hashString("hello") || a == hashString("world") {
		t.Fatal("hash should be deterministic and content dependent")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.Enabled || cfg.BufferSize <= 0 || cfg.Format != FormatJSON {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
