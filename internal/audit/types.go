// Package audit records every model attempt made by the agent runtime.
//
// Attempts are written asynchronously: to a structured slog stream and to any
// number of durable sinks (the api_logs table in the local store).
package audit

import (
	"time"
)

// Outcome classifies a single model attempt.
type Outcome string

const (
	// OutcomeValid means the reply parsed and validated.
	OutcomeValid Outcome = "valid"
	// OutcomeInvalid means the reply failed schema validation.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeEmpty means the model returned no content.
	OutcomeEmpty Outcome = "empty"
	// OutcomeQuota means the provider reported a quota or rate limit.
	OutcomeQuota Outcome = "quota"
	// OutcomeTimeout means the model call exceeded its deadline.
	OutcomeTimeout Outcome = "timeout"
	// OutcomeProviderError means the provider failed for another reason.
	OutcomeProviderError Outcome = "provider_error"
	// OutcomeNoModel means no usable credential was available.
	OutcomeNoModel Outcome = "no_model"
)

// ModelMeta describes which model served an attempt and what it cost.
type ModelMeta struct {
	Provider         string `json:"provider,omitempty"`
	Model            string `json:"model,omitempty"`
	KeyHint          string `json:"key_hint,omitempty"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	TotalTokens      int    `json:"total_tokens,omitempty"`
}

// Attempt is the append-only record of one model attempt inside an Invoke call.
type Attempt struct {
	ID              string         `json:"id"`
	ConversationKey string         `json:"conversation_key"`
	OwnerID         string         `json:"owner_id"`
	Role            string         `json:"role"`
	SystemPrompt    string         `json:"system_prompt,omitempty"`
	MemoryPrompt    string         `json:"memory_prompt,omitempty"`
	UserMessage     string         `json:"user_message,omitempty"`
	Reply           string         `json:"reply,omitempty"`
	Outcome         Outcome        `json:"outcome"`
	ValidationType  string         `json:"validation_type,omitempty"` // reply "type" when valid
	Diagnostics     string         `json:"diagnostics,omitempty"`     // JSON field issues when invalid
	RetryIndex      int            `json:"retry_index"`
	Model           ModelMeta      `json:"model"`
	Success         bool           `json:"success"`
	Error           string         `json:"error,omitempty"`
	Duration        time.Duration  `json:"duration_ns,omitempty"`
	MemorySize      int            `json:"memory_size"`
	TraceID         string         `json:"trace_id,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Format specifies the audit stream format.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled controls whether attempts are recorded at all.
	Enabled bool `yaml:"enabled"`

	// Output is "stdout", "stderr", "file:<path>" or "none" (sinks only).
	Output string `yaml:"output"`

	// Format is the stream format.
	Format Format `yaml:"format"`

	// BufferSize is the size of the async buffer.
	BufferSize int `yaml:"buffer_size"`

	// FlushInterval is how often the buffer is drained when idle.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxFieldSize truncates prompt and reply text on the stream.
	MaxFieldSize int `yaml:"max_field_size"`

	// IncludePrompts writes prompt text to the stream; otherwise only a hash
	// is written. Sinks always receive the full record.
	IncludePrompts bool `yaml:"include_prompts"`
}

// DefaultConfig returns the audit defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		Output:        "stderr",
		Format:        FormatJSON,
		BufferSize:    256,
		FlushInterval: 2 * time.Second,
		MaxFieldSize:  1024,
	}
}
