package agent

import (
	"context"
)

// LLMProvider is a chat model bound to one credential.
//
// Implementations translate the transcript into their API's message format
// and return the complete reply text. Failures should be returned as
// *providers.ProviderError so quota conditions can be told apart from other
// errors (errors.Is(err, ErrQuotaExceeded)).
//
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends the transcript and returns the full reply.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string
}

// CompletionRequest is one model call.
//
// Example:
//
//	req := &CompletionRequest{
//	    System:   "You are a loan operations assistant. Reply with JSON only.",
//	    Messages: []CompletionMessage{{Role: "user", Content: "Create QC-GENERAL loan ..."}},
//	    JSONMode: true,
//	}
type CompletionRequest struct {
	// Model overrides the provider's configured model when set.
	Model string `json:"model,omitempty"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages are the conversation turns in order. Roles are "user" and
	// "assistant".
	Messages []CompletionMessage `json:"messages"`

	// MaxTokens limits the reply length. Zero uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature is passed through when non-zero.
	Temperature float32 `json:"temperature,omitempty"`

	// JSONMode asks providers that support it to constrain output to JSON.
	JSONMode bool `json:"json_mode,omitempty"`
}

// CompletionMessage is one conversation turn.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionResponse is a model reply.
type CompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ModelHandle is a live model credential handed out by a ModelSelector.
type ModelHandle struct {
	// Provider is the configured provider name (e.g. "gemini", "deepseek").
	Provider string

	// Model is the model identifier used for calls.
	Model string

	// KeyIndex identifies the credential within the provider's key list.
	KeyIndex int

	// KeyHint is a masked form of the key, safe to log.
	KeyHint string

	// LLM performs calls with this credential.
	LLM LLMProvider
}

// ModelSelector hands out model credentials and takes feedback about them.
type ModelSelector interface {
	// Acquire returns the next usable credential, or nil when every key of
	// every provider is cooling down or absent. It never blocks.
	Acquire() *ModelHandle

	// Penalize puts the handle's key on cooldown after a quota failure.
	Penalize(h *ModelHandle)
}
