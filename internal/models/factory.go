package models

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/agent/providers"
)

// Provider kinds understood by NewSpec.
const (
	KindOpenAI     = "openai"
	KindOpenRouter = "openrouter"
	KindDeepSeek   = "deepseek"
	KindGemini     = "gemini"
	KindAnthropic  = "anthropic"
)

// Default models per kind.
var defaultModels = map[string]string{
	KindOpenAI:     "gpt-4.1",
	KindOpenRouter: "tngtech/deepseek-r1t2-chimera:free",
	KindDeepSeek:   "deepseek-chat",
	KindGemini:     "gemini-2.5-flash",
	KindAnthropic:  "claude-sonnet-4-20250514",
}

// SpecConfig describes a provider entry before it is bound to clients.
type SpecConfig struct {
	Name       string
	Kind       string // defaults to Name
	Model      string
	BaseURL    string
	Keys       []string
	HTTPClient *http.Client
}

// NewSpec builds a ProviderSpec whose constructor creates the provider client
// for kind.
func NewSpec(cfg SpecConfig) (ProviderSpec, error) {
	kind := strings.ToLower(strings.TrimSpace(cfg.Kind))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(cfg.Name))
	}
	name := cfg.Name
	if name == "" {
		name = kind
	}
	model := cfg.Model
	if model == "" {
		model = defaultModels[kind]
	}

	var build func(key string) (agent.LLMProvider, error)
	switch kind {
	case KindOpenAI, KindOpenRouter, KindDeepSeek:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			switch kind {
			case KindOpenRouter:
				baseURL = providers.OpenRouterBaseURL
			case KindDeepSeek:
				baseURL = providers.DeepSeekBaseURL
			}
		}
		build = func(key string) (agent.LLMProvider, error) {
			return providers.NewOpenAIProvider(providers.OpenAIConfig{
				Name:         name,
				APIKey:       key,
				BaseURL:      baseURL,
				DefaultModel: model,
				HTTPClient:   cfg.HTTPClient,
			})
		}
	case KindGemini:
		build = func(key string) (agent.LLMProvider, error) {
			return providers.NewGoogleProvider(providers.GoogleConfig{
				APIKey:       key,
				BaseURL:      cfg.BaseURL,
				DefaultModel: model,
				HTTPClient:   cfg.HTTPClient,
			})
		}
	case KindAnthropic:
		build = func(key string) (agent.LLMProvider, error) {
			return providers.NewAnthropicProvider(providers.AnthropicConfig{
				APIKey:       key,
				BaseURL:      cfg.BaseURL,
				DefaultModel: model,
				HTTPClient:   cfg.HTTPClient,
			})
		}
	default:
		return ProviderSpec{}, fmt.Errorf("unknown model provider kind %q", kind)
	}

	keys := make([]string, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return ProviderSpec{Name: name, Model: model, Keys: keys, New: build}, nil
}
