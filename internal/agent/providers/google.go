package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/loanagent/internal/agent"
)

// GoogleProvider implements agent.LLMProvider for Gemini models through the
// Google Gen AI SDK.
//
// Conversation turns map to genai contents with roles "user" and "model"; the
// system prompt goes into SystemInstruction. JSON mode sets the response MIME
// type to application/json.
//
// Gemini reports exhausted free-tier quota as HTTP 429 RESOURCE_EXHAUSTED,
// which classifies as a quota failure so the key cools down.
type GoogleProvider struct {
	client       *genai.Client
	defaultModel string
}

// GoogleConfig holds configuration for the Gemini provider.
type GoogleConfig struct {
	// APIKey is the Gemini API key (required)
	APIKey string

	// DefaultModel is used when the request does not name one.
	// Default: "gemini-2.0-flash"
	DefaultModel string

	// BaseURL overrides the API endpoint (tests, proxies)
	BaseURL string

	// HTTPClient overrides the transport
	HTTPClient *http.Client
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(config GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(config.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     config.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: config.HTTPClient,
	}
	if config.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: config.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleProvider{
		client:       client,
		defaultModel: config.DefaultModel,
	}, nil
}

// Name returns the provider identifier.
func (p *GoogleProvider) Name() string {
	return "gemini"
}

// Complete sends the transcript and returns the concatenated text parts of
// the first candidate.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	resp, err := p.client.Models.GenerateContent(ctx, model, convertGenaiMessages(req.Messages), buildGenaiConfig(req))
	if err != nil {
		return nil, p.wrapError(err, model)
	}

	out := &agent.CompletionResponse{Model: model}
	if resp == nil {
		return out, nil
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	out.Content = candidateText(resp)
	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = agent.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return out, nil
}

func convertGenaiMessages(messages []agent.CompletionMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		role := genai.RoleUser
		if msg.Role == "assistant" {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	return contents
}

func buildGenaiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		// #nosec G115 -- bounded by min above
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != 0 {
		temperature := req.Temperature
		config.Temperature = &temperature
	}
	if req.JSONMode {
		config.ResponseMIMEType = "application/json"
	}
	return config
}

func candidateText(resp *genai.GenerateContentResponse) string {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		b.WriteString(part.Text)
	}
	return b.String()
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError("gemini", model, err)

	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return providerErr
	}

	if apiErr.Code != 0 {
		providerErr = providerErr.WithStatus(apiErr.Code)
	}
	if apiErr.Status != "" {
		providerErr = providerErr.WithCode(apiErr.Status)
	}
	if apiErr.Message != "" {
		providerErr = providerErr.WithMessage(apiErr.Message)
	}
	return providerErr
}
