// Package embeddings provides interfaces and implementations for embedding providers.
package embeddings

import (
	"context"
	"errors"
)

// ErrEmptyEmbedding is returned when a backend answers without a vector.
var ErrEmptyEmbedding = errors.New("no embedding returned")

// Provider defines the interface for embedding providers. Vectors need not be
// normalized; callers compare them with cosine similarity.
type Provider interface {
	// EmbedQuery generates an embedding for a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments generates embeddings for catalog texts in one call.
	// The result has one vector per input, in input order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the provider name.
	Name() string

	// Model returns the embedding model identifier. Caches are keyed by it.
	Model() string
}

// Config contains common configuration for embedding providers.
type Config struct {
	Provider string `yaml:"provider" json:"provider"` // openai, gemini, ollama
	APIKey   string `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL  string `yaml:"base_url" json:"base_url,omitempty"`
	Model    string `yaml:"model" json:"model,omitempty"`
}
