package memory

import (
	"context"
	"testing"

	"github.com/haasonsaas/loanagent/internal/memory/embeddings"
)

type countingProvider struct {
	queries int
}

func (p *countingProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.queries++
	return []float32{float32(len(text))}, nil
}

func (p *countingProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func (p *countingProvider) Name() string  { return "counting" }
func (p *countingProvider) Model() string { return "counting-1" }

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name     string
		cfg      embeddings.Config
		wantName string
		wantErr  bool
	}{
		{"default is openai", embeddings.Config{APIKey: "k"}, "openai", false},
		{"gemini", embeddings.Config{Provider: "gemini", APIKey: "k"}, "gemini", false},
		{"ollama without key", embeddings.Config{Provider: "Ollama"}, "ollama", false},
		{"openai without key", embeddings.Config{Provider: "openai"}, "", true},
		{"unknown", embeddings.Config{Provider: "minilm-local"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewEmbedder(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestQueryCache(t *testing.T) {
	inner := &countingProvider{}
	c := NewQueryCache(inner, 2)
	ctx := context.Background()

	for _, q := range []string{"a", "a", "bb", "a"} {
		if _, err := c.EmbedQuery(ctx, q); err != nil {
			t.Fatal(err)
		}
	}
	if inner.queries != 2 {
		t.Errorf("backend queries = %d, want 2", inner.queries)
	}

	// "bb" is least recently used and gets evicted.
	_, _ = c.EmbedQuery(ctx, "ccc")
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	_, _ = c.EmbedQuery(ctx, "a")
	if inner.queries != 3 {
		t.Errorf("backend queries = %d, want 3 after hit on a", inner.queries)
	}
	_, _ = c.EmbedQuery(ctx, "bb")
	if inner.queries != 4 {
		t.Errorf("backend queries = %d, want 4 after evicted bb", inner.queries)
	}

	if c.Model() != "counting-1" {
		t.Errorf("Model() = %q", c.Model())
	}
}
