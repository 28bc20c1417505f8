// Package memory builds the embedding backend used by the relevance index.
package memory

import (
	"container/list"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/loanagent/internal/memory/embeddings"
	"github.com/haasonsaas/loanagent/internal/memory/embeddings/gemini"
	"github.com/haasonsaas/loanagent/internal/memory/embeddings/ollama"
	"github.com/haasonsaas/loanagent/internal/memory/embeddings/openai"
)

// NewEmbedder creates the embedding provider named by cfg.Provider.
func NewEmbedder(cfg embeddings.Config) (embeddings.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai", "":
		return openai.New(openai.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "gemini":
		return gemini.New(gemini.Config{
			APIKey:  cfg.APIKey,
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	case "ollama":
		return ollama.New(ollama.Config{
			BaseURL: cfg.BaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// QueryCache wraps a provider with an LRU cache for query embeddings.
// Document embeddings pass straight through; they are cached per item by the
// relevance index.
type QueryCache struct {
	embeddings.Provider

	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int
}

type cacheEntry struct {
	key    string
	vector []float32
}

// NewQueryCache wraps p. A non-positive capacity defaults to 256.
func NewQueryCache(p embeddings.Provider, capacity int) *QueryCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &QueryCache{
		Provider: p,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
	}
}

// EmbedQuery returns a cached vector for text or embeds and caches it.
func (c *QueryCache) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if v, ok := c.get(text); ok {
		return v, nil
	}
	v, err := c.Provider.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.set(text, v)
	return v, nil
}

// Len reports the number of cached queries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *QueryCache) get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*cacheEntry).vector, true
}

func (c *QueryCache) set(key string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		elem.Value.(*cacheEntry).vector = vector
		c.order.MoveToFront(elem)
		return
	}
	c.items[key] = c.order.PushFront(&cacheEntry{key: key, vector: vector})

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}
