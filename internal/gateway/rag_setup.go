package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/loanagent/internal/catalog"
	"github.com/haasonsaas/loanagent/internal/config"
	"github.com/haasonsaas/loanagent/internal/memory"
	"github.com/haasonsaas/loanagent/internal/memory/embeddings"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/rag/index"
	"github.com/haasonsaas/loanagent/internal/storage"
)

// Relevance index names. They key the embedding cache.
const (
	IndexAPI    = "api_registry"
	IndexSQL    = "sql_registry"
	IndexSchema = "schema_registry"
)

// buildIndexes creates the relevance indexes, or returns ok=false when
// embeddings are off or cannot be configured. Prompts then carry the full
// catalog.
func buildIndexes(cfg config.EmbeddingsConfig, model string, store *storage.Store, metrics *observability.Metrics, logger *slog.Logger) (catalog.Indexes, bool, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if cfg.APIKey == "" && provider != "ollama" {
		logger.Warn("embeddings enabled without an api key; using full catalog prompts", "provider", provider)
		return catalog.Indexes{}, false, nil
	}
	if model == "" {
		model = cfg.Model
	}

	embedder, err := memory.NewEmbedder(embeddings.Config{
		Provider: provider,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Model:    model,
	})
	if err != nil {
		return catalog.Indexes{}, false, fmt.Errorf("embedder: %w", err)
	}
	cached := memory.NewQueryCache(embedder, cfg.QueryCacheSize)

	var cache index.Cache
	switch cfg.Cache {
	case "file":
		fc, err := index.NewFileCache(cfg.CacheDir)
		if err != nil {
			return catalog.Indexes{}, false, fmt.Errorf("embedding file cache: %w", err)
		}
		cache = fc
	default:
		if store != nil {
			cache = store.EmbeddingCache()
		}
	}

	opts := index.Options{Logger: logger, Metrics: metrics}
	return catalog.Indexes{
		API:    index.New(IndexAPI, cached, cache, opts),
		SQL:    index.New(IndexSQL, cached, cache, opts),
		Schema: index.New(IndexSchema, cached, cache, opts),
	}, true, nil
}

// syncIndexes loads the current catalog and re-syncs on every reload.
func syncIndexes(ctx context.Context, reg *catalog.Registry, ix catalog.Indexes, logger *slog.Logger) error {
	reg.Subscribe(func(cat *catalog.Catalog) {
		if err := ix.Sync(context.WithoutCancel(ctx), cat); err != nil {
			logger.Error("re-indexing catalog failed", "error", err)
		}
	})
	return ix.Sync(ctx, reg.Snapshot())
}

// IndexCatalog embeds the configured catalog into the relevance indexes and
// returns the record count of each. Entries whose text is unchanged are
// served from the embedding cache.
func IndexCatalog(ctx context.Context, cfg *config.Config, store *storage.Store, metrics *observability.Metrics, logger *slog.Logger) (map[string]int, error) {
	if !cfg.Embeddings.Enabled {
		return nil, errors.New("embeddings are disabled in the configuration")
	}
	if logger == nil {
		logger = slog.Default()
	}
	model := cfg.Embeddings.Model
	if model == "" && store != nil {
		model = store.GetString(ctx, storage.SettingEmbeddingModel, "")
	}
	ix, ok, err := buildIndexes(cfg.Embeddings, model, store, metrics, logger)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("embeddings provider %q needs an api key", cfg.Embeddings.Provider)
	}

	reg, err := catalog.NewRegistry(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer reg.Close()

	if err := ix.Sync(ctx, reg.Snapshot()); err != nil {
		return nil, err
	}
	return map[string]int{
		IndexAPI:    len(ix.API.Records()),
		IndexSQL:    len(ix.SQL.Records()),
		IndexSchema: len(ix.Schema.Records()),
	}, nil
}
