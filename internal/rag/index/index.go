// Package index keeps embedding vectors for catalog items and ranks them
// against a query.
//
// An Index is named after the catalog it serves ("api", "sql", "schema").
// Load hashes the text of every item and embeds only new or changed items, in
// one backend call; records for items that left the catalog are pruned, and
// the result is persisted through a Cache keyed by (index name, embedding
// model). FindRelevant embeds the query once and returns the top-K records by
// cosine similarity.
package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/haasonsaas/loanagent/internal/backoff"
	"github.com/haasonsaas/loanagent/internal/memory/embeddings"
	"github.com/haasonsaas/loanagent/internal/observability"
)

// ErrNotLoaded is returned by FindRelevant before the first successful Load.
var ErrNotLoaded = errors.New("index not loaded")

// Item is one catalog entry to index.
type Item struct {
	// ID uniquely identifies the item within the catalog.
	ID string

	// Source is the catalog entry itself. It is stored as JSON metadata
	// next to the vector.
	Source any
}

// TextBuilder renders the text embedded for an item.
type TextBuilder func(Item) string

// Record is a persisted embedding.
type Record struct {
	ID       string          `json:"id"`
	Hash     string          `json:"hash"`
	Text     string          `json:"text"`
	Vector   []float32       `json:"embedding"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Match is a record scored against a query.
type Match struct {
	Record
	Score float64 `json:"score"`
}

// Cache persists records per (index name, embedding model).
type Cache interface {
	LoadRecords(ctx context.Context, name, model string) ([]Record, error)
	SaveRecords(ctx context.Context, name, model string, records []Record) error
}

// Options tunes an Index.
type Options struct {
	// Attempts bounds embedding calls per operation. Default: 3
	Attempts int
	// Backoff spaces retried embedding calls. Default: backoff.DefaultPolicy()
	Backoff *backoff.Policy
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Index is a relevance index over one catalog. It is safe for concurrent use;
// concurrent Loads are serialized.
type Index struct {
	name     string
	embedder embeddings.Provider
	cache    Cache
	attempts int
	policy   backoff.Policy
	logger   *slog.Logger
	metrics  *observability.Metrics

	loadMu  sync.Mutex
	mu      sync.RWMutex
	records []Record // catalog order
	loaded  bool
}

// New creates an index. A nil cache keeps records in memory only.
func New(name string, embedder embeddings.Provider, cache Cache, opts Options) *Index {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	policy := backoff.DefaultPolicy()
	if opts.Backoff != nil {
		policy = *opts.Backoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Index{
		name:     name,
		embedder: embedder,
		cache:    cache,
		attempts: opts.Attempts,
		policy:   policy,
		logger:   opts.Logger.With("component", "relevance-index", "index", name),
		metrics:  opts.Metrics,
	}
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// Load synchronizes the index with items. Only items whose text hash changed
// since the last Load (or since the persisted cache) are embedded; an
// unchanged catalog costs no backend calls and no cache write.
func (ix *Index) Load(ctx context.Context, items []Item, build TextBuilder) error {
	ix.loadMu.Lock()
	defer ix.loadMu.Unlock()

	ctx, span := observability.StartSpan(ctx, "index.load", "index", ix.name, "items", len(items))
	defer span.End()

	existing, err := ix.existing(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return err
	}

	type pending struct {
		pos  int
		text string
	}
	next := make([]Record, len(items))
	var toEmbed []pending
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.ID == "" {
			return fmt.Errorf("index %s: item %d has no id", ix.name, i)
		}
		if seen[item.ID] {
			return fmt.Errorf("index %s: duplicate item id %q", ix.name, item.ID)
		}
		seen[item.ID] = true

		text := build(item)
		hash := HashText(text)
		metadata, err := json.Marshal(item.Source)
		if err != nil {
			return fmt.Errorf("index %s: marshal %s: %w", ix.name, item.ID, err)
		}

		if prev, ok := existing[item.ID]; ok && prev.Hash == hash && len(prev.Vector) > 0 {
			prev.Text = text
			prev.Metadata = metadata
			next[i] = prev
			continue
		}
		next[i] = Record{ID: item.ID, Hash: hash, Text: text, Metadata: metadata}
		toEmbed = append(toEmbed, pending{pos: i, text: text})
	}

	pruned := 0
	for id := range existing {
		if !seen[id] {
			pruned++
		}
	}

	if len(toEmbed) > 0 {
		ids := make([]string, len(toEmbed))
		texts := make([]string, len(toEmbed))
		for i, p := range toEmbed {
			ids[i] = next[p.pos].ID
			texts[i] = p.text
		}
		ix.logger.Info("embedding catalog items", "count", len(toEmbed), "ids", strings.Join(ids, ", "))

		vectors, err := ix.embedDocuments(ctx, texts)
		if err != nil {
			observability.RecordError(span, err)
			return err
		}
		for i, p := range toEmbed {
			next[p.pos].Vector = vectors[i]
		}
	}

	if ix.cache != nil && (len(toEmbed) > 0 || pruned > 0) {
		if err := ix.cache.SaveRecords(ctx, ix.name, ix.embedder.Model(), next); err != nil {
			ix.logger.Warn("failed to persist embeddings", "error", err)
		}
	}

	ix.mu.Lock()
	ix.records = next
	ix.loaded = true
	ix.mu.Unlock()

	if len(toEmbed) == 0 && pruned == 0 {
		ix.logger.Debug("embeddings up to date", "items", len(next))
	} else {
		ix.logger.Info("index updated", "items", len(next), "embedded", len(toEmbed), "pruned", pruned)
	}
	return nil
}

// FindRelevant returns up to topK records ranked by cosine similarity to
// query, highest first. Equal scores keep catalog order.
func (ix *Index) FindRelevant(ctx context.Context, query string, topK int) ([]Match, error) {
	ix.mu.RLock()
	records := ix.records
	loaded := ix.loaded
	ix.mu.RUnlock()

	if !loaded {
		return nil, ErrNotLoaded
	}
	if topK <= 0 || len(records) == 0 {
		return nil, nil
	}

	ctx, span := observability.StartSpan(ctx, "index.find_relevant", "index", ix.name, "top_k", topK)
	defer span.End()

	ix.logger.Debug("finding relevant items", "query", truncateQuery(query))
	queryVec, err := ix.embedQuery(ctx, query)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	matches := make([]Match, len(records))
	for i, r := range records {
		matches[i] = Match{Record: r, Score: Cosine(queryVec, r.Vector)}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}

	if ix.logger.Enabled(ctx, slog.LevelDebug) {
		parts := make([]string, len(matches))
		for i, m := range matches {
			parts[i] = fmt.Sprintf("%s(%.3f)", m.ID, m.Score)
		}
		ix.logger.Debug("relevant items", "top", strings.Join(parts, ", "))
	}
	return matches, nil
}

// Records returns a copy of the indexed records in catalog order.
func (ix *Index) Records() []Record {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Record, len(ix.records))
	copy(out, ix.records)
	return out
}

// existing returns the records the next Load diffs against: the in-memory
// set once loaded, otherwise the persisted cache.
func (ix *Index) existing(ctx context.Context) (map[string]Record, error) {
	ix.mu.RLock()
	if ix.loaded {
		out := make(map[string]Record, len(ix.records))
		for _, r := range ix.records {
			out[r.ID] = r
		}
		ix.mu.RUnlock()
		return out, nil
	}
	ix.mu.RUnlock()

	out := make(map[string]Record)
	if ix.cache == nil {
		return out, nil
	}
	records, err := ix.cache.LoadRecords(ctx, ix.name, ix.embedder.Model())
	if err != nil {
		return nil, fmt.Errorf("index %s: load cache: %w", ix.name, err)
	}
	for _, r := range records {
		out[r.ID] = r
	}
	return out, nil
}

func (ix *Index) embedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := backoff.Retry(ctx, ix.policy, ix.attempts, func(int) ([][]float32, error) {
		v, err := ix.embedder.EmbedDocuments(ctx, texts)
		ix.metrics.RecordEmbedding(ix.name, "documents", err)
		if err != nil {
			return nil, err
		}
		if len(v) != len(texts) {
			return nil, backoff.Permanent(fmt.Errorf("embedding count mismatch: got %d, want %d", len(v), len(texts)))
		}
		return v, nil
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: embed documents: %w", ix.name, err)
	}
	return vectors, nil
}

func (ix *Index) embedQuery(ctx context.Context, query string) ([]float32, error) {
	vector, err := backoff.Retry(ctx, ix.policy, ix.attempts, func(int) ([]float32, error) {
		v, err := ix.embedder.EmbedQuery(ctx, query)
		ix.metrics.RecordEmbedding(ix.name, "query", err)
		return v, err
	})
	if err != nil {
		return nil, fmt.Errorf("index %s: embed query: %w", ix.name, err)
	}
	return vector, nil
}

// HashText returns the hex sha256 of text.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Cosine returns dot(a,b) / (|a||b| + 1e-10). Vectors of different or zero
// length score 0.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	score := dot / (math.Sqrt(normA)*math.Sqrt(normB) + 1e-10)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

func truncateQuery(query string) string {
	q := strings.Join(strings.Fields(query), " ")
	if r := []rune(q); len(r) > 100 {
		return string(r[:100]) + "... (truncated)"
	}
	return q
}
