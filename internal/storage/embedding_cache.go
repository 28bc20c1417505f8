package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/haasonsaas/loanagent/internal/rag/index"
)

// EmbeddingCache stores relevance index records in the embedding_cache table.
type EmbeddingCache struct {
	store *Store
}

var _ index.Cache = (*EmbeddingCache)(nil)

// EmbeddingCache returns the index.Cache backed by this store.
func (s *Store) EmbeddingCache() *EmbeddingCache {
	return &EmbeddingCache{store: s}
}

// LoadRecords returns the records for (name, model) in catalog order.
func (c *EmbeddingCache) LoadRecords(ctx context.Context, name, model string) ([]index.Record, error) {
	rows, err := c.store.db.QueryContext(ctx,
		`SELECT item_id, content_hash, content, vector, metadata
		FROM embedding_cache WHERE store = ? AND model = ? ORDER BY position`, name, model)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	defer rows.Close()

	var out []index.Record
	for rows.Next() {
		var (
			r        index.Record
			content  sql.NullString
			vector   []byte
			metadata sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Hash, &content, &vector, &metadata); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		r.Text = content.String
		r.Vector = decodeVector(vector)
		if metadata.Valid && metadata.String != "" {
			r.Metadata = []byte(metadata.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveRecords replaces the records for (name, model).
func (c *EmbeddingCache) SaveRecords(ctx context.Context, name, model string, records []index.Record) error {
	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM embedding_cache WHERE store = ? AND model = ?`, name, model); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	for i, r := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO embedding_cache (store, model, item_id, position, content_hash, content, vector, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			name, model, r.ID, i, r.Hash, r.Text, encodeVector(r.Vector), string(r.Metadata)); err != nil {
			return fmt.Errorf("insert embedding %s: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save embeddings: %w", err)
	}
	return nil
}

// encodeVector stores 4 little-endian bytes per component.
func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	data := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	return data
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v
}
