package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/loanagent/internal/rag/index"
)

// Index names, also used as embedding cache keys.
const (
	IndexAPI    = "api-embeddings"
	IndexSQL    = "sql-embeddings"
	IndexSchema = "schema-embeddings"
)

// APIItems returns the API registry as index items.
func APIItems(cat *Catalog) []index.Item {
	items := make([]index.Item, 0, len(cat.APIs))
	for _, e := range cat.APIs {
		items = append(items, index.Item{ID: e.ID, Source: e})
	}
	return items
}

// SQLItems returns the SQL registry as index items.
func SQLItems(cat *Catalog) []index.Item {
	items := make([]index.Item, 0, len(cat.SQL))
	for _, e := range cat.SQL {
		items = append(items, index.Item{ID: e.ID, Source: e})
	}
	return items
}

// SchemaItems returns the schema registry as index items.
func SchemaItems(cat *Catalog) []index.Item {
	items := make([]index.Item, 0, len(cat.Schemas))
	for _, e := range cat.Schemas {
		items = append(items, index.Item{ID: e.ID, Source: e})
	}
	return items
}

// APIText renders an API entry for embedding.
func APIText(item index.Item) string {
	e, ok := item.Source.(APIEntry)
	if !ok {
		return item.ID
	}
	fields := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		fields = append(fields, fmt.Sprintf("%s: %s", f.Name, f.Instructions))
	}
	examples := make([]string, 0, len(e.Examples))
	for _, ex := range e.Examples {
		out, _ := json.Marshal(map[string]any{"id": e.ID, "params": ex.Params})
		examples = append(examples, fmt.Sprintf("%s -> %s", ex.Input, out))
	}
	return fmt.Sprintf("%s: %s. Fields: %s. Examples: %s",
		e.ID, e.Description, strings.Join(fields, ", "), strings.Join(examples, "; "))
}

// SQLText renders a SQL entry for embedding.
func SQLText(item index.Item) string {
	e, ok := item.Source.(SQLEntry)
	if !ok {
		return item.ID
	}
	return fmt.Sprintf("%s: %s. Parameters: %s", e.ID, e.Description, strings.Join(e.Params, ", "))
}

// SchemaText renders a schema entry for embedding.
func SchemaText(item index.Item) string {
	e, ok := item.Source.(SchemaEntry)
	if !ok {
		return item.ID
	}
	columns := make([]string, 0, len(e.Columns))
	for _, c := range e.Columns {
		columns = append(columns, fmt.Sprintf("%s (%s): %s", c.Name, c.Type, c.Description))
	}
	relations := make([]string, 0, len(e.Relations))
	for _, r := range e.Relations {
		relations = append(relations, fmt.Sprintf("%s -> %s (%s)", r.Column, r.References, r.Description))
	}
	rel := strings.Join(relations, "; ")
	if rel == "" {
		rel = "none"
	}
	return fmt.Sprintf("%s: %s. Columns: %s. Relations: %s", e.ID, e.Description, strings.Join(columns, "; "), rel)
}

// Indexes are the relevance indexes over one catalog. Nil members are
// skipped.
type Indexes struct {
	API    *index.Index
	SQL    *index.Index
	Schema *index.Index
}

// Sync loads cat into every index. Only changed entries are re-embedded.
func (ix Indexes) Sync(ctx context.Context, cat *Catalog) error {
	var errs []error
	if ix.API != nil {
		if err := ix.API.Load(ctx, APIItems(cat), APIText); err != nil {
			errs = append(errs, fmt.Errorf("api index: %w", err))
		}
	}
	if ix.SQL != nil {
		if err := ix.SQL.Load(ctx, SQLItems(cat), SQLText); err != nil {
			errs = append(errs, fmt.Errorf("sql index: %w", err))
		}
	}
	if ix.Schema != nil {
		if err := ix.Schema.Load(ctx, SchemaItems(cat), SchemaText); err != nil {
			errs = append(errs, fmt.Errorf("schema index: %w", err))
		}
	}
	return errors.Join(errs...)
}
