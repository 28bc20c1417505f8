// Package catalog holds the business registries the agents work from: the
// API registry (side-effecting calls), the SQL template registry and the
// database schema registry.
//
// The built-in registries can be extended or overridden by a YAML file. A
// Registry holds the current snapshot and notifies subscribers when the file
// changes, so relevance indexes can re-sync.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Field describes one API parameter.
type Field struct {
	Name         string            `yaml:"name" json:"name"`
	Required     bool              `yaml:"required" json:"required"`
	Type         string            `yaml:"type" json:"type"` // string, number, boolean, array
	Enum         []string          `yaml:"enum,omitempty" json:"enum,omitempty"`
	Mapping      map[string]string `yaml:"mapping,omitempty" json:"mapping,omitempty"` // label -> code
	Instructions string            `yaml:"instructions,omitempty" json:"instructions,omitempty"`
}

// Example pairs a request with the call it should produce.
type Example struct {
	Input  string         `yaml:"input" json:"input"`
	Params map[string]any `yaml:"params" json:"params"`
}

// APIEntry is one callable business API.
type APIEntry struct {
	ID          string    `yaml:"id" json:"id"`
	Description string    `yaml:"description" json:"description"`
	Fields      []Field   `yaml:"fields" json:"fields"`
	Examples    []Example `yaml:"examples,omitempty" json:"examples,omitempty"`
}

// Field returns the named field.
func (e APIEntry) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// SQLEntry is a named read query. Params are referenced as :name.
type SQLEntry struct {
	ID          string   `yaml:"id" json:"id"`
	Description string   `yaml:"description" json:"description"`
	Query       string   `yaml:"query" json:"query"`
	Params      []string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Column is one table column.
type Column struct {
	Name        string `yaml:"name" json:"name"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
}

// Relation is a foreign key.
type Relation struct {
	Column      string `yaml:"column" json:"column"`
	References  string `yaml:"references" json:"references"`
	Description string `yaml:"description" json:"description"`
}

// SchemaEntry documents one table.
type SchemaEntry struct {
	ID          string     `yaml:"id" json:"id"`
	Table       string     `yaml:"table" json:"table"`
	Description string     `yaml:"description" json:"description"`
	Columns     []Column   `yaml:"columns" json:"columns"`
	Relations   []Relation `yaml:"relations,omitempty" json:"relations,omitempty"`
}

// Catalog is an immutable snapshot of the three registries. Entries keep
// their declaration order.
type Catalog struct {
	APIs    []APIEntry    `yaml:"apis" json:"apis"`
	SQL     []SQLEntry    `yaml:"sql" json:"sql"`
	Schemas []SchemaEntry `yaml:"schemas" json:"schemas"`
}

// API returns the API entry with id.
func (c *Catalog) API(id string) (APIEntry, bool) {
	for _, e := range c.APIs {
		if e.ID == id {
			return e, true
		}
	}
	return APIEntry{}, false
}

// Query returns the SQL entry with id.
func (c *Catalog) Query(id string) (SQLEntry, bool) {
	for _, e := range c.SQL {
		if e.ID == id {
			return e, true
		}
	}
	return SQLEntry{}, false
}

// Schema returns the schema entry with id.
func (c *Catalog) Schema(id string) (SchemaEntry, bool) {
	for _, e := range c.Schemas {
		if e.ID == id {
			return e, true
		}
	}
	return SchemaEntry{}, false
}

// Validate checks ids and required attributes.
func (c *Catalog) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, e := range c.APIs {
		if strings.TrimSpace(e.ID) == "" {
			errs = append(errs, fmt.Errorf("apis[%d]: id is required", i))
			continue
		}
		if seen["api:"+e.ID] {
			errs = append(errs, fmt.Errorf("apis[%d]: duplicate id %s", i, e.ID))
		}
		seen["api:"+e.ID] = true
		for j, f := range e.Fields {
			if f.Name == "" {
				errs = append(errs, fmt.Errorf("apis[%d].fields[%d]: name is required", i, j))
			}
			for label, code := range f.Mapping {
				if len(f.Enum) > 0 && !contains(f.Enum, code) {
					errs = append(errs, fmt.Errorf("%s.%s: mapping %q -> %q is not an allowed value", e.ID, f.Name, label, code))
				}
			}
		}
	}
	for i, e := range c.SQL {
		switch {
		case strings.TrimSpace(e.ID) == "":
			errs = append(errs, fmt.Errorf("sql[%d]: id is required", i))
		case strings.TrimSpace(e.Query) == "":
			errs = append(errs, fmt.Errorf("sql %s: query is required", e.ID))
		case seen["sql:"+e.ID]:
			errs = append(errs, fmt.Errorf("sql[%d]: duplicate id %s", i, e.ID))
		}
		seen["sql:"+e.ID] = true
	}
	for i, e := range c.Schemas {
		switch {
		case strings.TrimSpace(e.ID) == "":
			errs = append(errs, fmt.Errorf("schemas[%d]: id is required", i))
		case seen["schema:"+e.ID]:
			errs = append(errs, fmt.Errorf("schemas[%d]: duplicate id %s", i, e.ID))
		}
		seen["schema:"+e.ID] = true
	}
	return errors.Join(errs...)
}

// File is the on-disk override format. Entries replace built-ins with the
// same id and are appended otherwise.
type File struct {
	// ReplaceBuiltins drops the built-in registries entirely.
	ReplaceBuiltins bool `yaml:"replace_builtins"`
	Catalog         `yaml:",inline"`
}

// LoadFile reads path and merges it over the built-in catalog. An empty path
// returns the built-ins.
func LoadFile(path string) (*Catalog, error) {
	if path == "" {
		return Builtin(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse merges a YAML override document over the built-in catalog.
func Parse(data []byte) (*Catalog, error) {
	var file File
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	base := Builtin()
	if file.ReplaceBuiltins {
		base = &Catalog{}
	}
	merged := Merge(base, &file.Catalog)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return merged, nil
}

// Merge returns base with overlay entries applied by id.
func Merge(base, overlay *Catalog) *Catalog {
	out := &Catalog{
		APIs:    append([]APIEntry(nil), base.APIs...),
		SQL:     append([]SQLEntry(nil), base.SQL...),
		Schemas: append([]SchemaEntry(nil), base.Schemas...),
	}
	for _, e := range overlay.APIs {
		out.APIs = upsert(out.APIs, e, func(x APIEntry) string { return x.ID })
	}
	for _, e := range overlay.SQL {
		out.SQL = upsert(out.SQL, e, func(x SQLEntry) string { return x.ID })
	}
	for _, e := range overlay.Schemas {
		if e.Table == "" {
			e.Table = e.ID
		}
		out.Schemas = upsert(out.Schemas, e, func(x SchemaEntry) string { return x.ID })
	}
	return out
}

func upsert[T any](list []T, entry T, id func(T) string) []T {
	for i := range list {
		if id(list[i]) == id(entry) {
			list[i] = entry
			return list
		}
	}
	return append(list, entry)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
