package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileCache stores each index as a JSON array in <dir>/<name>-<model>.json.
type FileCache struct {
	dir string
	mu  sync.Mutex
}

var _ Cache = (*FileCache)(nil)

// NewFileCache creates the directory if needed.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create embedding cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// Path returns the file backing (name, model).
func (c *FileCache) Path(name, model string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%s-%s.json", sanitize(name), sanitize(model)))
}

// LoadRecords reads the records for (name, model). A missing file is an empty
// cache.
func (c *FileCache) LoadRecords(_ context.Context, name, model string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.Path(name, model))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Path(name, model), err)
	}
	return records, nil
}

// SaveRecords replaces the file for (name, model) atomically.
func (c *FileCache) SaveRecords(_ context.Context, name, model string, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if records == nil {
		records = []Record{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	path := c.Path(name, model)
	tmp, err := os.CreateTemp(c.dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// sanitize keeps model names like "tngtech/model:free" usable as file names.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, s)
}

// MemoryCache keeps records in process memory. Useful in tests and when no
// cache is configured.
type MemoryCache struct {
	mu      sync.Mutex
	records map[string][]Record
	Saves   int
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: make(map[string][]Record)}
}

func (c *MemoryCache) LoadRecords(_ context.Context, name, model string) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.records[name+"\x00"+model]
	out := make([]Record, len(src))
	copy(out, src)
	return out, nil
}

func (c *MemoryCache) SaveRecords(_ context.Context, name, model string, records []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(records))
	copy(out, records)
	c.records[name+"\x00"+model] = out
	c.Saves++
	return nil
}
