package agent

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultMemorySize is the number of turns kept per owner.
const DefaultMemorySize = 5

// MemoryEntry is one remembered turn.
type MemoryEntry struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory keeps the most recent turns per owner in process memory. It is safe
// for concurrent use; entries are lost on restart.
type Memory struct {
	mu      sync.Mutex
	size    int
	entries map[string][]MemoryEntry
	now     func() time.Time
}

// NewMemory returns a memory bounded to size entries per owner.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultMemorySize
	}
	return &Memory{
		size:    size,
		entries: make(map[string][]MemoryEntry),
		now:     time.Now,
	}
}

// Recent returns a copy of the owner's remembered turns, oldest first.
func (m *Memory) Recent(ownerID string) []MemoryEntry {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MemoryEntry(nil), m.entries[ownerID]...)
}

// Append records turns for the owner, dropping the oldest beyond the bound.
func (m *Memory) Append(ownerID string, turns ...MemoryEntry) {
	if m == nil || len(turns) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.entries[ownerID]
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = m.now()
		}
		list = append(list, turn)
	}
	if over := len(list) - m.size; over > 0 {
		list = append([]MemoryEntry(nil), list[over:]...)
	}
	m.entries[ownerID] = list
}

// Clear forgets everything remembered for the owner.
func (m *Memory) Clear(ownerID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ownerID)
}

// Size returns the per-owner bound.
func (m *Memory) Size() int {
	if m == nil {
		return 0
	}
	return m.size
}

// renderMemory formats turns as "USER: ..." lines for the audit record.
func renderMemory(entries []MemoryEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("%s: %s", strings.ToUpper(e.Role), e.Content))
	}
	return strings.Join(lines, "\n")
}
