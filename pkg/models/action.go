package models

import (
	"fmt"
	"sort"
	"strings"
)

// ActionKind identifies which executor runs an action.
type ActionKind string

const (
	ActionAPI ActionKind = "api"
	ActionSQL ActionKind = "sql"
)

// Valid reports whether k names a known executor.
func (k ActionKind) Valid() bool {
	return k == ActionAPI || k == ActionSQL
}

// ActionSpec is a side-effecting operation proposed by an agent.
type ActionSpec struct {
	ID     string         `json:"id"`
	Kind   ActionKind     `json:"kind"`
	Params map[string]any `json:"params"`
	Query  string         `json:"query,omitempty"` // SQL actions only
}

// String renders the action for logs.
func (a ActionSpec) String() string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, a.Params[k]))
	}
	return fmt.Sprintf("%s:%s(%s)", a.Kind, a.ID, strings.Join(parts, ", "))
}

// StringParam returns the param rendered as a string, or "" when absent.
func (a ActionSpec) StringParam(name string) string {
	v, ok := a.Params[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
