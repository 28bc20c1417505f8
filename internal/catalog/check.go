package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// Checker validates proposed actions against a catalog snapshot source.
type Checker struct {
	snapshot func() *Catalog

	// AllowAdHocSQL accepts SQL actions whose id is not a registry template.
	AllowAdHocSQL bool
}

// NewChecker returns a checker reading the registry's current snapshot.
func NewChecker(reg *Registry, allowAdHocSQL bool) *Checker {
	return &Checker{snapshot: reg.Snapshot, AllowAdHocSQL: allowAdHocSQL}
}

// Check implements agent.ActionChecker. Params come back normalized: mapping
// labels become codes and scalars declared as strings become strings.
func (c *Checker) Check(action models.ActionSpec) (models.ActionSpec, []agent.FieldIssue) {
	cat := c.snapshot()
	switch action.Kind {
	case models.ActionAPI:
		return checkAPI(cat, action)
	case models.ActionSQL:
		return c.checkSQL(cat, action)
	default:
		return action, []agent.FieldIssue{{Field: "kind", Message: fmt.Sprintf("unknown action kind %q", action.Kind)}}
	}
}

func checkAPI(cat *Catalog, action models.ActionSpec) (models.ActionSpec, []agent.FieldIssue) {
	entry, ok := cat.API(action.ID)
	if !ok {
		return action, []agent.FieldIssue{{
			Field:   "id",
			Message: fmt.Sprintf("unknown API %q; use one of: %s", action.ID, strings.Join(apiIDs(cat), ", ")),
		}}
	}

	params := make(map[string]any, len(action.Params))
	for k, v := range action.Params {
		params[k] = v
	}

	var issues []agent.FieldIssue
	for _, field := range entry.Fields {
		value, present := params[field.Name]
		if !present || isBlank(value) {
			if field.Required {
				issues = append(issues, agent.FieldIssue{Field: "params." + field.Name, Missing: true, Message: "required"})
			}
			continue
		}
		normalized, msg := normalizeValue(field, value)
		if msg != "" {
			issues = append(issues, agent.FieldIssue{Field: "params." + field.Name, Message: msg})
			continue
		}
		params[field.Name] = normalized
	}
	action.Params = params
	return action, issues
}

func (c *Checker) checkSQL(cat *Catalog, action models.ActionSpec) (models.ActionSpec, []agent.FieldIssue) {
	entry, ok := cat.Query(action.ID)
	if !ok {
		if c.AllowAdHocSQL {
			return action, nil
		}
		return action, []agent.FieldIssue{{
			Field:   "id",
			Message: fmt.Sprintf("unknown query %q; only registry queries may run", action.ID),
		}}
	}
	var issues []agent.FieldIssue
	switch supplied := strings.TrimSpace(action.Query); {
	case supplied == "":
		action.Query = entry.Query
	case !SameQuery(supplied, entry.Query) && !c.AllowAdHocSQL:
		issues = append(issues, agent.FieldIssue{
			Field:   "query",
			Message: fmt.Sprintf("must be the registry text of %s: %s", entry.ID, entry.Query),
		})
	}
	for _, name := range entry.Params {
		if v, ok := action.Params[name]; !ok || isBlank(v) {
			issues = append(issues, agent.FieldIssue{Field: "params." + name, Missing: true, Message: "required"})
		}
	}
	return action, issues
}

// SameQuery compares two queries ignoring case, whitespace runs and a
// trailing semicolon.
func SameQuery(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.TrimRight(strings.Join(strings.Fields(s), " "), "; "))
	}
	return norm(a) == norm(b)
}

func normalizeValue(field Field, value any) (any, string) {
	switch field.Type {
	case "array":
		items, ok := value.([]any)
		if !ok {
			if s, isString := value.(string); isString {
				items = []any{s}
			} else {
				return nil, "must be an array"
			}
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			s := mapLabel(field, scalarString(item))
			if len(field.Enum) > 0 && !contains(field.Enum, s) {
				return nil, fmt.Sprintf("%q is not allowed; use one of: %s", s, strings.Join(field.Enum, ", "))
			}
			out = append(out, s)
		}
		return out, ""
	case "number":
		switch v := value.(type) {
		case float64, int, int64:
			return v, ""
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, "must be a number"
			}
			return f, ""
		}
		return nil, "must be a number"
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, ""
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, "must be true or false"
			}
			return b, ""
		}
		return nil, "must be true or false"
	default:
		switch value.(type) {
		case map[string]any, []any:
			return nil, "must be a string"
		}
		s := mapLabel(field, scalarString(value))
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			return nil, fmt.Sprintf("%q is not allowed; use one of: %s", s, strings.Join(field.Enum, ", "))
		}
		return s, ""
	}
}

// mapLabel translates a mapping label (case-insensitive) into its code.
func mapLabel(field Field, v string) string {
	if code, ok := field.Mapping[v]; ok {
		return code
	}
	for label, code := range field.Mapping {
		if strings.EqualFold(label, v) {
			return code
		}
	}
	return v
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	}
	return false
}

func apiIDs(cat *Catalog) []string {
	ids := make([]string, 0, len(cat.APIs))
	for _, e := range cat.APIs {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	return ids
}
