package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Reply is the envelope every role must answer with.
type Reply struct {
	Thoughts []string        `json:"thoughts"`
	Type     string          `json:"type"`
	InScope  bool            `json:"inScope"`
	Content  json.RawMessage `json:"content"`
}

// ReplySchema validates model replies against a union of JSON Schemas keyed by
// the reply's "type" field.
type ReplySchema struct {
	name     string
	branches map[string]*jsonschema.Schema
	types    []string
}

// CompileReplySchema compiles one schema per reply type.
func CompileReplySchema(name string, branches map[string]string) (*ReplySchema, error) {
	if len(branches) == 0 {
		return nil, fmt.Errorf("reply schema %s: no branches", name)
	}
	rs := &ReplySchema{
		name:     name,
		branches: make(map[string]*jsonschema.Schema, len(branches)),
	}
	for typ, src := range branches {
		compiled, err := jsonschema.CompileString(name+"_"+typ+".json", src)
		if err != nil {
			return nil, fmt.Errorf("compile %s branch %q: %w", name, typ, err)
		}
		rs.branches[typ] = compiled
		rs.types = append(rs.types, typ)
	}
	sort.Strings(rs.types)
	return rs, nil
}

// Types lists the accepted reply types.
func (s *ReplySchema) Types() []string {
	return append([]string(nil), s.types...)
}

// Parse decodes raw model output and validates it. Failures are returned as
// *ValidationError.
func (s *ReplySchema) Parse(raw string) (*Reply, error) {
	text := StripCodeFence(raw)

	var doc any
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Message: "reply is not valid JSON: " + err.Error(),
		}}}
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Message: "reply must be a JSON object",
		}}}
	}

	rawType, present := obj["type"]
	if !present {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Field:   "type",
			Missing: true,
			Message: "required",
		}}}
	}
	typ, _ := rawType.(string)
	schema, ok := s.branches[typ]
	if !ok {
		return nil, &ValidationError{Issues: []FieldIssue{{
			Field:   "type",
			Message: fmt.Sprintf("must be one of %s, got %v", strings.Join(s.types, ", "), rawType),
		}}}
	}

	if err := schema.Validate(doc); err != nil {
		return nil, &ValidationError{Issues: issuesFromSchemaError(err)}
	}

	var reply Reply
	if err := json.Unmarshal([]byte(text), &reply); err != nil {
		return nil, &ValidationError{Issues: []FieldIssue{{Message: err.Error()}}}
	}
	return &reply, nil
}

var codeFencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9]*\\s*(.*?)\\s*```$")

// StripCodeFence removes a surrounding markdown code fence such as ```json.
func StripCodeFence(raw string) string {
	text := strings.TrimSpace(raw)
	if m := codeFencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

var quotedNamePattern = regexp.MustCompile(`"([^"]*)"|'([^']*)'`)

func issuesFromSchemaError(err error) []FieldIssue {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []FieldIssue{{Message: err.Error()}}
	}

	var issues []FieldIssue
	collectIssues(verr, &issues)

	seen := make(map[string]bool, len(issues))
	out := issues[:0]
	for _, issue := range issues {
		key := fmt.Sprintf("%s|%t|%s", issue.Field, issue.Missing, issue.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, issue)
	}
	return out
}

func collectIssues(verr *jsonschema.ValidationError, out *[]FieldIssue) {
	if len(verr.Causes) > 0 {
		for _, cause := range verr.Causes {
			collectIssues(cause, out)
		}
		return
	}

	path := pointerToPath(verr.InstanceLocation)
	if strings.HasSuffix(verr.KeywordLocation, "/required") {
		for _, m := range quotedNamePattern.FindAllStringSubmatch(verr.Message, -1) {
			name := m[1] + m[2]
			*out = append(*out, FieldIssue{
				Field:   joinPath(path, name),
				Missing: true,
				Message: "required",
			})
		}
		return
	}
	*out = append(*out, FieldIssue{Field: path, Message: verr.Message})
}

// pointerToPath turns "/content/apis/0" into "content.apis.0".
func pointerToPath(pointer string) string {
	pointer = strings.TrimPrefix(pointer, "/")
	if pointer == "" {
		return ""
	}
	parts := strings.Split(pointer, "/")
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		parts[i] = strings.ReplaceAll(part, "~0", "~")
	}
	return strings.Join(parts, ".")
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}
