package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrNoModelAvailable indicates every credential is cooling down or absent
	ErrNoModelAvailable = errors.New("no model available")

	// ErrQuotaExceeded matches provider errors caused by quota or rate limits
	ErrQuotaExceeded = errors.New("model quota exceeded")

	// ErrEmptyReply indicates the model returned no content
	ErrEmptyReply = errors.New("empty model reply")

	// ErrRetriesExhausted indicates every attempt produced an invalid reply
	ErrRetriesExhausted = errors.New("retries exhausted without a valid reply")

	// ErrModelTimeout indicates a model call exceeded its deadline
	ErrModelTimeout = errors.New("model call timed out")
)

// FieldIssue is one field-level validation problem in a model reply.
type FieldIssue struct {
	// Field is the dotted path of the offending field ("content.apis.0.id").
	// Empty means the document root.
	Field string `json:"field"`

	// Missing is true when a required field is absent; otherwise the field
	// is present but invalid.
	Missing bool `json:"missing,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

// ValidationError reports why a reply did not match the expected schema.
type ValidationError struct {
	Issues []FieldIssue
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "invalid reply"
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		field := issue.Field
		if field == "" {
			field = "(root)"
		}
		if issue.Missing {
			parts = append(parts, field+": missing")
		} else {
			parts = append(parts, field+": "+issue.Message)
		}
	}
	return "invalid reply: " + strings.Join(parts, "; ")
}

// Missing returns the paths of required fields that were absent.
func (e *ValidationError) Missing() []string {
	var out []string
	for _, issue := range e.Issues {
		if issue.Missing {
			out = append(out, issue.Field)
		}
	}
	return out
}

// Invalid returns the issues for fields that were present but wrong.
func (e *ValidationError) Invalid() []FieldIssue {
	var out []FieldIssue
	for _, issue := range e.Issues {
		if !issue.Missing {
			out = append(out, issue)
		}
	}
	return out
}

// Diagnostics renders the issues as the JSON document sent back to the
// model in a corrective turn.
func (e *ValidationError) Diagnostics() string {
	doc := struct {
		Missing []string     `json:"missing,omitempty"`
		Invalid []FieldIssue `json:"invalid,omitempty"`
	}{Missing: e.Missing(), Invalid: e.Invalid()}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return e.Error()
	}
	return string(data)
}

// AttemptError wraps a failed attempt with its retry index for logging.
type AttemptError struct {
	Role       string
	RetryIndex int
	Cause      error
}

// Error implements the error interface.
func (e *AttemptError) Error() string {
	return fmt.Sprintf("[%s] attempt %d: %v", e.Role, e.RetryIndex, e.Cause)
}

// Unwrap returns the underlying error.
func (e *AttemptError) Unwrap() error {
	return e.Cause
}

// diagnosticsFor returns the corrective-turn text for any attempt failure.
func diagnosticsFor(err error) string {
	var verr *ValidationError
	if errors.As(err, &verr) {
		return verr.Diagnostics()
	}
	doc := map[string]string{"error": err.Error()}
	data, _ := json.MarshalIndent(doc, "", "  ")
	return string(data)
}
