package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/haasonsaas/loanagent/pkg/models"
)

// Role names.
const (
	RoleAPI        = "api"
	RoleSQL        = "sql"
	RoleClassifier = "classifier"
)

// Reply types.
const (
	ReplyMessage    = "message"
	ReplyAPIAction  = "api_action"
	ReplySQLAction  = "sql_action"
	ReplyClassifier = "classifier"
)

// PromptFunc builds the system prompt for one message. contextQuery is the
// recent memory plus the formatted user message, suitable for relevance
// lookups.
type PromptFunc func(ctx context.Context, contextQuery string) (string, error)

// ActionChecker validates a proposed action against the catalog and returns
// it with normalized params. Issue fields are relative to the action
// ("id", "params.custNo").
type ActionChecker func(action models.ActionSpec) (models.ActionSpec, []FieldIssue)

// Role is one agent persona: its prompt, reply schema and result decoding.
type Role struct {
	Name string

	// Stateful roles read and append conversation memory.
	Stateful bool

	Prompt PromptFunc
	Schema *ReplySchema

	decode func(*Reply) (Result, error)
}

// Parse validates raw model output and decodes it into a Result.
func (r *Role) Parse(raw string) (*Reply, Result, error) {
	reply, err := r.Schema.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	result, err := r.decode(reply)
	if err != nil {
		return reply, nil, err
	}
	return reply, result, nil
}

const thoughtsSchema = `{"type": "array", "items": {"type": "string"}}`

var messageBranch = `{
  "type": "object",
  "required": ["thoughts", "type", "inScope", "content"],
  "properties": {
    "thoughts": ` + thoughtsSchema + `,
    "type": {"const": "message"},
    "inScope": {"type": "boolean"},
    "content": {
      "type": "object",
      "required": ["message"],
      "properties": {"message": {"type": "string"}}
    }
  }
}`

var apiActionBranch = `{
  "type": "object",
  "required": ["thoughts", "type", "inScope", "content"],
  "properties": {
    "thoughts": ` + thoughtsSchema + `,
    "type": {"const": "api_action"},
    "inScope": {"const": true},
    "content": {
      "type": "object",
      "required": ["apis"],
      "properties": {
        "apis": {
          "type": "array",
          "minItems": 1,
          "items": {
            "type": "object",
            "required": ["id", "params"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "params": {"type": "object"}
            }
          }
        },
        "message": {"type": ["string", "null"]}
      }
    }
  }
}`

var sqlActionBranch = `{
  "type": "object",
  "required": ["thoughts", "type", "inScope", "content"],
  "properties": {
    "thoughts": ` + thoughtsSchema + `,
    "type": {"const": "sql_action"},
    "inScope": {"const": true},
    "content": {
      "type": "object",
      "required": ["id", "query", "params"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "query": {"type": "string", "minLength": 1},
        "params": {"type": "object"}
      }
    }
  }
}`

var classifierBranch = `{
  "type": "object",
  "required": ["thoughts", "type", "inScope", "content"],
  "properties": {
    "thoughts": ` + thoughtsSchema + `,
    "type": {"const": "classifier"},
    "inScope": {"const": true},
    "content": {
      "type": "object",
      "required": ["agent"],
      "properties": {
        "agent": {"enum": ["api", "sql"]},
        "confidence": {"type": "number", "minimum": 0, "maximum": 1}
      }
    }
  }
}`

// NewAPIRole builds the role that turns messages into API calls. check may be
// nil.
func NewAPIRole(prompt PromptFunc, check ActionChecker) (*Role, error) {
	schema, err := CompileReplySchema(RoleAPI, map[string]string{
		ReplyAPIAction: apiActionBranch,
		ReplyMessage:   messageBranch,
	})
	if err != nil {
		return nil, err
	}
	return &Role{
		Name:     RoleAPI,
		Stateful: true,
		Prompt:   prompt,
		Schema:   schema,
		decode: func(reply *Reply) (Result, error) {
			if reply.Type == ReplyMessage {
				return decodeMessage(reply)
			}
			var content struct {
				APIs []struct {
					ID     string         `json:"id"`
					Params map[string]any `json:"params"`
				} `json:"apis"`
				Message *string `json:"message"`
			}
			if err := json.Unmarshal(reply.Content, &content); err != nil {
				return nil, &ValidationError{Issues: []FieldIssue{{Field: "content", Message: err.Error()}}}
			}

			result := PendingAction{}
			if content.Message != nil {
				result.Message = *content.Message
			}
			var issues []FieldIssue
			for i, call := range content.APIs {
				action := models.ActionSpec{ID: call.ID, Kind: models.ActionAPI, Params: call.Params}
				action, found := applyCheck(check, action)
				for _, issue := range found {
					issue.Field = joinPath("content.apis."+strconv.Itoa(i), issue.Field)
					issues = append(issues, issue)
				}
				result.Actions = append(result.Actions, action)
			}
			if len(issues) > 0 {
				return nil, &ValidationError{Issues: issues}
			}
			return result, nil
		},
	}, nil
}

// NewSQLRole builds the role that turns messages into read queries. check may
// be nil.
func NewSQLRole(prompt PromptFunc, check ActionChecker) (*Role, error) {
	schema, err := CompileReplySchema(RoleSQL, map[string]string{
		ReplySQLAction: sqlActionBranch,
		ReplyMessage:   messageBranch,
	})
	if err != nil {
		return nil, err
	}
	return &Role{
		Name:     RoleSQL,
		Stateful: true,
		Prompt:   prompt,
		Schema:   schema,
		decode: func(reply *Reply) (Result, error) {
			if reply.Type == ReplyMessage {
				return decodeMessage(reply)
			}
			var content struct {
				ID     string         `json:"id"`
				Query  string         `json:"query"`
				Params map[string]any `json:"params"`
			}
			if err := json.Unmarshal(reply.Content, &content); err != nil {
				return nil, &ValidationError{Issues: []FieldIssue{{Field: "content", Message: err.Error()}}}
			}
			action := models.ActionSpec{
				ID:     content.ID,
				Kind:   models.ActionSQL,
				Params: content.Params,
				Query:  content.Query,
			}
			action, issues := applyCheck(check, action)
			if len(issues) > 0 {
				for i := range issues {
					issues[i].Field = joinPath("content", issues[i].Field)
				}
				return nil, &ValidationError{Issues: issues}
			}
			return PendingAction{Actions: []models.ActionSpec{action}}, nil
		},
	}, nil
}

// NewClassifierRole builds the stateless role that picks api or sql.
func NewClassifierRole(prompt PromptFunc) (*Role, error) {
	schema, err := CompileReplySchema(RoleClassifier, map[string]string{
		ReplyClassifier: classifierBranch,
	})
	if err != nil {
		return nil, err
	}
	return &Role{
		Name:   RoleClassifier,
		Prompt: prompt,
		Schema: schema,
		decode: func(reply *Reply) (Result, error) {
			var content struct {
				Agent      string   `json:"agent"`
				Confidence *float64 `json:"confidence"`
			}
			if err := json.Unmarshal(reply.Content, &content); err != nil {
				return nil, &ValidationError{Issues: []FieldIssue{{Field: "content", Message: err.Error()}}}
			}
			return Route{Agent: content.Agent, Confidence: content.Confidence}, nil
		},
	}, nil
}

func decodeMessage(reply *Reply) (Result, error) {
	var content struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(reply.Content, &content); err != nil {
		return nil, &ValidationError{Issues: []FieldIssue{{Field: "content", Message: err.Error()}}}
	}
	return PlainMessage{Text: content.Message}, nil
}

func applyCheck(check ActionChecker, action models.ActionSpec) (models.ActionSpec, []FieldIssue) {
	if action.Params == nil {
		action.Params = map[string]any{}
	}
	if check == nil {
		return action, nil
	}
	return check(action)
}

// StaticPrompt returns a PromptFunc that always yields text.
func StaticPrompt(text string) PromptFunc {
	return func(context.Context, string) (string, error) {
		return text, nil
	}
}

func (r *Role) String() string {
	return fmt.Sprintf("role(%s)", r.Name)
}
