package agent

import (
	"context"
	"testing"
)

func newRoleRuntime(t *testing.T, role *Role, llm *scriptedLLM) *Runtime {
	t.Helper()
	rt, err := NewRuntime(role, RuntimeOptions{Selector: &fakeSelector{llm: llm}})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return rt
}

func TestDetectByKeywords(t *testing.T) {
	api, _ := NewAPIRole(StaticPrompt("api"), nil)
	router, err := NewRouter([]*Runtime{newRoleRuntime(t, api, &scriptedLLM{replies: []scriptedReply{{content: validMessage}}})}, RouterOptions{})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		text string
		want string
	}{
		{"please manipulate loan 1188001", RoleAPI},
		{"call the API for me", RoleAPI},
		{"run a SQL report", RoleSQL},
		{"query: customers in Jakarta", RoleSQL},
		{"how many loans are overdue?", ""},
		{"rapid approval", ""},
		{"sequel", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := router.DetectByKeywords(tt.text); got != tt.want {
				t.Errorf("DetectByKeywords(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestDispatchUsesClassifier(t *testing.T) {
	api, _ := NewAPIRole(StaticPrompt("api"), nil)
	sql, _ := NewSQLRole(StaticPrompt("sql"), nil)
	classifier, _ := NewClassifierRole(StaticPrompt("classify"))

	apiLLM := &scriptedLLM{replies: []scriptedReply{{content: validMessage}}}
	sqlLLM := &scriptedLLM{replies: []scriptedReply{{content: validMessage}}}
	clsLLM := &scriptedLLM{replies: []scriptedReply{{content: `{"thoughts":[],"type":"classifier","inScope":true,"content":{"agent":"sql"}}`}}}

	router, err := NewRouter(
		[]*Runtime{newRoleRuntime(t, api, apiLLM), newRoleRuntime(t, sql, sqlLLM)},
		RouterOptions{Classifier: newRoleRuntime(t, classifier, clsLLM)},
	)
	if err != nil {
		t.Fatal(err)
	}

	routing, result := router.Dispatch(context.Background(), "chat-1", "owner-1", testMessage("how many loans are overdue?"), 2)
	if routing != (Routing{Role: RoleSQL, Method: RoutedByClassifier}) {
		t.Errorf("routing = %+v, want sql by classifier", routing)
	}
	if _, ok := result.(PlainMessage); !ok {
		t.Errorf("result = %#v", result)
	}
	if clsLLM.calls() != 1 || sqlLLM.calls() != 1 || apiLLM.calls() != 0 {
		t.Errorf("calls classifier=%d sql=%d api=%d", clsLLM.calls(), sqlLLM.calls(), apiLLM.calls())
	}

	// A keyword skips the classifier.
	routing, _ = router.Dispatch(context.Background(), "chat-1", "owner-1", testMessage("manipulate loan"), 2)
	if routing != (Routing{Role: RoleAPI, Method: RoutedByKeyword}) || clsLLM.calls() != 1 {
		t.Errorf("routing = %+v, classifier calls = %d", routing, clsLLM.calls())
	}
}

func TestDispatchDisabledRole(t *testing.T) {
	api, _ := NewAPIRole(StaticPrompt("api"), nil)
	router, err := NewRouter([]*Runtime{newRoleRuntime(t, api, &scriptedLLM{replies: []scriptedReply{{content: validMessage}}})}, RouterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	routing, result := router.Dispatch(context.Background(), "chat-1", "owner-1", testMessage("sql please"), 2)
	if routing.Role != RoleSQL || routing.Method != RoutedByKeyword {
		t.Errorf("routing = %+v", routing)
	}
	msg, ok := result.(PlainMessage)
	if !ok || msg.Text != "The SQL agent is currently disabled." {
		t.Errorf("result = %#v", result)
	}
}

func TestDispatchClassifierUnavailable(t *testing.T) {
	api, _ := NewAPIRole(StaticPrompt("api"), nil)
	classifier, _ := NewClassifierRole(StaticPrompt("classify"))
	apiLLM := &scriptedLLM{replies: []scriptedReply{{content: validMessage}}}
	clsRT, err := NewRuntime(classifier, RuntimeOptions{Selector: &fakeSelector{empty: true}})
	if err != nil {
		t.Fatal(err)
	}
	router, err := NewRouter([]*Runtime{newRoleRuntime(t, api, apiLLM)}, RouterOptions{Classifier: clsRT})
	if err != nil {
		t.Fatal(err)
	}

	routing, result := router.Dispatch(context.Background(), "chat-1", "owner-1", testMessage("hello"), 2)
	if routing.Role != "" || routing.Method != RoutedByClassifier {
		t.Errorf("routing = %+v, want empty role", routing)
	}
	if _, ok := result.(Unavailable); !ok {
		t.Errorf("result = %#v", result)
	}
	if apiLLM.calls() != 0 {
		t.Errorf("api calls = %d", apiLLM.calls())
	}
}

func TestDispatchWithoutClassifierUsesDefault(t *testing.T) {
	api, _ := NewAPIRole(StaticPrompt("api"), nil)
	router, err := NewRouter([]*Runtime{newRoleRuntime(t, api, &scriptedLLM{replies: []scriptedReply{{content: validMessage}}})}, RouterOptions{})
	if err != nil {
		t.Fatal(err)
	}
	routing, _ := router.Dispatch(context.Background(), "chat-1", "owner-1", testMessage("hello"), 2)
	if routing != (Routing{Role: RoleAPI, Method: RoutedByDefault}) {
		t.Errorf("routing = %+v", routing)
	}
}
