package models

import (
	"testing"
)

func TestActionSpecString(t *testing.T) {
	a := ActionSpec{
		ID:     "LNO8888C.SVC",
		Kind:   ActionAPI,
		Params: map[string]any{"lonTerm": "12", "custNo": "12345"},
	}
	if got, want := a.String(), "api:LNO8888C.SVC(custNo=12345, lonTerm=12)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestActionSpecStringParam(t *testing.T) {
	a := ActionSpec{Params: map[string]any{"s": "x", "n": 12.0, "nil": nil}}
	tests := []struct {
		name string
		want string
	}{
		{"s", "x"},
		{"n", "12"},
		{"nil", ""},
		{"absent", ""},
	}
	for _, tt := range tests {
		if got := a.StringParam(tt.name); got != tt.want {
			t.Errorf("StringParam(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestActionKindValid(t *testing.T) {
	if !ActionAPI.Valid() || !ActionSQL.Valid() {
		t.Error("known kinds should be valid")
	}
	if ActionKind("shell").Valid() {
		t.Error("unknown kind should be invalid")
	}
}

func TestEventConversationKey(t *testing.T) {
	msg := Event{Kind: EventMessage, Message: &InboundMessage{ConversationKey: "a"}}
	react := Event{Kind: EventReaction, Reaction: &Reaction{ConversationKey: "b"}}
	if msg.ConversationKey() != "a" || react.ConversationKey() != "b" {
		t.Errorf("keys = %q, %q", msg.ConversationKey(), react.ConversationKey())
	}
	if (Event{}).ConversationKey() != "" {
		t.Error("empty event should have no key")
	}
	if !(Delivery{}).IsZero() || (Delivery{MessageID: "x"}).IsZero() {
		t.Error("Delivery.IsZero mismatch")
	}
}
