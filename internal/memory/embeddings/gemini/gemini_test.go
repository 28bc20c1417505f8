package gemini

import "testing"

func TestNew(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing API key")
	}

	p, err := New(Config{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if p.Name() != "gemini" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.Model() != "gemini-embedding-001" {
		t.Errorf("Model() = %q", p.Model())
	}
}
