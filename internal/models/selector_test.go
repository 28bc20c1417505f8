package models

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/observability"
)

type stubLLM struct {
	name string
	key  string
}

func (s *stubLLM) Complete(context.Context, *agent.CompletionRequest) (*agent.CompletionResponse, error) {
	return &agent.CompletionResponse{Content: `{"type":"message"}`}, nil
}

func (s *stubLLM) Name() string { return s.name }

func stubSpec(name string, keys ...string) ProviderSpec {
	return ProviderSpec{
		Name:  name,
		Model: name + "-model",
		Keys:  keys,
		New: func(key string) (agent.LLMProvider, error) {
			return &stubLLM{name: name, key: key}, nil
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSelector(t *testing.T, clock *fakeClock, specs ...ProviderSpec) *Selector {
	t.Helper()
	s, err := NewSelector(specs, SelectorOptions{Now: clock.Now})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return s
}

func keyOf(h *agent.ModelHandle) string {
	return h.LLM.(*stubLLM).key
}

func TestSelectorRoundRobin(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestSelector(t, clock, stubSpec("gemini", "k1", "k2", "k3"))

	var got []string
	for i := 0; i < 4; i++ {
		h := s.Acquire()
		if h == nil {
			t.Fatalf("Acquire %d returned nil", i)
		}
		got = append(got, keyOf(h))
	}
	want := []string{"k1", "k2", "k3", "k1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("acquire %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestSelectorCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestSelector(t, clock,
		stubSpec("gemini", "g1", "g2"),
		stubSpec("deepseek", "d1"),
	)

	h1 := s.Acquire() // g1
	s.Penalize(h1)
	h2 := s.Acquire() // g2
	if keyOf(h2) != "g2" {
		t.Fatalf("second acquire = %s, want g2", keyOf(h2))
	}
	s.Penalize(h2)

	// Both gemini keys cool down: fall through to deepseek.
	h3 := s.Acquire()
	if h3 == nil || h3.Provider != "deepseek" || h3.Model != "deepseek-model" {
		t.Fatalf("expected deepseek handle, got %+v", h3)
	}
	s.Penalize(h3)

	if h := s.Acquire(); h != nil {
		t.Fatalf("expected nil when every key cools down, got %+v", h)
	}

	clock.Advance(59 * time.Second)
	if h := s.Acquire(); h != nil {
		t.Fatalf("key returned before cooldown elapsed: %+v", h)
	}

	clock.Advance(2 * time.Second)
	h := s.Acquire()
	if h == nil || h.Provider != "gemini" {
		t.Fatalf("expected gemini after cooldown, got %+v", h)
	}
}

func TestSelectorCooldownOnlyAffectsOneKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s := newTestSelector(t, clock, stubSpec("gemini", "g1", "g2"))

	s.Penalize(s.Acquire()) // g1 cools down
	for i := 0; i < 3; i++ {
		h := s.Acquire()
		if h == nil || keyOf(h) != "g2" {
			t.Fatalf("acquire %d = %+v, want g2", i, h)
		}
	}
}

func TestSelectorEmpty(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestSelector(t, clock, stubSpec("gemini"))
	if h := s.Acquire(); h != nil {
		t.Fatalf("expected nil without keys, got %+v", h)
	}

	none := newTestSelector(t, clock)
	if h := none.Acquire(); h != nil {
		t.Fatal("expected nil without providers")
	}
}

func TestSelectorConstructorFailureSkipsKey(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	spec := stubSpec("openai", "bad", "good")
	inner := spec.New
	spec.New = func(key string) (agent.LLMProvider, error) {
		if key == "bad" {
			return nil, errors.New("invalid key")
		}
		return inner(key)
	}
	s := newTestSelector(t, clock, spec)

	for i := 0; i < 3; i++ {
		h := s.Acquire()
		if h == nil || keyOf(h) != "good" {
			t.Fatalf("acquire %d = %+v, want good", i, h)
		}
	}
}

func TestSelectorReusesClients(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	built := 0
	spec := stubSpec("gemini", "k1")
	inner := spec.New
	spec.New = func(key string) (agent.LLMProvider, error) {
		built++
		return inner(key)
	}
	s := newTestSelector(t, clock, spec)
	first := s.Acquire()
	second := s.Acquire()
	if built != 1 || first.LLM != second.LLM {
		t.Errorf("built = %d, same client = %v", built, first.LLM == second.LLM)
	}
}

func TestSelectorPenalizeRecordsMetric(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	s, err := NewSelector([]ProviderSpec{stubSpec("gemini", "k1")}, SelectorOptions{Metrics: metrics})
	if err != nil {
		t.Fatal(err)
	}
	s.Penalize(s.Acquire())
	s.Penalize(nil)
	s.Penalize(&agent.ModelHandle{Provider: "unknown"})

	if got := testutil.ToFloat64(metrics.KeyCooldowns.WithLabelValues("gemini")); got != 1 {
		t.Errorf("cooldown metric = %v, want 1", got)
	}

	states := s.States()
	if len(states) != 1 || states[0].CooldownUntil.IsZero() || states[0].KeyHint != "***" {
		t.Errorf("States() = %+v", states)
	}
}

func TestSelectorConcurrentAcquire(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	s := newTestSelector(t, clock, stubSpec("gemini", "k1", "k2"))

	var wg sync.WaitGroup
	counts := make(map[string]int)
	var mu sync.Mutex
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := s.Acquire()
			mu.Lock()
			counts[keyOf(h)]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if counts["k1"] != 50 || counts["k2"] != 50 {
		t.Errorf("counts = %v, want 50/50", counts)
	}
}

func TestNewSelectorValidation(t *testing.T) {
	tests := []struct {
		name  string
		specs []ProviderSpec
	}{
		{"missing name", []ProviderSpec{{New: stubSpec("x").New}}},
		{"missing constructor", []ProviderSpec{{Name: "gemini"}}},
		{"duplicate", []ProviderSpec{stubSpec("gemini", "a"), stubSpec("Gemini", "b")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSelector(tt.specs, SelectorOptions{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPrioritize(t *testing.T) {
	specs := []ProviderSpec{stubSpec("openai"), stubSpec("gemini"), stubSpec("deepseek")}
	got := Prioritize(specs, []string{"DeepSeek", " gemini", "missing"})
	want := []string{"deepseek", "gemini", "openai"}
	for i, spec := range got {
		if spec.Name != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, spec.Name, want[i])
		}
	}
}

func TestNewSpec(t *testing.T) {
	tests := []struct {
		name      string
		cfg       SpecConfig
		wantName  string
		wantModel string
		wantErr   bool
	}{
		{"openrouter default model", SpecConfig{Name: "openrouter", Keys: []string{"k"}}, "openrouter", "tngtech/deepseek-r1t2-chimera:free", false},
		{"gemini custom model", SpecConfig{Name: "primary", Kind: "gemini", Model: "gemini-2.0-flash", Keys: []string{"k"}}, "primary", "gemini-2.0-flash", false},
		{"anthropic", SpecConfig{Kind: "anthropic", Keys: []string{"k"}}, "anthropic", "claude-sonnet-4-20250514", false},
		{"unknown kind", SpecConfig{Name: "mistral"}, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewSpec(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if tt.wantErr {
				return
			}
			if spec.Name != tt.wantName || spec.Model != tt.wantModel {
				t.Errorf("spec = %s/%s, want %s/%s", spec.Name, spec.Model, tt.wantName, tt.wantModel)
			}
			llm, err := spec.New("test-key")
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if llm == nil {
				t.Fatal("nil client")
			}
		})
	}
}

func TestNewSpecTrimsKeys(t *testing.T) {
	spec, err := NewSpec(SpecConfig{Name: "deepseek", Keys: []string{" a ", "", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(spec.Keys) != 2 || spec.Keys[0] != "a" || spec.Keys[1] != "b" {
		t.Errorf("Keys = %q", spec.Keys)
	}
}
