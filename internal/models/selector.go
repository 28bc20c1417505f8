// Package models hands out model credentials across prioritized providers.
//
// Each provider owns an ordered list of API keys and a round-robin cursor.
// Acquire walks providers in priority order and, within a provider, starts at
// the cursor and skips keys that are cooling down after a quota failure. The
// cursor advances past every key it inspects, so consecutive calls spread load
// across keys even when every call succeeds.
package models

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/observability"
)

// DefaultCooldown is how long a key is skipped after a quota failure.
const DefaultCooldown = 60 * time.Second

// ProviderSpec describes one provider in the priority list.
type ProviderSpec struct {
	// Name labels the provider in handles, logs and metrics.
	Name string

	// Model is the model identifier sent with each call.
	Model string

	// Keys are the API keys, tried round-robin.
	Keys []string

	// New builds a client bound to one key. Clients are created lazily and
	// reused for the lifetime of the selector.
	New func(key string) (agent.LLMProvider, error)
}

// SelectorOptions tunes a Selector.
type SelectorOptions struct {
	Cooldown time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
	Metrics  *observability.Metrics
}

// KeyState is a snapshot of one key's cooldown.
type KeyState struct {
	Provider      string
	KeyIndex      int
	KeyHint       string
	CooldownUntil time.Time
}

type providerState struct {
	spec     ProviderSpec
	cursor   int
	cooldown map[int]time.Time
	clients  map[int]agent.LLMProvider
}

// Selector is the process-wide agent.ModelSelector.
type Selector struct {
	mu        sync.Mutex
	providers []*providerState
	cooldown  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics
}

var _ agent.ModelSelector = (*Selector)(nil)

// NewSelector creates a selector over specs in priority order. Providers
// without keys are kept but never yield a handle.
func NewSelector(specs []ProviderSpec, opts SelectorOptions) (*Selector, error) {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Selector{
		cooldown: opts.Cooldown,
		now:      opts.Now,
		logger:   opts.Logger.With("component", "model-selector"),
		metrics:  opts.Metrics,
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("model provider name is required")
		}
		if spec.New == nil {
			return nil, fmt.Errorf("model provider %q has no client constructor", spec.Name)
		}
		key := strings.ToLower(spec.Name)
		if seen[key] {
			return nil, fmt.Errorf("duplicate model provider %q", spec.Name)
		}
		seen[key] = true
		s.providers = append(s.providers, &providerState{
			spec:     spec,
			cooldown: make(map[int]time.Time),
			clients:  make(map[int]agent.LLMProvider),
		})
	}
	return s, nil
}

// Acquire returns the next usable key of the highest-priority provider that
// has one, or nil. It never blocks on the network.
func (s *Selector) Acquire() *agent.ModelHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, p := range s.providers {
		n := len(p.spec.Keys)
		for attempts := 0; attempts < n; attempts++ {
			idx := p.cursor
			p.cursor = (idx + 1) % n

			if until, ok := p.cooldown[idx]; ok && until.After(now) {
				continue
			}
			client, err := p.client(idx)
			if err != nil {
				s.logger.Warn("model client unavailable",
					"provider", p.spec.Name,
					"key", observability.MaskKey(p.spec.Keys[idx]),
					"error", err)
				p.cooldown[idx] = now.Add(s.cooldown)
				continue
			}

			hint := observability.MaskKey(p.spec.Keys[idx])
			s.logger.Debug("model acquired", "provider", p.spec.Name, "model", p.spec.Model, "key_index", idx, "key", hint)
			return &agent.ModelHandle{
				Provider: p.spec.Name,
				Model:    p.spec.Model,
				KeyIndex: idx,
				KeyHint:  hint,
				LLM:      client,
			}
		}
	}
	s.logger.Warn("no model available")
	return nil
}

// Penalize puts the handle's key on cooldown. Unknown handles are ignored.
func (s *Selector) Penalize(h *agent.ModelHandle) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.providers {
		if p.spec.Name != h.Provider {
			continue
		}
		if h.KeyIndex < 0 || h.KeyIndex >= len(p.spec.Keys) {
			return
		}
		until := s.now().Add(s.cooldown)
		p.cooldown[h.KeyIndex] = until
		s.metrics.RecordCooldown(p.spec.Name)
		s.logger.Warn("model key cooling down",
			"provider", p.spec.Name,
			"key", h.KeyHint,
			"until", until.Format(time.RFC3339))
		return
	}
}

// States reports every key with its cooldown deadline. Keys that were never
// penalized have a zero CooldownUntil.
func (s *Selector) States() []KeyState {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []KeyState
	for _, p := range s.providers {
		for i, key := range p.spec.Keys {
			out = append(out, KeyState{
				Provider:      p.spec.Name,
				KeyIndex:      i,
				KeyHint:       observability.MaskKey(key),
				CooldownUntil: p.cooldown[i],
			})
		}
	}
	return out
}

func (p *providerState) client(idx int) (agent.LLMProvider, error) {
	if c, ok := p.clients[idx]; ok {
		return c, nil
	}
	c, err := p.spec.New(p.spec.Keys[idx])
	if err != nil {
		return nil, err
	}
	p.clients[idx] = c
	return c, nil
}

// Prioritize reorders specs so that names listed in priority come first, in
// that order. Unlisted providers keep their relative order after them.
// Matching is case-insensitive; unknown names are ignored.
func Prioritize(specs []ProviderSpec, priority []string) []ProviderSpec {
	out := make([]ProviderSpec, 0, len(specs))
	used := make([]bool, len(specs))
	for _, name := range priority {
		name = strings.TrimSpace(name)
		for i, spec := range specs {
			if !used[i] && strings.EqualFold(spec.Name, name) {
				out = append(out, spec)
				used[i] = true
				break
			}
		}
	}
	for i, spec := range specs {
		if !used[i] {
			out = append(out, spec)
		}
	}
	return out
}
