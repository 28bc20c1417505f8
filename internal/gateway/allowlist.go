package gateway

import (
	"strings"
)

// allowlist matches conversation keys and sender ids. WhatsApp ids are
// compared by their user part, so "84911111111", "+84911111111" and
// "84911111111@s.whatsapp.net" are the same entry.
type allowlist struct {
	tokens map[string]struct{}
	any    bool
}

func newAllowlist(entries []string) *allowlist {
	a := &allowlist{tokens: make(map[string]struct{}, len(entries))}
	for _, entry := range entries {
		token := normalizeAllowToken(entry)
		switch token {
		case "":
		case "*":
			a.any = true
		default:
			a.tokens[token] = struct{}{}
		}
	}
	return a
}

// permits reports whether any id is whitelisted. An empty list permits all.
func (a *allowlist) permits(ids ...string) bool {
	if a.any || len(a.tokens) == 0 {
		return true
	}
	for _, id := range ids {
		if _, ok := a.tokens[normalizeAllowToken(id)]; ok {
			return true
		}
	}
	return false
}

func (a *allowlist) size() int {
	if a.any {
		return -1
	}
	return len(a.tokens)
}

func normalizeAllowToken(value string) string {
	token := strings.TrimSpace(value)
	if token == "" || token == "*" {
		return token
	}
	token = strings.TrimPrefix(token, "+")
	if user, server, ok := strings.Cut(token, "@"); ok {
		// Keep group ids distinct from user ids.
		if server == "g.us" {
			return strings.ToLower(token)
		}
		token = user
	}
	// Drop the device suffix ("84911111111:12").
	if user, _, ok := strings.Cut(token, ":"); ok {
		token = user
	}
	return strings.ToLower(strings.TrimSpace(token))
}
