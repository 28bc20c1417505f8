package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/haasonsaas/loanagent/pkg/models"
)

// KeywordRule routes a message straight to Role when any keyword appears as
// a whole word.
type KeywordRule struct {
	Role     string
	Keywords []string
}

// DefaultKeywordRules are used when none are configured.
func DefaultKeywordRules() []KeywordRule {
	return []KeywordRule{
		{Role: RoleAPI, Keywords: []string{"api", "manipulate"}},
		{Role: RoleSQL, Keywords: []string{"sql", "query"}},
	}
}

// RouterOptions configures a Router.
type RouterOptions struct {
	// Rules are checked in order before the classifier.
	Rules []KeywordRule

	// Classifier picks a role when no keyword matches. Nil routes to
	// DefaultRole.
	Classifier *Runtime

	// DefaultRole handles messages the classifier cannot place. Defaults
	// to RoleAPI.
	DefaultRole string

	Logger *slog.Logger
}

// RouteMethod says how the router chose a role.
type RouteMethod string

const (
	RoutedByKeyword    RouteMethod = "keyword"
	RoutedByClassifier RouteMethod = "classifier"
	RoutedByDefault    RouteMethod = "default"
)

// Routing is the router's decision for one message. Role is empty when the
// classifier itself failed.
type Routing struct {
	Role   string
	Method RouteMethod
}

type compiledRule struct {
	role     string
	patterns []*regexp.Regexp
}

// Router sends each message to the runtime of the right role.
type Router struct {
	runtimes    map[string]*Runtime
	rules       []compiledRule
	classifier  *Runtime
	defaultRole string
	logger      *slog.Logger
}

// NewRouter builds a router over the enabled role runtimes.
func NewRouter(runtimes []*Runtime, opts RouterOptions) (*Router, error) {
	if len(runtimes) == 0 {
		return nil, errors.New("at least one agent runtime is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		runtimes:    make(map[string]*Runtime, len(runtimes)),
		classifier:  opts.Classifier,
		defaultRole: opts.DefaultRole,
		logger:      logger.With("component", "router"),
	}
	for _, rt := range runtimes {
		r.runtimes[rt.Role()] = rt
	}
	if r.defaultRole == "" {
		r.defaultRole = RoleAPI
	}

	rules := opts.Rules
	if rules == nil {
		rules = DefaultKeywordRules()
	}
	for _, rule := range rules {
		compiled := compiledRule{role: rule.Role}
		for _, kw := range rule.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				continue
			}
			re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("keyword %q: %w", kw, err)
			}
			compiled.patterns = append(compiled.patterns, re)
		}
		r.rules = append(r.rules, compiled)
	}
	return r, nil
}

// DetectByKeywords returns the role whose keyword appears in text, or "".
func (r *Router) DetectByKeywords(text string) string {
	for _, rule := range r.rules {
		for _, re := range rule.patterns {
			if re.MatchString(text) {
				return rule.role
			}
		}
	}
	return ""
}

// Dispatch picks a role and invokes it. It returns how the role was chosen
// and the role's result.
func (r *Router) Dispatch(ctx context.Context, conversationKey, ownerID string, msg models.InboundMessage, maxRetries int) (Routing, Result) {
	routing := Routing{Role: r.DetectByKeywords(msg.Text), Method: RoutedByKeyword}
	switch {
	case routing.Role != "":
		r.logger.DebugContext(ctx, "routed by keyword", "role", routing.Role)
	case r.classifier != nil:
		routing.Method = RoutedByClassifier
		switch res := r.classifier.Invoke(ctx, conversationKey, ownerID, msg, maxRetries).(type) {
		case Route:
			routing.Role = res.Agent
			r.logger.InfoContext(ctx, "routed by classifier", "role", routing.Role, "confidence", res.Confidence)
		case Unavailable, Failure:
			return routing, res
		default:
			routing = Routing{Role: r.defaultRole, Method: RoutedByDefault}
		}
	default:
		routing = Routing{Role: r.defaultRole, Method: RoutedByDefault}
	}

	rt, ok := r.runtimes[routing.Role]
	if !ok {
		r.logger.WarnContext(ctx, "selected agent is disabled", "role", routing.Role)
		return routing, PlainMessage{Text: fmt.Sprintf("The %s agent is currently disabled.", strings.ToUpper(routing.Role))}
	}
	return routing, rt.Invoke(ctx, conversationKey, ownerID, msg, maxRetries)
}
