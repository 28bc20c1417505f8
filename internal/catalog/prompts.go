package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/haasonsaas/loanagent/internal/rag/index"
)

// Template placeholders.
const (
	PlaceholderAPIList     = "{{API_LIST}}"
	PlaceholderSQLRegistry = "{{SQL_REGISTRY}}"
	PlaceholderSchema      = "{{SCHEMA}}"
	PlaceholderLocale      = "{{LOCALE}}"
)

// DefaultAPITemplate is the api role system prompt.
const DefaultAPITemplate = `You are an AI assistant that can only handle requests related to the following APIs:

{{API_LIST}}

### Instructions:
- Every response must include a field "thoughts", which is an array of strings describing your reasoning.
- Determine whether the user's request is within the scope of the supported APIs.
- Always clarify if the user input is ambiguous; do NOT make assumptions.
- Use informal, daily human language when communicating with the user.
- For API calls, only use data provided by the user. Do NOT fill in parameters from examples, defaults, or your own knowledge.
- If any required information is missing, ask for it clearly and politely.
- Return a JSON object with type "api_action" if the request is valid and in scope.
- Return a JSON object with type "message" if the request is out of scope, unclear, or requires clarification.
- Use field mappings and allowed values from the registry.
- Enforce required formats (e.g., refNo must start with 1188).
- Respond in the language of the locale {{LOCALE}}.
- Return raw JSON only, with the fields thoughts, type, inScope and content. Do NOT wrap it in Markdown.`

// DefaultSQLTemplate is the sql role system prompt.
const DefaultSQLTemplate = `You are an AI assistant that answers questions about loan data by choosing a read-only SQL query.

Available queries:
{{SQL_REGISTRY}}

Database schema:
{{SCHEMA}}

### Instructions:
- Every response must include a field "thoughts", which is an array of strings describing your reasoning.
- Pick the registry query that answers the question and fill its parameters from the user's message.
- Return {"type": "sql_action", "inScope": true, "content": {"id": <query id>, "query": <query text>, "params": {...}}}.
- Never write data. Never invent tables or columns.
- If the question is unclear or out of scope, return type "message" with content.message asking for what is missing.
- Respond in the language of the locale {{LOCALE}}.
- Return raw JSON only. Do NOT wrap it in Markdown.`

// DefaultClassifierTemplate is the classifier role system prompt.
const DefaultClassifierTemplate = `You route chat messages for a loan operations assistant.

- "api": the user wants to create or change something (create a loan, extend or top up a portfolio, call an API).
- "sql": the user wants to look something up (customers, loans, products, payments, reports).

Return raw JSON only:
{"thoughts": ["..."], "type": "classifier", "inScope": true, "content": {"agent": "api" | "sql", "confidence": 0.0-1.0}}
Conversation locale: {{LOCALE}}.`

// Templates are the role prompt templates. Empty members use the defaults.
type Templates struct {
	API        string `yaml:"api"`
	SQL        string `yaml:"sql"`
	Classifier string `yaml:"classifier"`
}

func (t Templates) withDefaults() Templates {
	if t.API == "" {
		t.API = DefaultAPITemplate
	}
	if t.SQL == "" {
		t.SQL = DefaultSQLTemplate
	}
	if t.Classifier == "" {
		t.Classifier = DefaultClassifierTemplate
	}
	return t
}

// Finder looks up catalog entries relevant to a query.
type Finder interface {
	FindRelevant(ctx context.Context, query string, topK int) ([]index.Match, error)
}

// PromptOptions configures a Prompter.
type PromptOptions struct {
	Templates Templates

	// Locale is a BCP 47 tag. Default: en-US
	Locale string

	// UseEmbedding narrows the prompts to the entries most relevant to the
	// conversation. When false, or when lookups find nothing, the full
	// registries are used.
	UseEmbedding bool
	API          Finder
	SQL          Finder
	Schema       Finder

	LimitAPI    int // Default: 2
	LimitSQL    int // Default: 3
	LimitSchema int // Default: 6

	Logger *slog.Logger
}

// Prompter builds role system prompts from the catalog.
type Prompter struct {
	reg    *Registry
	opts   PromptOptions
	locale string
	logger *slog.Logger
}

// NewPrompter creates a prompter over reg.
func NewPrompter(reg *Registry, opts PromptOptions) *Prompter {
	opts.Templates = opts.Templates.withDefaults()
	if opts.LimitAPI <= 0 {
		opts.LimitAPI = 2
	}
	if opts.LimitSQL <= 0 {
		opts.LimitSQL = 3
	}
	if opts.LimitSchema <= 0 {
		opts.LimitSchema = 6
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Prompter{
		reg:    reg,
		opts:   opts,
		locale: LocaleLabel(opts.Locale),
		logger: opts.Logger.With("component", "prompts"),
	}
}

// APIPrompt builds the api role prompt for contextQuery.
func (p *Prompter) APIPrompt(ctx context.Context, contextQuery string) (string, error) {
	cat := p.reg.Snapshot()
	apis := cat.APIs
	if p.opts.UseEmbedding && p.opts.API != nil {
		ids := p.relevantIDs(ctx, p.opts.API, contextQuery, p.opts.LimitAPI)
		if picked := pick(cat.APIs, ids, func(e APIEntry) string { return e.ID }); len(picked) > 0 {
			apis = picked
			p.logger.DebugContext(ctx, "using relevant APIs", "ids", ids)
		} else {
			p.logger.DebugContext(ctx, "using full API registry")
		}
	}
	return p.render(p.opts.Templates.API, PlaceholderAPIList, RenderAPIs(apis)), nil
}

// SQLPrompt builds the sql role prompt for contextQuery. Relevance narrowing
// applies only when both the query and schema lookups find something.
func (p *Prompter) SQLPrompt(ctx context.Context, contextQuery string) (string, error) {
	cat := p.reg.Snapshot()
	queries, schemas := cat.SQL, cat.Schemas
	if p.opts.UseEmbedding && p.opts.SQL != nil && p.opts.Schema != nil {
		sqlIDs := p.relevantIDs(ctx, p.opts.SQL, contextQuery, p.opts.LimitSQL)
		schemaIDs := p.relevantIDs(ctx, p.opts.Schema, contextQuery, p.opts.LimitSchema)
		pickedSQL := pick(cat.SQL, sqlIDs, func(e SQLEntry) string { return e.ID })
		pickedSchemas := pick(cat.Schemas, schemaIDs, func(e SchemaEntry) string { return e.ID })
		if len(pickedSQL) > 0 && len(pickedSchemas) > 0 {
			queries, schemas = pickedSQL, pickedSchemas
		}
	}
	out := strings.Replace(p.opts.Templates.SQL, PlaceholderSQLRegistry, RenderSQL(queries), 1)
	out = strings.Replace(out, PlaceholderSchema, RenderSchemas(schemas), 1)
	return strings.ReplaceAll(out, PlaceholderLocale, p.locale), nil
}

// ClassifierPrompt builds the classifier prompt.
func (p *Prompter) ClassifierPrompt(context.Context, string) (string, error) {
	return strings.ReplaceAll(p.opts.Templates.Classifier, PlaceholderLocale, p.locale), nil
}

func (p *Prompter) render(template, placeholder, body string) string {
	out := strings.Replace(template, placeholder, body, 1)
	return strings.ReplaceAll(out, PlaceholderLocale, p.locale)
}

func (p *Prompter) relevantIDs(ctx context.Context, f Finder, query string, limit int) []string {
	matches, err := f.FindRelevant(ctx, query, limit)
	if err != nil {
		p.logger.WarnContext(ctx, "relevance lookup failed, using full registry", "error", err)
		return nil
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ID)
	}
	return ids
}

// pick returns the entries named by ids, in ids order. Unknown ids are
// skipped.
func pick[T any](entries []T, ids []string, id func(T) string) []T {
	if len(ids) == 0 {
		return nil
	}
	byID := make(map[string]T, len(entries))
	for _, e := range entries {
		byID[id(e)] = e
	}
	out := make([]T, 0, len(ids))
	for _, want := range ids {
		if e, ok := byID[want]; ok {
			out = append(out, e)
		}
	}
	return out
}

// RenderAPIs renders API entries with field docs and worked examples.
func RenderAPIs(apis []APIEntry) string {
	blocks := make([]string, 0, len(apis))
	for _, e := range apis {
		var b strings.Builder
		fmt.Fprintf(&b, "### %s - %s\n", e.ID, e.Description)
		for _, f := range e.Fields {
			req := "[optional]"
			if f.Required {
				req = "[required]"
			}
			fmt.Fprintf(&b, "- **%s** (%s) %s: %s\n", f.Name, f.Type, req, f.Instructions)
			if len(f.Enum) > 0 {
				fmt.Fprintf(&b, "  - Allowed values: %s\n", strings.Join(f.Enum, ", "))
			}
			if len(f.Mapping) > 0 {
				mapping, _ := json.Marshal(f.Mapping)
				fmt.Fprintf(&b, "  - Mapping: %s\n", mapping)
			}
		}
		for i, ex := range e.Examples {
			reply := map[string]any{
				"thoughts": []string{
					"Mapped product name to code using the registry",
					"All required fields provided",
					"Ready to call API",
				},
				"type":    "api_action",
				"inScope": true,
				"content": map[string]any{
					"apis":    []map[string]any{{"id": e.ID, "params": ex.Params}},
					"message": nil,
				},
			}
			out, _ := json.MarshalIndent(reply, "", "  ")
			fmt.Fprintf(&b, "\nExample %d:\nInput: %q\nOutput: %s\n", i+1, ex.Input, out)
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}
	return strings.Join(blocks, "\n\n")
}

// RenderSQL renders SQL registry entries.
func RenderSQL(entries []SQLEntry) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		params := strings.Join(e.Params, ", ")
		if params == "" {
			params = "none"
		}
		blocks = append(blocks, fmt.Sprintf("### SQL Registry Entry\nID: %s\nDescription: %s\nQuery: %s\nParameters: %s",
			e.ID, e.Description, e.Query, params))
	}
	return strings.Join(blocks, "\n\n")
}

// RenderSchemas renders schema entries.
func RenderSchemas(entries []SchemaEntry) string {
	blocks := make([]string, 0, len(entries))
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "### Schema Entry\nID: %s\nTable: %s\nDescription: %s\nColumns:\n", e.ID, e.Table, e.Description)
		for _, c := range e.Columns {
			fmt.Fprintf(&b, "- %s (%s): %s\n", c.Name, c.Type, c.Description)
		}
		b.WriteString("Relations:\n")
		if len(e.Relations) == 0 {
			b.WriteString("- none")
		}
		for i, r := range e.Relations {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "- %s -> %s (%s)", r.Column, r.References, r.Description)
		}
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

// LocaleLabel renders a locale tag with its English name, e.g.
// "vi-VN (Vietnamese)". Unparseable tags are returned unchanged.
func LocaleLabel(locale string) string {
	if locale == "" {
		locale = "en-US"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return locale
	}
	base, _ := tag.Base()
	name := display.English.Languages().Name(base)
	if name == "" {
		return tag.String()
	}
	return fmt.Sprintf("%s (%s)", tag.String(), name)
}
