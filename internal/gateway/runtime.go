package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/text/language"

	"github.com/haasonsaas/loanagent/internal/agent"
	"github.com/haasonsaas/loanagent/internal/audit"
	"github.com/haasonsaas/loanagent/internal/catalog"
	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/config"
	"github.com/haasonsaas/loanagent/internal/executors"
	"github.com/haasonsaas/loanagent/internal/models"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/pending"
	"github.com/haasonsaas/loanagent/internal/storage"
)

// keySettings name the app_settings rows holding comma-separated API keys
// per provider kind. They are used when a provider entry lists no keys.
var keySettings = map[string]string{
	models.KindOpenAI:     "OPENAI_API_KEYS",
	models.KindGemini:     "GOOGLEAI_API_KEYS",
	models.KindOpenRouter: "OPENROUTER_API_KEYS",
	models.KindDeepSeek:   "DEEPSEEK_API_KEYS",
	models.KindAnthropic:  "ANTHROPIC_API_KEYS",
}

// BuildOptions are the collaborators Build does not create itself.
type BuildOptions struct {
	Config    *config.Config
	Transport channels.Transport

	// Store holds settings, api logs and the embedding cache. Required.
	Store *storage.Store

	// Gatherer backs /metrics. Metrics must be registered with it.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics

	// HTTPClient is used for model providers. Nil uses their defaults.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// Stack is a fully wired agent gateway.
type Stack struct {
	Server    *Server
	Router    *agent.Router
	Selector  *models.Selector
	Catalog   *catalog.Registry
	Indexes   catalog.Indexes
	Audit     *audit.Logger
	Retention *Retention
	HTTP      *HTTPServer

	settings runtimeSettings
	indexed  bool
	watch    bool
	sqlDB    *sql.DB
	logger   *slog.Logger
}

// runtimeSettings are the values resolved from the config file and the
// app_settings table.
type runtimeSettings struct {
	whitelist        []string
	enableClassifier bool
	enableAPI        bool
	enableSQL        bool
	apiKeywords      []string
	sqlKeywords      []string
	baseAPIURL       string
	locale           string
	modelPriority    []string
	useEmbedding     bool
	embeddingModel   string
	limitAPI         int
	limitSQL         int
	limitSchema      int
	sqlDSN           string
}

// resolveSettings overlays app_settings on the config file. The toggles,
// keywords, locale, priority and embedding limits come from the table; the
// API base URL and SQL DSN come from the file when it sets them.
func resolveSettings(ctx context.Context, cfg *config.Config, store *storage.Store) runtimeSettings {
	rs := runtimeSettings{
		whitelist:        append([]string(nil), cfg.Access.Whitelist...),
		enableClassifier: store.GetBool(ctx, storage.SettingEnableClassifier, true),
		enableAPI:        store.GetBool(ctx, storage.SettingEnableAPIAgent, true),
		enableSQL:        store.GetBool(ctx, storage.SettingEnableSQLAgent, true),
		apiKeywords:      store.GetList(ctx, storage.SettingAPIKeywords),
		sqlKeywords:      store.GetList(ctx, storage.SettingSQLKeywords),
		baseAPIURL:       cfg.Executors.API.BaseURL,
		locale:           cfg.Agents.Locale,
		modelPriority:    store.GetList(ctx, storage.SettingModelPriority),
		useEmbedding:     cfg.Embeddings.Enabled && store.GetBool(ctx, storage.SettingUseEmbedding, true),
		embeddingModel:   cfg.Embeddings.Model,
		limitAPI:         store.GetInt(ctx, storage.SettingEmbeddingLimitAPI, cfg.Embeddings.LimitAPI),
		limitSQL:         store.GetInt(ctx, storage.SettingEmbeddingLimitSQL, cfg.Embeddings.LimitSQL),
		limitSchema:      store.GetInt(ctx, storage.SettingEmbeddingLimitSchema, cfg.Embeddings.LimitSchema),
		sqlDSN:           cfg.Executors.SQL.DSN,
	}
	rs.whitelist = append(rs.whitelist, store.GetList(ctx, storage.SettingWhitelist)...)
	if len(rs.apiKeywords) == 0 {
		rs.apiKeywords = cfg.Agents.APIKeywords
	}
	if len(rs.sqlKeywords) == 0 {
		rs.sqlKeywords = cfg.Agents.SQLKeywords
	}
	if rs.baseAPIURL == "" {
		rs.baseAPIURL = store.GetString(ctx, storage.SettingBaseAPIURL, "")
	}
	if loc := store.GetString(ctx, storage.SettingLocale, ""); loc != "" {
		if _, err := language.Parse(loc); err == nil {
			rs.locale = loc
		}
	}
	if rs.embeddingModel == "" {
		rs.embeddingModel = store.GetString(ctx, storage.SettingEmbeddingModel, "")
	}
	if rs.sqlDSN == "" {
		rs.sqlDSN = store.GetString(ctx, "SQL_DSN", "")
	}
	return rs
}

// Build wires every component from the configuration. Nothing touches the
// network until Start.
func Build(ctx context.Context, opts BuildOptions) (_ *Stack, err error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	st := &Stack{logger: logger, watch: cfg.Catalog.Watch}
	defer func() {
		if err != nil {
			st.release()
		}
	}()
	st.settings = resolveSettings(ctx, cfg, opts.Store)
	rs := st.settings

	selector, err := buildSelector(ctx, cfg.Models, rs.modelPriority, opts.Store, opts.HTTPClient, opts.Metrics, logger)
	if err != nil {
		return nil, err
	}
	st.Selector = selector

	reg, err := catalog.NewRegistry(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	st.Catalog = reg

	promptOpts := catalog.PromptOptions{
		Locale:      rs.locale,
		LimitAPI:    rs.limitAPI,
		LimitSQL:    rs.limitSQL,
		LimitSchema: rs.limitSchema,
		Logger:      logger,
	}
	if promptOpts.Templates, err = loadTemplates(cfg.Agents.Prompts); err != nil {
		return nil, err
	}
	if rs.useEmbedding {
		ix, ok, err := buildIndexes(cfg.Embeddings, rs.embeddingModel, opts.Store, opts.Metrics, logger)
		if err != nil {
			return nil, err
		}
		if ok {
			st.Indexes, st.indexed = ix, true
			promptOpts.UseEmbedding = true
			promptOpts.API, promptOpts.SQL, promptOpts.Schema = ix.API, ix.SQL, ix.Schema
		}
	}
	prompter := catalog.NewPrompter(reg, promptOpts)

	st.Audit, err = audit.NewLogger(cfg.Audit, logger, opts.Store)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	router, err := buildRouter(cfg, rs, selector, reg, prompter, st.Audit, opts.Metrics, logger)
	if err != nil {
		return nil, err
	}
	st.Router = router

	dispatcher, sqlDB, err := buildExecutors(ctx, cfg.Executors, rs, reg, opts.Metrics, logger)
	if err != nil {
		return nil, err
	}
	st.sqlDB = sqlDB

	wa := cfg.Transport.WhatsApp
	st.Server, err = New(opts.Transport, router, dispatcher, Options{
		Whitelist:   rs.whitelist,
		MaxRetries:  cfg.Agents.MaxRetries,
		ChunkSize:   cfg.Gateway.ChunkSize,
		SendTyping:  wa.SendTypingEnabled(),
		TypingDelay: cfg.Gateway.TypingDelay,
		ItemTimeout: cfg.Gateway.ItemTimeout,
		Pending: pending.Options{
			BaseTimeout:   cfg.Pending.BaseTimeout,
			Stagger:       cfg.Pending.Stagger,
			ConfirmSymbol: cfg.Pending.ConfirmSymbol,
			CancelSymbol:  cfg.Pending.CancelSymbol,
		},
		Metrics: opts.Metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	st.Retention, err = NewRetention(cfg.Retention.Schedule, cfg.Retention.MaxAge, opts.Store, logger)
	if err != nil {
		return nil, err
	}

	if addr := cfg.Observability.MetricsAddr; addr != "" {
		st.HTTP = NewHTTPServer(addr, opts.Gatherer, map[string]HealthCheck{
			"store": opts.Store.Ping,
			"transport": func(context.Context) error {
				if ok, reason := st.Server.Healthy(); !ok {
					return errors.New(reason)
				}
				return nil
			},
		}, logger)
	}
	return st, nil
}

// Start indexes the catalog, starts background jobs and connects the
// transport.
func (st *Stack) Start(ctx context.Context) error {
	if st.indexed {
		if err := syncIndexes(ctx, st.Catalog, st.Indexes, st.logger); err != nil {
			// Prompts fall back to the full catalog for stores that failed.
			st.logger.Warn("initial catalog indexing failed", "error", err)
		}
	}
	if st.watch {
		if err := st.Catalog.Watch(ctx); err != nil {
			return fmt.Errorf("watch catalog: %w", err)
		}
	}
	if st.HTTP != nil {
		if err := st.HTTP.Start(); err != nil {
			return err
		}
	}
	st.Retention.Start()
	return st.Server.Start(ctx)
}

// Close stops everything Start started and releases resources.
func (st *Stack) Close(ctx context.Context) error {
	var errs []error
	if st.Server != nil {
		errs = append(errs, st.Server.Stop(ctx))
	}
	if st.Retention != nil {
		errs = append(errs, st.Retention.Stop(ctx))
	}
	if st.HTTP != nil {
		errs = append(errs, st.HTTP.Shutdown(ctx))
	}
	return errors.Join(append(errs, st.release())...)
}

func (st *Stack) release() error {
	var errs []error
	if st.Catalog != nil {
		errs = append(errs, st.Catalog.Close())
	}
	if st.Audit != nil {
		errs = append(errs, st.Audit.Close())
	}
	if st.sqlDB != nil {
		errs = append(errs, st.sqlDB.Close())
	}
	return errors.Join(errs...)
}

func buildSelector(ctx context.Context, cfg config.ModelsConfig, priority []string, store *storage.Store, client *http.Client, metrics *observability.Metrics, logger *slog.Logger) (*models.Selector, error) {
	specs := make([]models.ProviderSpec, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		keys := p.Keys
		if len(keys) == 0 {
			if setting, ok := keySettings[p.ProviderKind()]; ok {
				keys = store.GetList(ctx, setting)
			}
		}
		spec, err := models.NewSpec(models.SpecConfig{
			Name:       p.Name,
			Kind:       p.Kind,
			Model:      p.Model,
			BaseURL:    p.BaseURL,
			Keys:       keys,
			HTTPClient: client,
		})
		if err != nil {
			return nil, fmt.Errorf("model provider %q: %w", p.Name, err)
		}
		if len(spec.Keys) == 0 {
			logger.Warn("model provider has no keys", "provider", p.Name)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		logger.Warn("no model providers configured; every message will be answered as unavailable")
	}
	return models.NewSelector(models.Prioritize(specs, priority), models.SelectorOptions{
		Cooldown: cfg.Cooldown,
		Logger:   logger,
		Metrics:  metrics,
	})
}

func buildRouter(cfg *config.Config, rs runtimeSettings, selector agent.ModelSelector, reg *catalog.Registry, prompter *catalog.Prompter, sink agent.AuditSink, metrics *observability.Metrics, logger *slog.Logger) (*agent.Router, error) {
	runtimeOpts := agent.RuntimeOptions{
		Selector:    selector,
		Memory:      agent.NewMemory(cfg.Agents.MemorySize),
		Audit:       sink,
		Metrics:     metrics,
		CallTimeout: cfg.Models.CallTimeout,
		MaxTokens:   cfg.Models.MaxTokens,
		Temperature: cfg.Models.Temperature,
		Logger:      logger,
	}
	checker := catalog.NewChecker(reg, cfg.Executors.SQL.Policy == config.SQLPolicyAllowAdHoc)

	var runtimes []*agent.Runtime
	add := func(role *agent.Role, err error) error {
		if err != nil {
			return err
		}
		rt, err := agent.NewRuntime(role, runtimeOpts)
		if err != nil {
			return fmt.Errorf("%s runtime: %w", role.Name, err)
		}
		runtimes = append(runtimes, rt)
		return nil
	}
	if rs.enableAPI {
		if err := add(agent.NewAPIRole(prompter.APIPrompt, checker.Check)); err != nil {
			return nil, err
		}
	}
	if rs.enableSQL {
		if err := add(agent.NewSQLRole(prompter.SQLPrompt, checker.Check)); err != nil {
			return nil, err
		}
	}
	if len(runtimes) == 0 {
		return nil, errors.New("both the API and SQL agents are disabled")
	}

	var classifier *agent.Runtime
	if rs.enableClassifier {
		role, err := agent.NewClassifierRole(prompter.ClassifierPrompt)
		if err != nil {
			return nil, err
		}
		if classifier, err = agent.NewRuntime(role, runtimeOpts); err != nil {
			return nil, fmt.Errorf("classifier runtime: %w", err)
		}
	}

	return agent.NewRouter(runtimes, agent.RouterOptions{
		Rules: []agent.KeywordRule{
			{Role: agent.RoleAPI, Keywords: rs.apiKeywords},
			{Role: agent.RoleSQL, Keywords: rs.sqlKeywords},
		},
		Classifier:  classifier,
		DefaultRole: cfg.Agents.DefaultRole,
		Logger:      logger,
	})
}

func buildExecutors(ctx context.Context, cfg config.ExecutorsConfig, rs runtimeSettings, reg *catalog.Registry, metrics *observability.Metrics, logger *slog.Logger) (*executors.Dispatcher, *sql.DB, error) {
	var apiRunner, sqlRunner executors.Runner

	if rs.baseAPIURL != "" {
		api, err := executors.NewAPIExecutor(executors.APIConfig{
			BaseURL: rs.baseAPIURL,
			Headers: cfg.API.Headers,
			Timeout: cfg.API.Timeout,
			Catalog: reg,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		apiRunner = api
	} else {
		logger.Warn("no api base url configured; api actions are disabled")
	}

	var db *sql.DB
	if rs.sqlDSN != "" {
		var err error
		db, err = executors.OpenDB(ctx, executors.DBConfig{
			Driver:       cfg.SQL.Driver,
			DSN:          rs.sqlDSN,
			MaxOpenConns: cfg.SQL.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("business database: %w", err)
		}
		exec, err := executors.NewSQLExecutor(db, reg, executors.SQLOptions{
			Policy:       executors.SQLPolicy(cfg.SQL.Policy),
			QueryTimeout: cfg.SQL.QueryTimeout,
			MaxRows:      cfg.SQL.MaxRows,
			Logger:       logger,
		})
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		sqlRunner = exec
	} else {
		logger.Warn("no sql dsn configured; sql actions are disabled")
	}

	return executors.NewDispatcher(apiRunner, sqlRunner, metrics, logger), db, nil
}

// loadTemplates reads prompt template overrides from disk.
func loadTemplates(paths config.PromptsConfig) (catalog.Templates, error) {
	var t catalog.Templates
	for _, f := range []struct {
		path string
		dst  *string
	}{
		{paths.API, &t.API},
		{paths.SQL, &t.SQL},
		{paths.Classifier, &t.Classifier},
	} {
		if strings.TrimSpace(f.path) == "" {
			continue
		}
		data, err := os.ReadFile(f.path)
		if err != nil {
			return t, fmt.Errorf("prompt template: %w", err)
		}
		*f.dst = string(data)
	}
	return t, nil
}
