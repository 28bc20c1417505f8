// Package config loads the loanagent configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/loanagent/internal/audit"
)

// Config is the main configuration structure for loanagent.
type Config struct {
	Version       int                 `yaml:"version"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
	Transport     TransportConfig     `yaml:"transport"`
	Access        AccessConfig        `yaml:"access"`
	Models        ModelsConfig        `yaml:"models"`
	Agents        AgentsConfig        `yaml:"agents"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Pending       PendingConfig       `yaml:"pending"`
	Executors     ExecutorsConfig     `yaml:"executors"`
	Storage       StorageConfig       `yaml:"storage"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Retention     RetentionConfig     `yaml:"retention"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Audit         audit.Config        `yaml:"audit"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// ObservabilityConfig configures the metrics endpoint and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /healthz. Empty disables the listener.
	MetricsAddr string        `yaml:"metrics_addr"`
	Tracing     TracingConfig `yaml:"tracing"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// Transport kinds.
const (
	TransportWhatsApp = "whatsapp"
	TransportConsole  = "console"
)

// TransportConfig selects the chat transport.
type TransportConfig struct {
	Kind     string         `yaml:"kind"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

type WhatsAppConfig struct {
	SessionPath    string        `yaml:"session_path"`
	SendTyping     *bool         `yaml:"send_typing"`
	EventBuffer    int           `yaml:"event_buffer"`
	PairingTimeout time.Duration `yaml:"pairing_timeout"`
}

// AccessConfig limits which conversations the agent answers. The
// WHITELIST setting is added to this list at startup; both empty serves
// everyone.
type AccessConfig struct {
	Whitelist []string `yaml:"whitelist"`
}

// ModelsConfig lists model providers in priority order.
type ModelsConfig struct {
	Providers   []ModelProviderConfig `yaml:"providers"`
	Cooldown    time.Duration         `yaml:"cooldown"`
	CallTimeout time.Duration         `yaml:"call_timeout"`
	MaxTokens   int                   `yaml:"max_tokens"`
	Temperature float32               `yaml:"temperature"`
}

// ModelProviderConfig is one entry of the priority list.
type ModelProviderConfig struct {
	Name    string   `yaml:"name"`
	Kind    string   `yaml:"kind"` // openai, openrouter, deepseek, gemini, anthropic; defaults to name
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	Keys    []string `yaml:"keys"`
}

// AgentsConfig tunes the agent roles. Role toggles and keywords can be
// overridden from the settings table.
type AgentsConfig struct {
	MaxRetries  int      `yaml:"max_retries"`
	MemorySize  int      `yaml:"memory_size"`
	Locale      string   `yaml:"locale"`
	DefaultRole string   `yaml:"default_role"`
	APIKeywords []string `yaml:"api_keywords"`
	SQLKeywords []string `yaml:"sql_keywords"`
	// Prompt template files. Empty uses the built-in templates.
	Prompts PromptsConfig `yaml:"prompts"`
}

type PromptsConfig struct {
	API        string `yaml:"api"`
	SQL        string `yaml:"sql"`
	Classifier string `yaml:"classifier"`
}

// EmbeddingsConfig configures relevance narrowing of the prompts.
type EmbeddingsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"` // openai, gemini, ollama
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`

	LimitAPI    int `yaml:"limit_api"`
	LimitSQL    int `yaml:"limit_sql"`
	LimitSchema int `yaml:"limit_schema"`

	// Cache is "sqlite" (the local store) or "file" (JSON files in CacheDir).
	Cache          string `yaml:"cache"`
	CacheDir       string `yaml:"cache_dir"`
	QueryCacheSize int    `yaml:"query_cache_size"`
}

type PendingConfig struct {
	BaseTimeout   time.Duration `yaml:"base_timeout"`
	Stagger       time.Duration `yaml:"stagger"`
	ConfirmSymbol string        `yaml:"confirm_symbol"`
	CancelSymbol  string        `yaml:"cancel_symbol"`
}

type ExecutorsConfig struct {
	API APIExecutorConfig `yaml:"api"`
	SQL SQLExecutorConfig `yaml:"sql"`
}

type APIExecutorConfig struct {
	BaseURL string            `yaml:"base_url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// SQL policies.
const (
	SQLPolicyRegistryOnly = "registry_only"
	SQLPolicyAllowAdHoc   = "allow_ad_hoc"
)

type SQLExecutorConfig struct {
	Driver       string        `yaml:"driver"`
	DSN          string        `yaml:"dsn"`
	Policy       string        `yaml:"policy"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxRows      int           `yaml:"max_rows"`
	MaxOpenConns int           `yaml:"max_open_conns"`
}

type StorageConfig struct {
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

type CatalogConfig struct {
	// Path is a YAML file extending the built-in catalog.
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// RetentionConfig prunes old api_logs rows on a cron schedule.
type RetentionConfig struct {
	Schedule string        `yaml:"schedule"`
	MaxAge   time.Duration `yaml:"max_age"`
}

type GatewayConfig struct {
	ChunkSize   int           `yaml:"chunk_size"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
	// TypingDelay postpones the typing indicator so quick replies skip it.
	TypingDelay time.Duration `yaml:"typing_delay"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}

	if cfg.Transport.Kind == "" {
		cfg.Transport.Kind = TransportWhatsApp
	}
	wa := &cfg.Transport.WhatsApp
	if wa.SessionPath == "" {
		wa.SessionPath = "~/.loanagent/whatsapp/session.db"
	}
	if wa.SendTyping == nil {
		enabled := true
		wa.SendTyping = &enabled
	}
	if wa.EventBuffer == 0 {
		wa.EventBuffer = 100
	}
	if wa.PairingTimeout == 0 {
		wa.PairingTimeout = 3 * time.Minute
	}

	if cfg.Models.Cooldown == 0 {
		cfg.Models.Cooldown = 60 * time.Second
	}
	if cfg.Models.CallTimeout == 0 {
		cfg.Models.CallTimeout = 60 * time.Second
	}
	if cfg.Models.MaxTokens == 0 {
		cfg.Models.MaxTokens = 2048
	}

	if cfg.Agents.MaxRetries == 0 {
		cfg.Agents.MaxRetries = 2
	}
	if cfg.Agents.MemorySize == 0 {
		cfg.Agents.MemorySize = 5
	}
	if cfg.Agents.Locale == "" {
		cfg.Agents.Locale = "en-US"
	}
	if cfg.Agents.DefaultRole == "" {
		cfg.Agents.DefaultRole = "api"
	}

	emb := &cfg.Embeddings
	if emb.Provider == "" {
		emb.Provider = "openai"
	}
	if emb.LimitAPI == 0 {
		emb.LimitAPI = 2
	}
	if emb.LimitSQL == 0 {
		emb.LimitSQL = 3
	}
	if emb.LimitSchema == 0 {
		emb.LimitSchema = 6
	}
	if emb.Cache == "" {
		emb.Cache = "sqlite"
	}
	if emb.CacheDir == "" {
		emb.CacheDir = "data"
	}
	if emb.QueryCacheSize == 0 {
		emb.QueryCacheSize = 256
	}

	if cfg.Pending.BaseTimeout == 0 {
		cfg.Pending.BaseTimeout = 60 * time.Second
	}
	if cfg.Pending.Stagger == 0 {
		cfg.Pending.Stagger = 15 * time.Second
	}
	if cfg.Pending.ConfirmSymbol == "" {
		cfg.Pending.ConfirmSymbol = "👍"
	}

	if cfg.Executors.API.Timeout == 0 {
		cfg.Executors.API.Timeout = 30 * time.Second
	}
	if cfg.Executors.SQL.Driver == "" {
		cfg.Executors.SQL.Driver = "postgres"
	}
	if cfg.Executors.SQL.Policy == "" {
		cfg.Executors.SQL.Policy = SQLPolicyRegistryOnly
	}
	if cfg.Executors.SQL.QueryTimeout == 0 {
		cfg.Executors.SQL.QueryTimeout = 30 * time.Second
	}
	if cfg.Executors.SQL.MaxRows == 0 {
		cfg.Executors.SQL.MaxRows = 500
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "data/local.db"
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}

	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "@daily"
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 30 * 24 * time.Hour
	}

	if cfg.Gateway.ChunkSize == 0 {
		cfg.Gateway.ChunkSize = 400
	}
	if cfg.Gateway.ItemTimeout == 0 {
		cfg.Gateway.ItemTimeout = 5 * time.Minute
	}
	if cfg.Gateway.TypingDelay == 0 {
		cfg.Gateway.TypingDelay = 3 * time.Second
	}

	if cfg.Audit == (audit.Config{}) {
		cfg.Audit = audit.DefaultConfig()
	}
}

// ProviderKind returns the provider kind, defaulting to its name.
func (p ModelProviderConfig) ProviderKind() string {
	if k := strings.ToLower(strings.TrimSpace(p.Kind)); k != "" {
		return k
	}
	return strings.ToLower(strings.TrimSpace(p.Name))
}

// SendTypingEnabled reports whether the typing indicator is on.
func (w WhatsAppConfig) SendTypingEnabled() bool {
	return w.SendTyping == nil || *w.SendTyping
}

// String renders a one-line summary for logs.
func (c *Config) String() string {
	names := make([]string, 0, len(c.Models.Providers))
	for _, p := range c.Models.Providers {
		names = append(names, fmt.Sprintf("%s(%d keys)", p.Name, len(p.Keys)))
	}
	return fmt.Sprintf("transport=%s models=[%s] embeddings=%v sql_policy=%s",
		c.Transport.Kind, strings.Join(names, ","), c.Embeddings.Enabled, c.Executors.SQL.Policy)
}
