package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

const includeKey = "$include"

// Load reads, merges, decodes and validates a configuration file. An
// empty path returns the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := ValidateVersion(cfg.Version); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadRaw reads a configuration file into a raw map. Included files are
// merged first so the including file wins.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadFile(path, map[string]bool{})
}

func loadFile(path string, visiting map[string]bool) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[absPath] {
		return nil, fmt.Errorf("config include cycle at %s", absPath)
	}
	visiting[absPath] = true
	defer delete(visiting, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}
	raw, err := parseRaw([]byte(expandEnv(string(data))), absPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	includes, err := popIncludes(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(absPath), inc)
		}
		sub, err := loadFile(inc, visiting)
		if err != nil {
			return nil, err
		}
		merged = mergeMaps(merged, sub)
	}
	return mergeMaps(merged, raw), nil
}

// expandEnv substitutes ${NAME} and $NAME from the environment, leaving the
// $include directive in place.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		if "$"+name == includeKey {
			return includeKey
		}
		return os.Getenv(name)
	})
}

// parseRaw decodes JSON5 for .json/.json5 files and YAML otherwise.
func parseRaw(data []byte, name string) (map[string]any, error) {
	var raw map[string]any
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".json5":
		if err := json5.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return nil, errors.New("expected a single YAML document")
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}
	return raw, nil
}

func popIncludes(raw map[string]any) ([]string, error) {
	val, ok := raw[includeKey]
	if !ok {
		return nil, nil
	}
	delete(raw, includeKey)

	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, errors.New("$include entries must be strings")
			}
			if strings.TrimSpace(s) != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, errors.New("$include must be a string or a list of strings")
	}
}

func mergeMaps(dst, src map[string]any) map[string]any {
	for key, value := range src {
		if sub, ok := value.(map[string]any); ok {
			if existing, ok := dst[key].(map[string]any); ok {
				dst[key] = mergeMaps(existing, sub)
				continue
			}
		}
		dst[key] = value
	}
	return dst
}

// decodeRawConfig re-encodes the merged map and decodes it strictly so
// misspelled keys are reported.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize config: %w", err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// cronParser matches the retention scheduler: 5 or 6 fields, or a descriptor.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

var (
	validLevels      = []string{"debug", "info", "warn", "error"}
	validFormats     = []string{"json", "text"}
	validModelKinds  = []string{"openai", "openrouter", "deepseek", "gemini", "anthropic"}
	validEmbedders   = []string{"openai", "gemini", "ollama"}
	validEmbedCaches = []string{"sqlite", "file"}
	validRoles       = []string{"api", "sql"}
)

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !slices.Contains(validLevels, strings.ToLower(c.Logging.Level)) {
		add("logging.level %q must be one of %v", c.Logging.Level, validLevels)
	}
	if !slices.Contains(validFormats, strings.ToLower(c.Logging.Format)) {
		add("logging.format %q must be one of %v", c.Logging.Format, validFormats)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be within [0, 1]")
	}

	switch c.Transport.Kind {
	case TransportWhatsApp:
		if strings.TrimSpace(c.Transport.WhatsApp.SessionPath) == "" {
			add("transport.whatsapp.session_path is required")
		}
	case TransportConsole:
	default:
		add("transport.kind %q must be %q or %q", c.Transport.Kind, TransportWhatsApp, TransportConsole)
	}

	seen := map[string]bool{}
	for i, p := range c.Models.Providers {
		if strings.TrimSpace(p.Name) == "" {
			add("models.providers[%d].name is required", i)
			continue
		}
		if seen[p.Name] {
			add("models.providers[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
		if !slices.Contains(validModelKinds, p.ProviderKind()) {
			add("models.providers[%d].kind %q must be one of %v", i, p.ProviderKind(), validModelKinds)
		}
		if p.BaseURL != "" {
			if err := checkURL(p.BaseURL); err != nil {
				add("models.providers[%d].base_url: %v", i, err)
			}
		}
	}
	if c.Models.Cooldown < 0 || c.Models.CallTimeout < 0 || c.Models.MaxTokens < 0 {
		add("models: cooldown, call_timeout and max_tokens must not be negative")
	}

	if c.Agents.MaxRetries < 0 {
		add("agents.max_retries must not be negative")
	}
	if c.Agents.MemorySize < 0 {
		add("agents.memory_size must not be negative")
	}
	if _, err := language.Parse(c.Agents.Locale); err != nil {
		add("agents.locale %q: %v", c.Agents.Locale, err)
	}
	if !slices.Contains(validRoles, c.Agents.DefaultRole) {
		add("agents.default_role %q must be one of %v", c.Agents.DefaultRole, validRoles)
	}

	if c.Embeddings.Enabled {
		if !slices.Contains(validEmbedders, c.Embeddings.Provider) {
			add("embeddings.provider %q must be one of %v", c.Embeddings.Provider, validEmbedders)
		}
		if !slices.Contains(validEmbedCaches, c.Embeddings.Cache) {
			add("embeddings.cache %q must be one of %v", c.Embeddings.Cache, validEmbedCaches)
		}
	}

	if c.Pending.BaseTimeout <= 0 {
		add("pending.base_timeout must be positive")
	}
	if c.Pending.Stagger < 0 {
		add("pending.stagger must not be negative")
	}
	if c.Pending.CancelSymbol != "" && c.Pending.CancelSymbol == c.Pending.ConfirmSymbol {
		add("pending.cancel_symbol must differ from confirm_symbol")
	}

	if c.Executors.API.BaseURL != "" {
		if err := checkURL(c.Executors.API.BaseURL); err != nil {
			add("executors.api.base_url: %v", err)
		}
	}
	switch c.Executors.SQL.Policy {
	case SQLPolicyRegistryOnly, SQLPolicyAllowAdHoc:
	default:
		add("executors.sql.policy %q must be %q or %q", c.Executors.SQL.Policy, SQLPolicyRegistryOnly, SQLPolicyAllowAdHoc)
	}
	if c.Executors.SQL.MaxRows < 0 {
		add("executors.sql.max_rows must not be negative")
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		add("storage.path is required")
	}
	if _, err := cronParser.Parse(c.Retention.Schedule); err != nil {
		add("retention.schedule %q: %v", c.Retention.Schedule, err)
	}
	if c.Retention.MaxAge < 0 {
		add("retention.max_age must not be negative")
	}
	if c.Gateway.ChunkSize <= 0 {
		add("gateway.chunk_size must be positive")
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
