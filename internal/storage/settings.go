package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// SettingType is how a setting value is interpreted.
type SettingType string

const (
	SettingString  SettingType = "string"
	SettingBoolean SettingType = "boolean"
	SettingNumber  SettingType = "number"
)

// Setting keys read by the runtime.
const (
	SettingWhitelist            = "WHITELIST"
	SettingEnableClassifier     = "ENABLE_CLASSIFIER"
	SettingEnableAPIAgent       = "ENABLE_API_AGENT"
	SettingEnableSQLAgent       = "ENABLE_SQL_AGENT"
	SettingSQLKeywords          = "SQL_KEYWORDS"
	SettingAPIKeywords          = "API_KEYWORDS"
	SettingBaseAPIURL           = "BASE_API_URL"
	SettingLocale               = "LLM_LOCALE"
	SettingModelPriority        = "MODEL_PRIORITY"
	SettingUseEmbedding         = "USE_EMBEDDING"
	SettingEmbeddingModel       = "EMBEDDING_MODEL"
	SettingEmbeddingLimitSQL    = "EMBEDDING_LIMIT_SQL"
	SettingEmbeddingLimitSchema = "EMBEDDING_LIMIT_SCHEMA"
	SettingEmbeddingLimitAPI    = "EMBEDDING_LIMIT_API"
)

// Setting is one row of app_settings.
type Setting struct {
	Key       string      `json:"key"`
	Value     string      `json:"value"`
	Type      SettingType `json:"type"`
	IsSecret  bool        `json:"is_secret"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Typed returns the value converted according to Type: bool for boolean,
// float64 for number, string otherwise. Unparseable values fall back to the
// raw string.
func (s Setting) Typed() any {
	switch s.Type {
	case SettingBoolean:
		return s.Value == "true"
	case SettingNumber:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s.Value), 64); err == nil {
			return f
		}
	}
	return s.Value
}

// DefaultSettings are inserted on open when missing. Existing values are never
// overwritten.
var DefaultSettings = []Setting{
	{Key: SettingWhitelist, Value: "", Type: SettingString},

	{Key: SettingEnableClassifier, Value: "true", Type: SettingBoolean},
	{Key: SettingEnableAPIAgent, Value: "true", Type: SettingBoolean},
	{Key: SettingEnableSQLAgent, Value: "true", Type: SettingBoolean},

	{Key: SettingSQLKeywords, Value: "sql,query", Type: SettingString},
	{Key: SettingAPIKeywords, Value: "api,manipulate", Type: SettingString},

	{Key: SettingBaseAPIURL, Value: "http://localhost:55555/api-dummy", Type: SettingString},

	{Key: "SQL_DSN", Value: "", Type: SettingString, IsSecret: true},
	{Key: "OPENAI_API_KEYS", Value: "", Type: SettingString, IsSecret: true},
	{Key: "GOOGLEAI_API_KEYS", Value: "", Type: SettingString, IsSecret: true},
	{Key: "OPENROUTER_API_KEYS", Value: "", Type: SettingString, IsSecret: true},
	{Key: "OPENROUTER_BASE_URL", Value: "https://openrouter.ai/api/v1", Type: SettingString},

	{Key: SettingLocale, Value: "en-US", Type: SettingString},
	{Key: SettingModelPriority, Value: "gemini,deepseek", Type: SettingString},

	{Key: SettingUseEmbedding, Value: "true", Type: SettingBoolean},
	{Key: SettingEmbeddingModel, Value: "text-embedding-3-small", Type: SettingString},
	{Key: SettingEmbeddingLimitSQL, Value: "3", Type: SettingNumber},
	{Key: SettingEmbeddingLimitSchema, Value: "6", Type: SettingNumber},
	{Key: SettingEmbeddingLimitAPI, Value: "2", Type: SettingNumber},
}

func (s *Store) seedSettings(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.timestamp()
	seeded := 0
	for _, d := range DefaultSettings {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO app_settings (key, value, type, is_secret, updated_at) VALUES (?, ?, ?, ?, ?)`,
			d.Key, d.Value, string(d.Type), boolToInt(d.IsSecret), now)
		if err != nil {
			return fmt.Errorf("seed setting %s: %w", d.Key, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			seeded++
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("seed settings: %w", err)
	}
	if seeded > 0 {
		s.logger.Info("seeded default settings", "count", seeded)
	}
	return nil
}

// GetSetting returns one setting or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (Setting, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, value, type, is_secret, updated_at FROM app_settings WHERE key = ?`, key)
	setting, err := scanSetting(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Setting{}, fmt.Errorf("setting %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Setting{}, fmt.Errorf("get setting %s: %w", key, err)
	}
	return setting, nil
}

// ListSettings returns every setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, type, is_secret, updated_at FROM app_settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()

	var out []Setting
	for rows.Next() {
		setting, err := scanSetting(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out = append(out, setting)
	}
	return out, rows.Err()
}

// SaveSettings upserts values in one transaction. New keys are stored as
// strings; existing keys keep their type.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.timestamp()
	for _, k := range keys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("save settings: empty key")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_settings (key, value, type, is_secret, updated_at) VALUES (?, ?, 'string', 0, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, values[k], now); err != nil {
			return fmt.Errorf("save setting %s: %w", k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// GetString returns the raw value, or def when the key is missing.
func (s *Store) GetString(ctx context.Context, key, def string) string {
	setting, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	return setting.Value
}

// GetBool returns the value as a bool, or def when missing or malformed.
func (s *Store) GetBool(ctx context.Context, key string, def bool) bool {
	setting, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(setting.Value))
	if err != nil {
		return def
	}
	return b
}

// GetInt returns the value as an int, or def when missing or malformed.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	setting, err := s.GetSetting(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(setting.Value))
	if err != nil {
		return def
	}
	return n
}

// GetList splits a comma-separated value, dropping blanks.
func (s *Store) GetList(ctx context.Context, key string) []string {
	return SplitList(s.GetString(ctx, key, ""))
}

// SplitList splits a comma-separated list, trimming items and dropping blanks.
func SplitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func scanSetting(scan func(dest ...any) error) (Setting, error) {
	var (
		setting Setting
		value   sql.NullString
		typ     sql.NullString
		secret  int
		updated string
	)
	if err := scan(&setting.Key, &value, &typ, &secret, &updated); err != nil {
		return Setting{}, err
	}
	setting.Value = value.String
	setting.Type = SettingType(typ.String)
	if setting.Type == "" {
		setting.Type = SettingString
	}
	setting.IsSecret = secret != 0
	setting.UpdatedAt = parseTimestamp(updated)
	return setting, nil
}
