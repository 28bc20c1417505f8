package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/haasonsaas/loanagent/internal/config"
	"github.com/haasonsaas/loanagent/internal/gateway"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/storage"
)

// =============================================================================
// Config Handlers
// =============================================================================

func runConfigValidate(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	source := configPath
	if source == "" {
		source = "built-in defaults"
	}
	fmt.Fprintf(out, "Configuration OK (%s)\n", source)
	fmt.Fprintf(out, "  %s\n", cfg.String())
	return nil
}

func runConfigSchema(out io.Writer) error {
	data, err := config.JSONSchema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

// =============================================================================
// Settings Handlers
// =============================================================================

// openStore loads the configuration and opens its local database.
func openStore(ctx context.Context, configPath string) (*config.Config, *storage.Store, error) {
	cfg, logger, err := loadConfig(configPath, false)
	if err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(ctx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local database: %w", err)
	}
	return cfg, store, nil
}

func runSettingsList(ctx context.Context, out io.Writer, configPath string, showSecrets, asJSON bool) error {
	_, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	settings, err := store.ListSettings(ctx)
	if err != nil {
		return err
	}
	if !showSecrets {
		for i := range settings {
			if settings[i].IsSecret && settings[i].Value != "" {
				settings[i].Value = observability.MaskKey(settings[i].Value)
			}
		}
	}
	return writeSettings(out, settings, asJSON)
}

func writeSettings(out io.Writer, settings []storage.Setting, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(settings)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tVALUE\tTYPE\tUPDATED")
	for _, s := range settings {
		updated := "-"
		if !s.UpdatedAt.IsZero() {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.Key, s.Value, s.Type, updated)
	}
	return tw.Flush()
}

func runSettingsSet(ctx context.Context, out io.Writer, configPath string, args []string) error {
	values, err := settingPairs(args)
	if err != nil {
		return err
	}
	_, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.SaveSettings(ctx, values); err != nil {
		return err
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(out, "Updated %s. Restart the gateway to apply.\n", strings.Join(keys, ", "))
	return nil
}

// settingPairs turns KEY VALUE arguments into a map. Keys are upper-cased
// to match the stored names.
func settingPairs(args []string) (map[string]string, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("expected KEY VALUE pairs, got %d arguments", len(args))
	}
	values := make(map[string]string, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key := strings.ToUpper(strings.TrimSpace(args[i]))
		if key == "" {
			return nil, fmt.Errorf("argument %d: empty key", i+1)
		}
		values[key] = args[i+1]
	}
	return values, nil
}

// =============================================================================
// Logs Handlers
// =============================================================================

func runLogsRecent(ctx context.Context, out io.Writer, configPath, search string, limit, offset int, asJSON bool) error {
	_, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	logs, err := store.RecentLogs(ctx, storage.LogQuery{Search: search, Limit: limit, Offset: offset})
	if err != nil {
		return err
	}
	return writeLogs(out, logs, asJSON)
}

func writeLogs(out io.Writer, logs []storage.APILog, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	}
	if len(logs) == 0 {
		_, err := fmt.Fprintln(out, "No logs.")
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tCHAT\tUSER\tMODEL\tTYPE\tOK\tTOKENS\tMESSAGE")
	for _, l := range logs {
		ok := "yes"
		if !l.Success {
			ok = "no"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			l.ID, l.CreatedAt.Local().Format(time.DateTime), l.ChatID, l.UserID,
			dash(l.ModelName), dash(l.ValidationType), ok, l.TokenTotal, truncate(l.UserMessage, 60))
	}
	return tw.Flush()
}

func runLogsPrune(ctx context.Context, out io.Writer, configPath string, maxAge time.Duration) error {
	cfg, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	if maxAge <= 0 {
		maxAge = cfg.Retention.MaxAge
	}
	retention, err := gateway.NewRetention(cfg.Retention.Schedule, maxAge, store, nil)
	if err != nil {
		return err
	}
	n, err := retention.RunOnce(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Deleted %d log rows older than %s.\n", n, maxAge)
	return nil
}

// =============================================================================
// Index Handlers
// =============================================================================

func runIndexRebuild(ctx context.Context, out io.Writer, configPath string) error {
	cfg, store, err := openStore(ctx, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := gateway.IndexCatalog(ctx, cfg, store, nil, nil)
	if err != nil {
		return err
	}
	for _, name := range []string{gateway.IndexAPI, gateway.IndexSQL, gateway.IndexSchema} {
		fmt.Fprintf(out, "%-16s %d entries\n", name, counts[name])
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
