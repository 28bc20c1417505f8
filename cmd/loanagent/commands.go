package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Serve Command
// =============================================================================

// buildServeCmd creates the "serve" command that runs the gateway.
func buildServeCmd(configPath func() string) *cobra.Command {
	var (
		console bool
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the loanagent gateway",
		Long: `Start the loanagent gateway.

The server will:
1. Load configuration and open the local settings database
2. Connect to WhatsApp, printing a QR code when the device is not yet paired
3. Index the API and SQL catalogs when embeddings are enabled
4. Serve /metrics and /healthz when observability.metrics_addr is set
5. Prune old api_logs rows on the retention schedule

Armed confirmations are dropped on SIGINT/SIGTERM.`,
		Example: `  # Start with loanagent.yaml
  loanagent serve

  # Chat from the terminal instead of WhatsApp
  loanagent serve --console

  # Start with debug logging
  loanagent serve --config /etc/loanagent/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), configPath(), console, debug)
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "Use the terminal instead of WhatsApp")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate configuration and print its schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "validate",
			Short: "Load and validate the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigValidate(cmd.OutOrStdout(), configPath())
			},
		},
		&cobra.Command{
			Use:   "schema",
			Short: "Print the configuration JSON schema",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigSchema(cmd.OutOrStdout())
			},
		},
	)
	return cmd
}

// =============================================================================
// Settings Commands
// =============================================================================

func buildSettingsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect and change runtime settings",
		Long: `Runtime settings live in the local database (app_settings) and are read
when the gateway starts: agent toggles, routing keywords, model priority,
locale, embedding limits and provider keys.`,
	}

	var (
		showSecrets bool
		asJSON      bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List settings (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsList(cmd.Context(), cmd.OutOrStdout(), configPath(), showSecrets, asJSON)
		},
	}
	list.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secret values in full")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	set := &cobra.Command{
		Use:     "set KEY VALUE [KEY VALUE...]",
		Short:   "Change settings; takes effect on the next start",
		Example: `  loanagent settings set ENABLE_CLASSIFIER false MODEL_PRIORITY gemini,openrouter`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return fmt.Errorf("expected KEY VALUE pairs, got %d arguments", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSettingsSet(cmd.Context(), cmd.OutOrStdout(), configPath(), args)
		},
	}

	cmd.AddCommand(list, set)
	return cmd
}

// =============================================================================
// Logs Commands
// =============================================================================

func buildLogsCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect and prune model attempt logs",
	}

	var (
		search string
		limit  int
		offset int
		asJSON bool
	)
	recent := &cobra.Command{
		Use:   "recent",
		Short: "Show recent model attempts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsRecent(cmd.Context(), cmd.OutOrStdout(), configPath(), search, limit, offset, asJSON)
		},
	}
	recent.Flags().StringVar(&search, "search", "", "Match chat, user, model, message or response")
	recent.Flags().IntVar(&limit, "limit", 15, "Maximum rows")
	recent.Flags().IntVar(&offset, "offset", 0, "Rows to skip")
	recent.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	var maxAge time.Duration
	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete attempts older than the retention max age",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogsPrune(cmd.Context(), cmd.OutOrStdout(), configPath(), maxAge)
		},
	}
	prune.Flags().DurationVar(&maxAge, "max-age", 0, "Override retention.max_age")

	cmd.AddCommand(recent, prune)
	return cmd
}

// =============================================================================
// Index Commands
// =============================================================================

func buildIndexCmd(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Manage the catalog relevance indexes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "rebuild",
		Short: "Embed the API, SQL and schema catalogs",
		Long: `Embed every catalog entry whose text changed since the last run and store
the vectors in the embedding cache. The gateway does the same at startup.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndexRebuild(cmd.Context(), cmd.OutOrStdout(), configPath())
		},
	})
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loanagent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
