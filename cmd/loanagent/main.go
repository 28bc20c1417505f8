// Package main provides the CLI entry point for loanagent, the WhatsApp
// assistant for loan operations.
//
// loanagent answers chat messages with one of its agents: the API agent
// proposes calls to the core banking services, the SQL agent proposes
// reporting queries. Every proposed action waits for its owner to confirm
// it with a reaction before it runs.
//
// # Basic Usage
//
// Pair and start the WhatsApp gateway:
//
//	loanagent serve --config loanagent.yaml
//
// Try the agents from the terminal:
//
//	loanagent serve --console
//
// Inspect runtime settings and logs:
//
//	loanagent settings list
//	loanagent logs recent --search LNO8888C
//
// # Environment Variables
//
//   - LOANAGENT_CONFIG: Path to configuration file (default: loanagent.yaml)
//
// Configuration files may reference any environment variable as ${NAME},
// which is the usual way to pass API keys.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/loanagent/internal/config"
	"github.com/haasonsaas/loanagent/internal/observability"
)

// Build information - populated by ldflags during build.
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "loanagent.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "loanagent",
		Short: "loanagent - WhatsApp assistant for loan operations",
		Long: `loanagent connects a WhatsApp account to language models that turn chat
messages into loan API calls and SQL reports. Actions run only after the
requester confirms them with a reaction.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to YAML or JSON5 configuration file (or set LOANAGENT_CONFIG)")

	cfgPath := func() string { return resolveConfigPath(configPath) }
	rootCmd.AddCommand(
		buildServeCmd(cfgPath),
		buildConfigCmd(cfgPath),
		buildSettingsCmd(cfgPath),
		buildLogsCmd(cfgPath),
		buildIndexCmd(cfgPath),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then LOANAGENT_CONFIG, then
// loanagent.yaml when it exists. An empty result means built-in defaults.
func resolveConfigPath(flag string) string {
	if path := strings.TrimSpace(flag); path != "" {
		return path
	}
	if path := strings.TrimSpace(os.Getenv("LOANAGENT_CONFIG")); path != "" {
		return path
	}
	if _, err := os.Stat(defaultConfigName); err == nil {
		return defaultConfigName
	}
	return ""
}

// loadConfig loads the configuration and installs the configured logger as
// the default.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:     level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}
