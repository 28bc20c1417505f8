package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/loanagent/internal/channels"
	"github.com/haasonsaas/loanagent/internal/channels/console"
	"github.com/haasonsaas/loanagent/internal/channels/whatsapp"
	"github.com/haasonsaas/loanagent/internal/config"
	"github.com/haasonsaas/loanagent/internal/gateway"
	"github.com/haasonsaas/loanagent/internal/observability"
	"github.com/haasonsaas/loanagent/internal/storage"
)

const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: it wires the gateway, runs it until
// a shutdown signal and then stops it gracefully.
func runServe(ctx context.Context, in io.Reader, out io.Writer, configPath string, useConsole, debug bool) error {
	cfg, logger, err := loadConfig(configPath, debug)
	if err != nil {
		return err
	}
	if useConsole {
		cfg.Transport.Kind = config.TransportConsole
	}
	logger.Info("starting loanagent",
		"version", version,
		"commit", commit,
		"config", configPath,
		"summary", cfg.String(),
	)

	shutdownTracing, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName:    "loanagent",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	store, err := storage.Open(ctx, storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.BusyTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}

	transport, err := newTransport(cfg, in, out, metrics, logger)
	if err != nil {
		_ = store.Close()
		return err
	}

	stack, err := gateway.Build(ctx, gateway.BuildOptions{
		Config:    cfg,
		Transport: transport,
		Store:     store,
		Gatherer:  reg,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	startErr := stack.Start(ctx)
	if startErr == nil {
		logger.Info("loanagent gateway started", "transport", transport.Type())
		<-ctx.Done()
		logger.Info("shutdown signal received, initiating graceful shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	errs := []error{startErr}
	if err := stack.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown failed: %w", err))
	}
	if err := store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local database: %w", err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("flush traces: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("loanagent stopped")
	return nil
}

// newTransport creates the chat transport the configuration selects.
func newTransport(cfg *config.Config, in io.Reader, out io.Writer, metrics *observability.Metrics, logger *slog.Logger) (channels.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportConsole:
		return console.New(in, out, metrics, logger), nil
	case config.TransportWhatsApp:
		wa := cfg.Transport.WhatsApp
		adapter, err := whatsapp.New(&whatsapp.Config{
			SessionPath:    wa.SessionPath,
			SendTyping:     wa.SendTypingEnabled(),
			EventBuffer:    wa.EventBuffer,
			PairingTimeout: wa.PairingTimeout,
		}, whatsapp.Options{Metrics: metrics, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize whatsapp: %w", err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
	}
}
