// handlers.go contains the command handler logic behind the cobra
// commands defined in commands.go.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/dispatcher"
	"github.com/haasonsaas/relay/internal/executor"
	"github.com/haasonsaas/relay/internal/gateway"
	"github.com/haasonsaas/relay/internal/guardrails"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/planner"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/internal/tools"
)

const shutdownTimeout = 30 * time.Second

// runServe implements the serve command: wire every component, serve
// until a shutdown signal, then drain in dependency order.
func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Observability.LogLevel = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "relay",
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.OTLPEndpoint,
		SamplingRate:   cfg.Observability.SampleRate,
	})

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	chain, err := providers.FromConfig(cfg.Providers, logger)
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}
	chain.WithMetrics(metrics)

	logger.Info(ctx, "starting relay",
		"version", version,
		"config", configPath,
		"providers", chain.Backends(),
		"database", databaseLabel(cfg),
	)

	authSvc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if !authSvc.Enabled() {
		logger.Warn(ctx, "auth disabled, connections are unauthenticated")
	}

	guard := guardrails.New(cfg.Guardrails, store.Audit, logger, metrics)
	invoker := tools.NewInvoker(cfg.Tools, store.Tools, store.Executions, logger, metrics, tracer)
	locker := sessions.NewTurnLocker(0)

	d := dispatcher.New(dispatcher.Options{
		Store:           store,
		Guard:           guard,
		Planner:         planner.New(chain, logger),
		Executor:        executor.New(invoker, chain, logger, metrics).WithStepTimeout(cfg.Providers.RequestTimeout),
		Provider:        chain,
		Locker:          locker,
		Logger:          logger,
		Metrics:         metrics,
		Tracer:          tracer,
		ContextWindow:   cfg.Session.ContextWindow,
		NameMaxLength:   cfg.Session.NameMaxLength,
		ProviderTimeout: cfg.Providers.RequestTimeout,
	})

	sweeper := sessions.NewSweeper(cfg.Session, store.Sessions, locker, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	server := gateway.NewServer(cfg.Server, d, authSvc, logger, metrics)
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start() }()
	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info(ctx, "relay started",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"metrics_addr", metricsServer.Addr,
	)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	logger.Info(ctx, "shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "gateway shutdown", "error", err.Error())
	}
	sweeper.Stop()
	d.Wait()
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "tracer shutdown", "error", err.Error())
	}

	logger.Info(shutdownCtx, "relay stopped")
	return nil
}

// runToken mints a connection token for the given user.
func runToken(cmd *cobra.Command, configPath, userID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	svc := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry)
	if !svc.Enabled() {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	token, err := svc.Generate(&auth.Principal{ID: userID})
	if err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// runConfigCheck loads and validates the configuration, printing a
// short summary on success.
func runConfigCheck(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Configuration OK")
	fmt.Fprintf(out, "  Listen:     %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Fprintf(out, "  Metrics:    %s:%d\n", cfg.Server.Host, cfg.Server.MetricsPort)
	fmt.Fprintf(out, "  Database:   %s\n", databaseLabel(cfg))
	fmt.Fprintf(out, "  Providers:  %v\n", cfg.Providers.Priority)
	fmt.Fprintf(out, "  Guardrails: enabled=%t max_input=%d max_output=%d\n",
		cfg.Guardrails.Enabled, cfg.Guardrails.MaxInputChars, cfg.Guardrails.MaxOutputChars)
	fmt.Fprintf(out, "  Auth:       enabled=%t\n", cfg.Auth.JWTSecret != "")
	return nil
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	if cfg.Database.Path == "" {
		return storage.NewMemStore(), nil
	}
	return storage.NewSQLiteStore(cfg.Database.Path)
}

func databaseLabel(cfg *config.Config) string {
	if cfg.Database.Path == "" {
		return "memory"
	}
	return cfg.Database.Path
}
