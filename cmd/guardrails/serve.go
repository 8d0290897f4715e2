package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/whisper/guardrails/internal/logging"
	"github.com/whisper/guardrails/internal/server"
)

const shutdownTimeout = 30 * time.Second

var serveFlags struct {
	port     int
	logLevel string
	dryRun   bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the guardrails HTTP service",
	Long: `Start the guardrails HTTP service.

Endpoints:
  POST /v1/guardrails   moderated chat completion
  GET  /health          dependency and policy status
  GET  /metrics         Prometheus metrics

Examples:
  # Start with the environment and ./.env
  guardrails serve

  # Override the listen port
  guardrails serve --port 9500

  # Validate configuration and rules without starting
  guardrails serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&serveFlags.port, "port", "p", 0, "override GUARDRAILS_SERVICE_PORT")
	serveCmd.Flags().StringVar(&serveFlags.logLevel, "log-level", "", "override LOG_LEVEL (trace, debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate configuration and rules without starting")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.port != 0 {
		cfg.Port = serveFlags.port
	}
	if serveFlags.logLevel != "" {
		cfg.LogLevel = serveFlags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	if serveFlags.dryRun {
		if _, err := buildFilter(cfg); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	}

	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	log.Info().
		Str("listen_addr", cfg.ListenAddr()).
		Str("llm_endpoint", cfg.LLMEndpoint).
		Str("redis_addr", cfg.RedisAddr()).
		Bool("rate_limit", cfg.RateLimitEnabled).
		Int("rate_limit_requests", cfg.RateLimitRequests).
		Dur("rate_limit_period", cfg.RateLimitPeriod).
		Bool("content_filter", cfg.ContentFilterEnabled).
		Bool("context_moderation", cfg.ContextModerationEnabled).
		Bool("multi_language", cfg.MultiLanguageEnabled).
		Int("max_retries", cfg.MaxRetries).
		Bool("audit_nats", cfg.AuditNATSURL != "").
		Msg("guardrails starting")

	srv := server.New(serverConfig(cfg), svc.gate, svc.upstream, svc.storePinger(), svc.auditBus())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutdown signal received, draining requests")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
