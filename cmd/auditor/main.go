// Auditor consumes the audit entries guardrails publishes on NATS and writes
// them to the structured log, keeping per-type counts for the shutdown
// summary.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/config"
	"github.com/whisper/guardrails/internal/logging"
	"github.com/whisper/guardrails/internal/messaging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup(logging.Config{Service: "guardrails-auditor"})
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.Setup(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Service: "guardrails-auditor"})

	natsConfig := messaging.DefaultNATSConfig()
	if cfg.AuditNATSURL != "" {
		natsConfig.URL = cfg.AuditNATSURL
	}
	natsConfig.Name = "guardrails-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to NATS")
	}

	consumer := newConsumer(logger)
	if err := natsClient.SubscribeAudit(consumer.handle); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to audit subjects")
	}

	log.Info().
		Str("nats_url", natsConfig.URL).
		Str("subject", messaging.SubjectAuditAll).
		Msg("guardrails auditor running")

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	natsClient.Close()
	consumer.summary()
}
