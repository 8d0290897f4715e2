package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/audit"
	"github.com/whisper/guardrails/internal/config"
	"github.com/whisper/guardrails/internal/gate"
	"github.com/whisper/guardrails/internal/messaging"
	"github.com/whisper/guardrails/internal/moderation"
	"github.com/whisper/guardrails/internal/protocol"
	"github.com/whisper/guardrails/internal/ratelimit"
	"github.com/whisper/guardrails/internal/server"
	"github.com/whisper/guardrails/internal/store"
	"github.com/whisper/guardrails/internal/upstream"
)

// buildFilter compiles the built-in rules plus the optional rule file.
func buildFilter(cfg config.Config) (*moderation.Filter, error) {
	rules, err := moderation.CompileRules(moderation.DefaultRules)
	if err != nil {
		return nil, err
	}
	if cfg.FilterRulesFile != "" {
		extra, err := moderation.LoadRuleFile(cfg.FilterRulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, extra...)
		log.Info().Str("file", cfg.FilterRulesFile).Int("rules", len(extra)).Msg("loaded extra filter rules")
	}

	return moderation.NewFilter(moderation.Options{
		ForbiddenWords:     cfg.ForbiddenWords,
		Rules:              rules,
		MultiLanguage:      cfg.MultiLanguageEnabled,
		SupportedLanguages: cfg.SupportedLanguages,
	})
}

// services holds the long-lived components of the serve command.
type services struct {
	gate     *gate.Gate
	upstream *upstream.Client
	store    *store.Store // nil when rate limiting is disabled
	audit    *audit.Log
	nats     *messaging.NATSClient // nil unless AUDIT_NATS_URL is set
}

// buildServices wires the pipeline from cfg. Redis is not required to be up:
// the limiter degrades per its fail-open policy until it is.
func buildServices(cfg config.Config) (*services, error) {
	svc := &services{}

	filter, err := buildFilter(cfg)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	sinks := []audit.Sink{audit.NewLogSink(log.Logger)}
	if cfg.AuditNATSURL != "" {
		natsCfg := messaging.DefaultNATSConfig()
		natsCfg.URL = cfg.AuditNATSURL
		nc, err := messaging.NewNATSClient(natsCfg)
		if err != nil {
			return nil, fmt.Errorf("connect audit bus: %w", err)
		}
		svc.nats = nc
		sinks = append(sinks, audit.NewNATSSink(nc))
	}
	svc.audit = audit.NewAsync(cfg.AuditQueueSize, cfg.AuditBackpressure == config.BackpressureBlock, sinks...)

	svc.upstream = upstream.NewClient(upstream.Config{
		Endpoint:       cfg.LLMEndpoint,
		HealthEndpoint: cfg.LLMHealthEndpoint,
		Timeout:        cfg.LLMTimeout,
		Policy: upstream.RetryPolicy{
			MaxAttempts: cfg.MaxRetries,
			Base:        cfg.RetryBackoff,
			Cap:         cfg.RetryMaxBackoff,
		},
	}, nil)

	deps := gate.Deps{
		Filter:   filter,
		Upstream: svc.upstream,
		Audit:    svc.audit,
	}

	if cfg.RateLimitEnabled {
		st, err := store.New(store.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, false)
		if err != nil {
			return nil, err
		}
		svc.store = st
		if err := st.Ping(context.Background()); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr()).Bool("fail_open", cfg.RateLimitFailOpen).
				Msg("redis unreachable at startup, rate limiting degraded")
		}
		deps.Limiter = ratelimit.NewLimiter(st.Client(), ratelimit.Rule{
			Limit:  cfg.RateLimitRequests,
			Window: cfg.RateLimitPeriod,
		}, cfg.RateLimitFailOpen)
	}

	// Built even when disabled by default: a request can switch it on.
	deps.Context = moderation.NewContextModerator(filter, cfg.MaxContextLength, cfg.ContextEscalationThreshold)

	svc.gate = gate.New(deps, gate.Policy{
		RateLimit:         cfg.RateLimitEnabled,
		ContentFilter:     cfg.ContentFilterEnabled,
		ContextModeration: cfg.ContextModerationEnabled,
		Template:          cfg.Template,
	})
	return svc, nil
}

// storePinger returns the store as a health dependency, or nil.
func (s *services) storePinger() server.Pinger {
	if s.store == nil {
		return nil
	}
	return s.store
}

// auditBus returns the NATS client as a health dependency, or nil.
func (s *services) auditBus() server.Connector {
	if s.nats == nil {
		return nil
	}
	return s.nats
}

// Close flushes the audit queue and releases connections.
func (s *services) Close() {
	s.audit.Close()
	if s.nats != nil {
		s.nats.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Err(err).Msg("redis close")
		}
	}
}

func serverConfig(cfg config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.ListenAddr = cfg.ListenAddr()
	sc.Debug = cfg.Debug()
	sc.AllowedOrigins = cfg.CORSAllowedOrigins
	sc.Health = protocol.HealthConfig{
		ContentFilterEnabled:     cfg.ContentFilterEnabled,
		ContextModerationEnabled: cfg.ContextModerationEnabled,
		RateLimitEnabled:         cfg.RateLimitEnabled,
		MultiLanguageEnabled:     cfg.MultiLanguageEnabled,
	}
	return sc
}
