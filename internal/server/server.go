// Package server exposes the moderation pipeline over HTTP: the chat
// endpoint, the health probe and the Prometheus scrape endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/gate"
	"github.com/whisper/guardrails/internal/metrics"
	"github.com/whisper/guardrails/internal/protocol"
)

// Processor is satisfied by *gate.Gate.
type Processor interface {
	Process(ctx context.Context, req *gate.Request) (*gate.Result, error)
	Template(key string) string
}

// Pinger is a dependency the health endpoint probes. *upstream.Client and
// *store.Store satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connector reports the state of a long-lived connection.
// *messaging.NATSClient satisfies it.
type Connector interface {
	Connected() bool
}

// Config holds tunable parameters for the HTTP server.
type Config struct {
	ListenAddr        string
	Debug             bool // expose error details in 5xx bodies
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	IdleTimeout       time.Duration
	HealthTimeout     time.Duration
	Health            protocol.HealthConfig
	AllowedOrigins    []string // CORS origins; empty disables CORS
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:        ":9400",
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
		HealthTimeout:     5 * time.Second,
	}
}

// Server is the guardrails HTTP front end. Upstream, Store and AuditBus may
// be nil, in which case health reports them as disabled.
type Server struct {
	config     Config
	gate       Processor
	upstream   Pinger
	store      Pinger
	auditBus   Connector
	router     chi.Router
	httpServer *http.Server
}

// New wires the router.
func New(cfg Config, p Processor, upstream, store Pinger, auditBus Connector) *Server {
	s := &Server{
		config:   cfg,
		gate:     p,
		upstream: upstream,
		store:    store,
		auditBus: auditBus,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(processTime)
	r.Use(s.recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{HeaderRequestID, HeaderProcessTime, "Retry-After"},
			MaxAge:           300,
		}))
	}
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, RequestIDFrom(r.Context()), http.StatusNotFound, "not found", "")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, RequestIDFrom(r.Context()), http.StatusMethodNotAllowed, "method not allowed", "")
	})

	r.Post("/v1/guardrails", s.handleGuardrails)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server stops. It returns nil after a
// graceful Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.config.ListenAddr).Msg("guardrails server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
