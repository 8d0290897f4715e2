package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/config"
	"github.com/whisper/guardrails/internal/gate"
	"github.com/whisper/guardrails/internal/moderation"
	"github.com/whisper/guardrails/internal/protocol"
)

// Health service states.
const (
	statusConnected    = "connected"
	statusDisconnected = "disconnected"
	statusDisabled     = "disabled"
)

// handleGuardrails decodes a chat request, runs it through the gate and
// maps the outcome onto the HTTP contract.
func (s *Server) handleGuardrails(w http.ResponseWriter, r *http.Request) {
	id := RequestIDFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, protocol.MaxBodyBytes)

	body, err := protocol.DecodeChatRequest(r.Body)
	if err != nil {
		var ve *protocol.ValidationError
		if errors.As(err, &ve) {
			s.writeError(w, id, http.StatusUnprocessableEntity, "invalid request", ve.Error())
			return
		}
		s.writeError(w, id, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}

	req := toGateRequest(id, ClientID(r), body)
	res, err := s.gate.Process(r.Context(), req)
	if err != nil {
		s.writeProcessError(w, r, id, err)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ChatResponse{
		Model:        res.Model,
		Message:      protocol.Message{Role: string(res.Message.Role), Content: res.Message.Content},
		Done:         res.Done,
		Filtered:     res.Filtered,
		FilterReason: res.Reason,
		RequestID:    res.RequestID,
	})
}

func (s *Server) writeProcessError(w http.ResponseWriter, r *http.Request, id string, err error) {
	var rl *gate.RateLimitedError
	var ve *gate.ValidationError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
		s.writeError(w, id, http.StatusTooManyRequests, rl.Message, "")
	case errors.As(err, &ve):
		s.writeError(w, id, http.StatusUnprocessableEntity, "invalid request", ve.Error())
	case r.Context().Err() != nil && errors.Is(err, r.Context().Err()):
		// The caller is gone; nobody reads this reply.
		log.Debug().Str("request_id", id).Err(err).Msg("client went away")
	default:
		if !errors.Is(err, gate.ErrUpstream) {
			log.Error().Err(err).Str("request_id", id).Msg("request failed")
		}
		s.writeError(w, id, http.StatusInternalServerError, s.gate.Template(config.TemplateError), err.Error())
	}
}

// handleHealth probes the upstream, the backing store and the audit bus. It
// always answers 200; a failed probe turns the status to "degraded".
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	var llm, redis string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		llm = probe(ctx, s.upstream, "llm")
	}()
	go func() {
		defer wg.Done()
		redis = probe(ctx, s.store, "redis")
	}()
	wg.Wait()
	bus := connection(s.auditBus)

	status := "healthy"
	if llm == statusDisconnected || redis == statusDisconnected || bus == statusDisconnected {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, protocol.HealthResponse{
		Status:   status,
		Version:  config.Version,
		Services: protocol.HealthServices{LLM: llm, Redis: redis, AuditBus: bus},
		Config:   s.config.Health,
	})
}

func probe(ctx context.Context, p Pinger, name string) string {
	if p == nil {
		return statusDisabled
	}
	if err := p.Ping(ctx); err != nil {
		log.Warn().Err(err).Str("service", name).Msg("health probe failed")
		return statusDisconnected
	}
	return statusConnected
}

func connection(c Connector) string {
	switch {
	case c == nil:
		return statusDisabled
	case c.Connected():
		return statusConnected
	default:
		return statusDisconnected
	}
}

func toGateRequest(id, clientID string, body *protocol.ChatRequest) *gate.Request {
	turns := make([]moderation.Turn, len(body.Messages))
	for i, m := range body.Messages {
		turns[i] = moderation.Turn{Role: moderation.Role(m.Role), Content: m.Content}
	}
	req := &gate.Request{
		ID:          id,
		ClientID:    clientID,
		Model:       body.Model,
		Turns:       turns,
		Temperature: body.TemperatureOrDefault(),
		Stream:      body.Stream,
	}
	if o := body.Guardrails; o != nil {
		req.Overrides = gate.Overrides{
			ContentFilter:     o.ContentFilter,
			ContextModeration: o.ContextModeration,
			RateLimit:         o.RateLimit,
		}
	}
	return req
}

// writeError sends the uniform error body. details are dropped unless the
// server runs in debug mode.
func (s *Server) writeError(w http.ResponseWriter, id string, code int, message, details string) {
	if !s.config.Debug {
		details = ""
	}
	writeJSON(w, code, protocol.ErrorResponse{Error: protocol.ErrorDetail{
		StatusCode: code,
		Message:    message,
		Details:    details,
		RequestID:  id,
	}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("write response")
	}
}
