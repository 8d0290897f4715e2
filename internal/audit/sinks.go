package audit

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/guardrails/internal/messaging"
)

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink returns a sink writing to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(e Entry) error {
	switch {
	case e.Event != nil:
		ev := e.Event
		s.logger.Warn().
			Str("kind", string(e.Kind)).
			Str("request_id", ev.RequestID).
			Str("client_id", ev.ClientID).
			Str("event_type", string(ev.Type)).
			Str("detail", ev.Detail).
			Time("event_time", ev.Timestamp).
			Msg("security event")
	case e.Exchange != nil:
		ex := e.Exchange
		s.logger.Info().
			Str("kind", string(e.Kind)).
			Str("request_id", ex.RequestID).
			Str("client_id", ex.ClientID).
			Str("model", ex.Request.Model).
			Int("message_count", ex.Request.MessageCount).
			Bool("has_guardrails", ex.Request.HasGuardrails).
			Str("outcome", ex.Response.Outcome).
			Bool("filtered", ex.Response.Filtered).
			Str("filter_reason", ex.Response.FilterReason).
			Bool("done", ex.Response.Done).
			Int64("duration_ms", ex.DurationMs).
			Msg("exchange")
	case e.Transition != nil:
		tr := e.Transition
		s.logger.Debug().
			Str("kind", string(e.Kind)).
			Str("request_id", tr.RequestID).
			Str("stage", tr.Stage).
			Str("outcome", tr.Outcome).
			Dur("elapsed", tr.Elapsed).
			Msg("stage transition")
	default:
		return fmt.Errorf("audit: empty %s entry", e.Kind)
	}
	return nil
}

// Publisher is the subset of the NATS client used by NATSSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes security events and exchanges as JSON. Transitions are
// too chatty for the bus and are skipped.
type NATSSink struct {
	pub Publisher
}

// NewNATSSink returns a sink publishing through pub.
func NewNATSSink(pub Publisher) *NATSSink {
	return &NATSSink{pub: pub}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(e Entry) error {
	var subject string
	var payload any
	switch {
	case e.Event != nil:
		subject, payload = messaging.SubjectAuditEvent, e.Event
	case e.Exchange != nil:
		subject, payload = messaging.SubjectAuditExchange, e.Exchange
	default:
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal %s: %w", e.Kind, err)
	}
	if err := s.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("audit: publish %s: %w", subject, err)
	}
	return nil
}
