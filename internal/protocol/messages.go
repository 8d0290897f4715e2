// Package protocol defines the JSON wire types of the guardrails HTTP API and
// the shape validation applied before a request enters the pipeline.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Limits applied to inbound requests.
const (
	MaxBodyBytes       = 1 << 20
	MaxMessages        = 256
	MaxContentBytes    = 64 << 10
	MaxContentChars    = 32000
	MaxModelNameLength = 200
	DefaultTemperature = 0.7
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
)

var validRoles = map[string]bool{"system": true, "user": true, "assistant": true}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

// Message is one conversation turn on the wire.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GuardrailOptions are per-request policy overrides.
type GuardrailOptions struct {
	ContentFilter     *bool `json:"content_filter,omitempty"`
	ContextModeration *bool `json:"context_moderation,omitempty"`
	RateLimit         *bool `json:"rate_limit,omitempty"`
}

// ChatRequest is the body of POST /v1/guardrails.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Guardrails  *GuardrailOptions `json:"guardrails,omitempty"`
}

// TemperatureOrDefault returns the requested temperature or the default.
func (r *ChatRequest) TemperatureOrDefault() float64 {
	if r.Temperature == nil {
		return DefaultTemperature
	}
	return *r.Temperature
}

// ---------------------------------------------------------------------------
// Response
// ---------------------------------------------------------------------------

// ChatResponse is the body returned for RESPONDED and FILTERED outcomes.
type ChatResponse struct {
	Model        string  `json:"model"`
	Message      Message `json:"message"`
	Done         bool    `json:"done"`
	Filtered     bool    `json:"filtered"`
	FilterReason string  `json:"filter_reason,omitempty"`
	RequestID    string  `json:"request_id"`
}

// ErrorDetail is the payload of ErrorResponse.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// HealthServices reports dependency connectivity: "connected",
// "disconnected" or "disabled".
type HealthServices struct {
	LLM      string `json:"llm"`
	Redis    string `json:"redis"`
	AuditBus string `json:"audit_bus"`
}

// HealthConfig echoes the active policy flags.
type HealthConfig struct {
	ContentFilterEnabled     bool `json:"content_filter_enabled"`
	ContextModerationEnabled bool `json:"context_moderation_enabled"`
	RateLimitEnabled         bool `json:"rate_limit_enabled"`
	MultiLanguageEnabled     bool `json:"multi_language_enabled"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string         `json:"status"`
	Version  string         `json:"version"`
	Services HealthServices `json:"services"`
	Config   HealthConfig   `json:"config"`
}

// ---------------------------------------------------------------------------
// Decoding and validation
// ---------------------------------------------------------------------------

// ErrMalformed marks bodies that are not parseable JSON.
var ErrMalformed = errors.New("protocol: malformed request body")

// ValidationError reports a well-formed body with an invalid shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Field, e.Reason)
}

// DecodeChatRequest parses and validates a request body. Syntax errors wrap
// ErrMalformed; type mismatches and shape violations are *ValidationError.
func DecodeChatRequest(r io.Reader) (*ChatRequest, error) {
	var req ChatRequest
	dec := json.NewDecoder(r)
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			field := typeErr.Field
			if field == "" {
				field = "body"
			}
			return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("expected %s", typeErr.Type)}
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformed)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the request shape.
func (r *ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return &ValidationError{Field: "model", Reason: "is required"}
	}
	if len(r.Model) > MaxModelNameLength {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("exceeds %d characters", MaxModelNameLength)}
	}
	if len(r.Messages) == 0 {
		return &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}
	if len(r.Messages) > MaxMessages {
		return &ValidationError{Field: "messages", Reason: fmt.Sprintf("exceeds %d messages", MaxMessages)}
	}
	latestUser := -1
	for i, m := range r.Messages {
		if m.Role == "user" {
			latestUser = i
		}
	}
	for i, m := range r.Messages {
		field := fmt.Sprintf("messages[%d]", i)
		if !validRoles[m.Role] {
			return &ValidationError{Field: field + ".role", Reason: fmt.Sprintf("must be one of system, user, assistant, got %q", m.Role)}
		}
		// Only the turn being moderated must carry text; history may hold
		// empty turns.
		check := validateSize
		if i == latestUser {
			check = ValidateContent
		}
		if err := check(m.Content); err != nil {
			return &ValidationError{Field: field + ".content", Reason: err.Error()}
		}
	}
	if r.Temperature != nil {
		t := *r.Temperature
		if t < MinTemperature || t > MaxTemperature {
			return &ValidationError{Field: "temperature", Reason: fmt.Sprintf("must be between %.1f and %.1f", MinTemperature, MaxTemperature)}
		}
	}
	return nil
}

// ValidateContent checks that a turn's text is non-empty and within limits.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("must not be empty")
	}
	return validateSize(text)
}

func validateSize(text string) error {
	if len(text) > MaxContentBytes {
		return fmt.Errorf("exceeds %d byte limit", MaxContentBytes)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxContentChars {
		return fmt.Errorf("exceeds %d character limit", MaxContentChars)
	}
	return nil
}
