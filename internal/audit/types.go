package audit

import "time"

// EventType classifies a security event.
type EventType string

const (
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventContentFiltered    EventType = "CONTENT_FILTERED"
	EventContextFiltered    EventType = "CONTEXT_FILTERED"
	EventLLMContentFiltered EventType = "LLM_CONTENT_FILTERED"
	EventRateLimitDegraded  EventType = "RATE_LIMIT_DEGRADED"
	EventUpstreamError      EventType = "UPSTREAM_ERROR"
)

// SecurityEvent is a policy-relevant occurrence tied to one request.
type SecurityEvent struct {
	RequestID string    `json:"request_id"`
	ClientID  string    `json:"client_id"`
	Type      EventType `json:"event_type"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// RequestSummary describes an inbound request without its content.
type RequestSummary struct {
	Model         string `json:"model"`
	MessageCount  int    `json:"message_count"`
	HasGuardrails bool   `json:"has_guardrails"`
}

// ResponseSummary describes the reply sent for a request.
type ResponseSummary struct {
	Outcome      string `json:"outcome"`
	Filtered     bool   `json:"filtered"`
	FilterReason string `json:"filter_reason,omitempty"`
	Done         bool   `json:"done"`
}

// Exchange is written once per request when it reaches a terminal state.
// Raw message content is never recorded.
type Exchange struct {
	RequestID  string          `json:"request_id"`
	ClientID   string          `json:"client_id"`
	Request    RequestSummary  `json:"request"`
	Response   ResponseSummary `json:"response"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Transition records one pipeline stage outcome.
type Transition struct {
	RequestID string        `json:"request_id"`
	Stage     string        `json:"stage"`
	Outcome   string        `json:"outcome"`
	Elapsed   time.Duration `json:"elapsed_ns"`
	Timestamp time.Time     `json:"timestamp"`
}

// Kind discriminates the payload of an Entry.
type Kind string

const (
	KindEvent      Kind = "event"
	KindExchange   Kind = "exchange"
	KindTransition Kind = "transition"
)

// Entry is the unit handed to sinks. Exactly one payload field is set,
// matching Kind.
type Entry struct {
	Kind       Kind           `json:"kind"`
	Event      *SecurityEvent `json:"event,omitempty"`
	Exchange   *Exchange      `json:"exchange,omitempty"`
	Transition *Transition    `json:"transition,omitempty"`
}

// RequestID returns the correlation id carried by the payload.
func (e Entry) RequestID() string {
	switch {
	case e.Event != nil:
		return e.Event.RequestID
	case e.Exchange != nil:
		return e.Exchange.RequestID
	case e.Transition != nil:
		return e.Transition.RequestID
	}
	return ""
}
