package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/whisper/guardrails/internal/moderation"
	"github.com/whisper/guardrails/internal/ratelimit"
	"github.com/whisper/guardrails/internal/upstream"
)

// Stage is a pipeline state.
type Stage string

const (
	StageReceived        Stage = "RECEIVED"
	StageRateCheck       Stage = "RATE_CHECK"
	StageFilterUserTurn  Stage = "FILTER_USER_TURN"
	StageContextCheck    Stage = "CONTEXT_CHECK"
	StageForwardUpstream Stage = "FORWARD_UPSTREAM"
	StageFilterResponse  Stage = "FILTER_RESPONSE"
	StageResponded       Stage = "RESPONDED"
)

// Outcome is the terminal state of a request.
type Outcome string

const (
	OutcomeResponded   Outcome = "RESPONDED"
	OutcomeRateLimited Outcome = "RATE_LIMITED"
	OutcomeFiltered    Outcome = "FILTERED"
	OutcomeError       Outcome = "ERROR"
)

// Overrides are per-request policy switches. A nil field keeps the
// configured default.
type Overrides struct {
	ContentFilter     *bool
	ContextModeration *bool
	RateLimit         *bool
}

// Any reports whether at least one override was supplied.
func (o Overrides) Any() bool {
	return o.ContentFilter != nil || o.ContextModeration != nil || o.RateLimit != nil
}

// Request is one moderation request.
type Request struct {
	ID          string // correlation id; generated when empty
	ClientID    string
	Model       string
	Turns       []moderation.Turn
	Temperature float64
	Stream      bool // accepted but never forwarded
	Overrides   Overrides
}

// Result is the uniform reply for a request that reached RESPONDED or
// FILTERED.
type Result struct {
	RequestID string
	Model     string
	Message   moderation.Turn
	Done      bool
	Filtered  bool
	Reason    string
	Outcome   Outcome
	Stage     Stage              // stage that produced the outcome
	Verdict   moderation.Verdict // set when Filtered
}

// Limiter is satisfied by *ratelimit.Limiter.
type Limiter interface {
	Check(ctx context.Context, clientID string) (ratelimit.Decision, error)
}

// ContextAnalyzer is satisfied by *moderation.ContextModerator.
type ContextAnalyzer interface {
	Analyze(turns []moderation.Turn) moderation.Verdict
}

// Upstream is satisfied by *upstream.Client.
type Upstream interface {
	Chat(ctx context.Context, req upstream.ChatRequest) (*upstream.ChatResponse, error)
}

// ErrUpstream wraps backend failures that survived the retry policy.
var ErrUpstream = errors.New("gate: upstream unavailable")

// RateLimitedError is returned when the client exceeded its window.
type RateLimitedError struct {
	RetryAfter int // seconds
	Message    string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("gate: rate limit exceeded, retry after %ds", e.RetryAfter)
}

// ValidationError reports a request the pipeline cannot process.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("gate: invalid %s: %s", e.Field, e.Reason)
}
