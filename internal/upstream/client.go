// Package upstream calls the generative text backend's chat endpoint with a
// bounded retry policy.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/whisper/guardrails/internal/metrics"
	"github.com/whisper/guardrails/internal/moderation"
)

const maxResponseBytes = 8 << 20

// ErrMalformedResponse is returned when the backend reply has no message
// content. It is never retried.
var ErrMalformedResponse = errors.New("upstream: malformed response")

// StatusError reports a non-2xx reply from the backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: status %d: %s", e.Code, e.Body)
}

// Error is returned by Chat when no attempt succeeded.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: request failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err may succeed on another attempt: transport
// failures, per-attempt timeouts and 5xx replies. 4xx replies, malformed
// bodies and caller cancellation are final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return true
}

// ChatRequest is the payload posted to the backend.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []moderation.Turn `json:"messages"`
	Temperature float64           `json:"temperature"`
	Stream      bool              `json:"stream"`
}

// ChatResponse is the part of the backend reply the gateway uses.
type ChatResponse struct {
	Model    string
	Content  string
	Done     bool
	Attempts int
}

// Config holds backend connection settings.
type Config struct {
	Endpoint       string        // chat URL, e.g. http://localhost:11434/api/chat
	HealthEndpoint string        // probed by Ping
	Timeout        time.Duration // per attempt
	Policy         RetryPolicy
}

// Client talks to the backend.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient creates a Client. A nil httpClient selects a default one; the
// per-attempt timeout is applied through the request context.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180 * time.Second
	}
	if cfg.Policy.Retryable == nil {
		cfg.Policy.Retryable = IsRetryable
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Chat posts req and returns the parsed reply. Streaming is always disabled.
// Caller cancellation is returned as the context error; every other failure
// is an *Error.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: encode request: %w", err)
	}

	start := time.Now()
	defer func() { metrics.UpstreamLatency.Observe(time.Since(start).Seconds()) }()

	resp, attempts, err := Retry(ctx, c.cfg.Policy, func(ctx context.Context, attempt int) (*ChatResponse, error) {
		resp, err := c.attempt(ctx, body)
		switch {
		case err == nil:
			metrics.UpstreamAttemptsTotal.WithLabelValues("ok").Inc()
		case c.cfg.Policy.Retryable(err) && ctx.Err() == nil:
			metrics.UpstreamAttemptsTotal.WithLabelValues("retryable").Inc()
			log.Warn().Err(err).Int("attempt", attempt).Int("max_attempts", c.cfg.Policy.MaxAttempts).Msg("upstream attempt failed")
		default:
			metrics.UpstreamAttemptsTotal.WithLabelValues("permanent").Inc()
		}
		return resp, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &Error{Attempts: attempts, Err: err}
	}
	resp.Attempts = attempts
	return resp, nil
}

func (c *Client) attempt(ctx context.Context, body []byte) (*ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("upstream: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("upstream: transport: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream: read body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &StatusError{Code: httpResp.StatusCode, Body: truncate(string(data), 256)}
	}
	return parseChatResponse(data)
}

func parseChatResponse(data []byte) (*ChatResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: body is not JSON", ErrMalformedResponse)
	}
	content := gjson.GetBytes(data, "message.content")
	if !content.Exists() || content.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing message.content", ErrMalformedResponse)
	}
	done := true
	if d := gjson.GetBytes(data, "done"); d.Exists() {
		done = d.Bool()
	}
	return &ChatResponse{
		Model:   gjson.GetBytes(data, "model").String(),
		Content: content.String(),
		Done:    done,
	}, nil
}

// Ping probes the backend health endpoint once.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.HealthEndpoint, nil)
	if err != nil {
		return fmt.Errorf("upstream: build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("upstream: health: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
