package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/guardrails/internal/audit"
	"github.com/whisper/guardrails/internal/config"
	"github.com/whisper/guardrails/internal/gate"
	"github.com/whisper/guardrails/internal/moderation"
	"github.com/whisper/guardrails/internal/protocol"
	"github.com/whisper/guardrails/internal/ratelimit"
	"github.com/whisper/guardrails/internal/store"
	"github.com/whisper/guardrails/internal/upstream"
)

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	handler  http.Handler
	mr       *miniredis.Miniredis
	llmCalls atomic.Int32
	llmCode  atomic.Int32
}

type harnessOpts struct {
	limit int
	debug bool
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()
	if opts.limit == 0 {
		opts.limit = 100
	}
	h := &harness{}
	h.llmCode.Store(http.StatusOK)

	llm := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.llmCalls.Add(1)
		code := int(h.llmCode.Load())
		if code != http.StatusOK {
			http.Error(w, "backend exploded", code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"model":"llama3","message":{"role":"assistant","content":"Rome was founded in 753 BC."},"done":true}`)
	}))
	t.Cleanup(llm.Close)

	h.mr = miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: h.mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	filter, err := moderation.NewFilter(moderation.Options{ForbiddenWords: config.DefaultForbiddenWords})
	require.NoError(t, err)

	client := upstream.NewClient(upstream.Config{
		Endpoint:       llm.URL + "/api/chat",
		HealthEndpoint: llm.URL + "/",
		Timeout:        2 * time.Second,
		Policy:         upstream.RetryPolicy{MaxAttempts: 2, Base: time.Millisecond, Cap: 2 * time.Millisecond},
	}, llm.Client())

	g := gate.New(gate.Deps{
		Limiter:  ratelimit.NewLimiter(rdb, ratelimit.Rule{Limit: opts.limit, Window: time.Minute}, true),
		Filter:   filter,
		Context:  moderation.NewContextModerator(filter, 10, 3),
		Upstream: client,
		Audit:    audit.New(),
	}, gate.Policy{RateLimit: true, ContentFilter: true, ContextModeration: true})

	cfg := DefaultConfig()
	cfg.Debug = opts.debug
	cfg.HealthTimeout = time.Second
	cfg.Health = protocol.HealthConfig{ContentFilterEnabled: true, RateLimitEnabled: true}
	h.handler = New(cfg, g, client, store.NewFromClient(rdb), nil).Handler()
	return h
}

func (h *harness) post(t *testing.T, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/guardrails", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func chatBody(content string) string {
	data, _ := json.Marshal(protocol.ChatRequest{
		Model:    "llama3",
		Messages: []protocol.Message{{Role: "user", Content: content}},
	})
	return string(data)
}

func decodeChat(t *testing.T, rec *httptest.ResponseRecorder) protocol.ChatResponse {
	t.Helper()
	var resp protocol.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) protocol.ErrorDetail {
	t.Helper()
	var resp protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp.Error
}

// ---------------------------------------------------------------------------
// Test: POST /v1/guardrails
// ---------------------------------------------------------------------------

func TestGuardrails_Responded(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.post(t, chatBody("Tell me about the history of Rome"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeChat(t, rec)
	assert.Equal(t, "llama3", resp.Model)
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "Rome was founded in 753 BC.", resp.Message.Content)
	assert.True(t, resp.Done)
	assert.False(t, resp.Filtered)
	assert.Empty(t, resp.FilterReason)

	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get(HeaderRequestID))
	_, err := strconv.Atoi(rec.Header().Get(HeaderProcessTime))
	assert.NoError(t, err, "process time header must be an integer")
	assert.Equal(t, int32(1), h.llmCalls.Load())
}

func TestGuardrails_EchoesRequestID(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.post(t, chatBody("Tell me about the history of Rome"), map[string]string{HeaderRequestID: "trace-abc-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-abc-123", rec.Header().Get(HeaderRequestID))
	assert.Equal(t, "trace-abc-123", decodeChat(t, rec).RequestID)
}

func TestGuardrails_FilteredNeverReachesUpstream(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	rec := h.post(t, chatBody("I hate mondays"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeChat(t, rec)
	assert.True(t, resp.Filtered)
	assert.Equal(t, "content contains forbidden word: hate", resp.FilterReason)
	assert.Equal(t, config.DefaultTemplates[config.TemplateContentFiltered], resp.Message.Content)
	assert.Equal(t, int32(0), h.llmCalls.Load())
}

func TestGuardrails_OverrideDisablesFilter(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	body := `{"model":"llama3","messages":[{"role":"user","content":"I hate mondays"}],"guardrails":{"content_filter":false}}`
	rec := h.post(t, body, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeChat(t, rec).Filtered)
	assert.Equal(t, int32(1), h.llmCalls.Load())
}

func TestGuardrails_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOpts{limit: 2})
	headers := map[string]string{HeaderForwarded: "203.0.113.7, 10.0.0.1"}

	for i := 0; i < 2; i++ {
		rec := h.post(t, chatBody("Tell me about the history of Rome"), headers)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := h.post(t, chatBody("Tell me about the history of Rome"), headers)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
	assert.LessOrEqual(t, retryAfter, 60)

	detail := decodeError(t, rec)
	assert.Equal(t, http.StatusTooManyRequests, detail.StatusCode)
	assert.Equal(t, config.DefaultTemplates[config.TemplateRateLimited], detail.Message)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), detail.RequestID)

	assert.Equal(t, int32(2), h.llmCalls.Load())
	assert.True(t, h.mr.Exists(ratelimit.KeyPrefix+"203.0.113.7"))

	// Another client has its own window.
	rec = h.post(t, chatBody("Tell me about the history of Rome"), map[string]string{HeaderForwarded: "198.51.100.1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardrails_RequestErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed json", `{"model":`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
		{"missing messages", `{"model":"llama3"}`, http.StatusUnprocessableEntity},
		{"bad role", `{"model":"llama3","messages":[{"role":"bot","content":"hi"}]}`, http.StatusUnprocessableEntity},
		{"wrong type", `{"model":"llama3","messages":[{"role":"user","content":42}]}`, http.StatusUnprocessableEntity},
		{"temperature out of range", `{"model":"llama3","messages":[{"role":"user","content":"hi"}],"temperature":9}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOpts{})
			rec := h.post(t, tt.body, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			detail := decodeError(t, rec)
			assert.Equal(t, tt.code, detail.StatusCode)
			assert.Empty(t, detail.Details, "details are hidden outside debug mode")
			assert.NotEmpty(t, detail.RequestID)
			assert.NotEmpty(t, rec.Header().Get(HeaderProcessTime))
			assert.Equal(t, int32(0), h.llmCalls.Load())
		})
	}
}

func TestGuardrails_UpstreamFailure(t *testing.T) {
	t.Run("generic message", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		h.llmCode.Store(http.StatusBadGateway)

		rec := h.post(t, chatBody("Tell me about the history of Rome"), nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)

		detail := decodeError(t, rec)
		assert.Equal(t, config.DefaultTemplates[config.TemplateError], detail.Message)
		assert.Empty(t, detail.Details)
		assert.NotContains(t, rec.Body.String(), "backend exploded")
		assert.Equal(t, int32(2), h.llmCalls.Load(), "retry budget is two attempts")
	})

	t.Run("details in debug mode", func(t *testing.T) {
		h := newHarness(t, harnessOpts{debug: true})
		h.llmCode.Store(http.StatusServiceUnavailable)

		rec := h.post(t, chatBody("Tell me about the history of Rome"), nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, decodeError(t, rec).Details, "503")
	})

	t.Run("client error is not retried", func(t *testing.T) {
		h := newHarness(t, harnessOpts{})
		h.llmCode.Store(http.StatusBadRequest)

		rec := h.post(t, chatBody("Tell me about the history of Rome"), nil)
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, int32(1), h.llmCalls.Load())
	})
}

// ---------------------------------------------------------------------------
// Test: GET /health
// ---------------------------------------------------------------------------

func getHealth(t *testing.T, handler http.Handler) protocol.HealthResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	var resp protocol.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	resp := getHealth(t, h.handler)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, config.Version, resp.Version)
	assert.Equal(t, statusConnected, resp.Services.LLM)
	assert.Equal(t, statusConnected, resp.Services.Redis)
	assert.True(t, resp.Config.ContentFilterEnabled)
	assert.True(t, resp.Config.RateLimitEnabled)
	assert.False(t, resp.Config.MultiLanguageEnabled)

	h.mr.Close()
	resp = getHealth(t, h.handler)
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, statusDisconnected, resp.Services.Redis)
	assert.Equal(t, statusConnected, resp.Services.LLM)
}

func TestHealth_DisabledDependencies(t *testing.T) {
	srv := New(DefaultConfig(), gate.New(gate.Deps{}, gate.Policy{}), nil, nil, nil)

	resp := getHealth(t, srv.Handler())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, statusDisabled, resp.Services.LLM)
	assert.Equal(t, statusDisabled, resp.Services.Redis)
	assert.Equal(t, statusDisabled, resp.Services.AuditBus)
}

func TestCORS(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"*"}
	srv := New(cfg, gate.New(gate.Deps{}, gate.Policy{}), nil, nil, nil)

	preflight := httptest.NewRequest(http.MethodOptions, "/v1/guardrails", nil)
	preflight.Header.Set("Origin", "https://app.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	preflight.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, preflight)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, http.MethodPost, rec.Header().Get("Access-Control-Allow-Methods"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), HeaderRequestID)
}

func TestCORS_Disabled(t *testing.T) {
	srv := New(DefaultConfig(), gate.New(gate.Deps{}, gate.Policy{}), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

type fakeBus struct{ up bool }

func (b *fakeBus) Connected() bool { return b.up }

func TestHealth_AuditBus(t *testing.T) {
	bus := &fakeBus{up: true}
	srv := New(DefaultConfig(), gate.New(gate.Deps{}, gate.Policy{}), nil, nil, bus)

	resp := getHealth(t, srv.Handler())
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, statusConnected, resp.Services.AuditBus)

	bus.up = false
	resp = getHealth(t, srv.Handler())
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, statusDisconnected, resp.Services.AuditBus)
}

// ---------------------------------------------------------------------------
// Test: middleware
// ---------------------------------------------------------------------------

type panickingProcessor struct{}

func (panickingProcessor) Process(context.Context, *gate.Request) (*gate.Result, error) {
	panic("boom")
}

func (panickingProcessor) Template(key string) string { return "tpl:" + key }

func TestRecoverer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Debug = true
	srv := New(cfg, panickingProcessor{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/guardrails", strings.NewReader(chatBody("hello there")))
	req.Header.Set(HeaderRequestID, "panic-1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "tpl:"+config.TemplateError, detail.Message)
	assert.Equal(t, "boom", detail.Details)
	assert.Equal(t, "panic-1", detail.RequestID)
	assert.Equal(t, "panic-1", rec.Header().Get(HeaderRequestID))
	assert.NotEmpty(t, rec.Header().Get(HeaderProcessTime))
}

func TestRequestID_RejectsOversizedHeader(t *testing.T) {
	srv := New(DefaultConfig(), gate.New(gate.Deps{}, gate.Policy{}), nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(HeaderRequestID, strings.Repeat("x", maxRequestIDLen+1))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	id := rec.Header().Get(HeaderRequestID)
	assert.NotEmpty(t, id)
	assert.LessOrEqual(t, len(id), maxRequestIDLen)
}

func TestNotFoundAndMethod(t *testing.T) {
	srv := New(DefaultConfig(), gate.New(gate.Deps{}, gate.Policy{}), nil, nil, nil)

	tests := []struct {
		method, path string
		code         int
	}{
		{http.MethodGet, "/nope", http.StatusNotFound},
		{http.MethodGet, "/v1/guardrails", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
		assert.Equal(t, tt.code, rec.Code, "%s %s", tt.method, tt.path)
		assert.Equal(t, tt.code, decodeError(t, rec).StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.post(t, chatBody("I hate mondays"), nil)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "guardrails_filtered_total")
}

func TestClientID(t *testing.T) {
	tests := []struct {
		name       string
		forwarded  string
		remoteAddr string
		want       string
	}{
		{"forwarded single", "203.0.113.7", "10.0.0.1:5555", "203.0.113.7"},
		{"forwarded chain", " 203.0.113.7 , 10.0.0.2", "10.0.0.1:5555", "203.0.113.7"},
		{"empty first hop", ", 10.0.0.2", "10.0.0.1:5555", "10.0.0.1"},
		{"remote only", "", "192.0.2.10:443", "192.0.2.10"},
		{"ipv6 remote", "", "[2001:db8::1]:8080", "2001:db8::1"},
		{"no port", "", "unix-socket", "unix-socket"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set(HeaderForwarded, tt.forwarded)
			}
			assert.Equal(t, tt.want, ClientID(req))
		})
	}
}
