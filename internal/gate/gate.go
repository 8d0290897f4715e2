// Package gate runs every inbound request through the moderation pipeline:
// rate check, user turn filter, context check, upstream call and response
// filter. Stages run strictly in order and the first one that rejects the
// request ends it; nothing reaches the backend once a filter has fired.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/audit"
	"github.com/whisper/guardrails/internal/config"
	"github.com/whisper/guardrails/internal/metrics"
	"github.com/whisper/guardrails/internal/moderation"
	"github.com/whisper/guardrails/internal/ratelimit"
	"github.com/whisper/guardrails/internal/upstream"
)

// Policy holds the configured defaults for each optional stage.
type Policy struct {
	RateLimit         bool
	ContentFilter     bool
	ContextModeration bool
	Template          func(key string) string // nil selects the built-in templates
}

// Deps are the collaborators of a Gate. Limiter and Context may be nil when
// the corresponding stage is disabled.
type Deps struct {
	Limiter  Limiter
	Filter   moderation.Classifier
	Context  ContextAnalyzer
	Upstream Upstream
	Audit    audit.Recorder
}

// Gate is the request pipeline. It holds no per-request state and is safe
// for concurrent use.
type Gate struct {
	deps   Deps
	policy Policy
	now    func() time.Time
}

// New builds a Gate.
func New(deps Deps, policy Policy) *Gate {
	if policy.Template == nil {
		policy.Template = func(key string) string {
			if t, ok := config.DefaultTemplates[key]; ok {
				return t
			}
			return config.DefaultTemplates[config.TemplateError]
		}
	}
	return &Gate{deps: deps, policy: policy, now: time.Now}
}

// Template returns the configured reply text for key.
func (g *Gate) Template(key string) string {
	return g.policy.Template(key)
}

// run tracks one request through the pipeline.
type run struct {
	g          *Gate
	req        *Request
	start      time.Time
	stageStart time.Time
}

func (r *run) enter(stage Stage, outcome string) {
	now := r.g.now()
	r.g.deps.Audit.RecordTransition(audit.Transition{
		RequestID: r.req.ID,
		Stage:     string(stage),
		Outcome:   outcome,
		Elapsed:   now.Sub(r.stageStart),
		Timestamp: now,
	})
	r.stageStart = now
}

func (r *run) event(typ audit.EventType, detail string) {
	r.g.deps.Audit.Record(audit.SecurityEvent{
		RequestID: r.req.ID,
		ClientID:  r.req.ClientID,
		Type:      typ,
		Detail:    detail,
		Timestamp: r.g.now(),
	})
}

// finish closes the run: it records the request's exchange summary and the
// pipeline metrics. res is nil for rate limited and error outcomes.
func (r *run) finish(outcome Outcome, res *Result) {
	now := r.g.now()
	elapsed := now.Sub(r.start)
	ex := audit.Exchange{
		RequestID: r.req.ID,
		ClientID:  r.req.ClientID,
		Request: audit.RequestSummary{
			Model:         r.req.Model,
			MessageCount:  len(r.req.Turns),
			HasGuardrails: r.req.Overrides.Any(),
		},
		Response:   audit.ResponseSummary{Outcome: string(outcome)},
		DurationMs: max(elapsed.Milliseconds(), 0),
		Timestamp:  now,
	}
	if res != nil {
		ex.Response.Filtered = res.Filtered
		ex.Response.FilterReason = res.Reason
		ex.Response.Done = res.Done
	}
	r.g.deps.Audit.RecordExchange(ex)

	metrics.RequestsTotal.WithLabelValues(string(outcome)).Inc()
	metrics.RequestLatency.Observe(elapsed.Seconds())
}

// Process runs req through the pipeline. It returns a Result for RESPONDED
// and FILTERED outcomes, *RateLimitedError when the client is over its
// window, an error wrapping ErrUpstream when the backend failed, and the
// context error when ctx ends first.
func (g *Gate) Process(ctx context.Context, req *Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := g.now()
	r := &run{g: g, req: req, start: now, stageStart: now}

	if len(req.Turns) == 0 {
		r.enter(StageReceived, "rejected")
		r.finish(OutcomeError, nil)
		return nil, &ValidationError{Field: "messages", Reason: "at least one message is required"}
	}

	r.enter(StageReceived, "accepted")

	if err := g.rateCheck(ctx, r); err != nil {
		return nil, err
	}

	contentFilter := resolve(g.policy.ContentFilter, req.Overrides.ContentFilter)
	if contentFilter {
		if err := r.checkAlive(ctx, StageFilterUserTurn); err != nil {
			return nil, err
		}
		if turn, ok := lastUserTurn(req.Turns); ok {
			if v := g.deps.Filter.Classify(turn.Content, moderation.RoleUser); v.Filtered {
				r.event(audit.EventContentFiltered, v.Reason)
				return r.filtered(StageFilterUserTurn, v), nil
			}
			r.enter(StageFilterUserTurn, "passed")
		} else {
			r.enter(StageFilterUserTurn, "skipped")
		}
	} else {
		r.enter(StageFilterUserTurn, "skipped")
	}

	if resolve(g.policy.ContextModeration, req.Overrides.ContextModeration) && g.deps.Context != nil && len(req.Turns) >= 2 {
		if err := r.checkAlive(ctx, StageContextCheck); err != nil {
			return nil, err
		}
		if v := g.deps.Context.Analyze(req.Turns); v.Filtered {
			r.event(audit.EventContextFiltered, v.Reason)
			return r.filtered(StageContextCheck, v), nil
		}
		r.enter(StageContextCheck, "passed")
	} else {
		r.enter(StageContextCheck, "skipped")
	}

	if err := r.checkAlive(ctx, StageForwardUpstream); err != nil {
		return nil, err
	}
	resp, err := g.deps.Upstream.Chat(ctx, upstream.ChatRequest{
		Model:       req.Model,
		Messages:    req.Turns,
		Temperature: req.Temperature,
		Stream:      false,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			r.enter(StageForwardUpstream, "canceled")
			r.finish(OutcomeError, nil)
			return nil, ctxErr
		}
		r.event(audit.EventUpstreamError, err.Error())
		r.enter(StageForwardUpstream, "failed")
		r.finish(OutcomeError, nil)
		log.Error().Err(err).Str("request_id", req.ID).Str("client_id", req.ClientID).Msg("upstream call failed")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	r.enter(StageForwardUpstream, "passed")

	if contentFilter {
		if v := g.deps.Filter.Classify(resp.Content, moderation.RoleAssistant); v.Filtered {
			r.event(audit.EventLLMContentFiltered, v.Reason)
			return r.filtered(StageFilterResponse, v), nil
		}
		r.enter(StageFilterResponse, "passed")
	} else {
		r.enter(StageFilterResponse, "skipped")
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}
	res := &Result{
		RequestID: req.ID,
		Model:     model,
		Message:   moderation.Turn{Role: moderation.RoleAssistant, Content: resp.Content},
		Done:      true, // stream is forced off, so the reply is always complete
		Outcome:   OutcomeResponded,
		Stage:     StageResponded,
	}
	r.enter(StageResponded, "completed")
	r.finish(OutcomeResponded, res)
	return res, nil
}

func (g *Gate) rateCheck(ctx context.Context, r *run) error {
	// A per-request override can not switch off limiting the operator enabled.
	if !g.policy.RateLimit || g.deps.Limiter == nil {
		r.enter(StageRateCheck, "skipped")
		return nil
	}
	if err := r.checkAlive(ctx, StageRateCheck); err != nil {
		return err
	}

	d, err := g.deps.Limiter.Check(ctx, r.req.ClientID)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			r.enter(StageRateCheck, "canceled")
			r.finish(OutcomeError, nil)
			return ctxErr
		}
		metrics.RateLimitStoreErrors.Inc()
		r.event(audit.EventRateLimitDegraded, err.Error())
		if !errors.Is(err, ratelimit.ErrStoreUnavailable) {
			log.Warn().Err(err).Str("request_id", r.req.ID).Msg("unexpected rate limiter error")
		}
	}
	if d.Limited {
		r.event(audit.EventRateLimitExceeded, fmt.Sprintf("limit %d reached, retry after %ds", d.Limit, d.RetryAfter))
		r.enter(StageRateCheck, "limited")
		r.finish(OutcomeRateLimited, nil)
		return &RateLimitedError{RetryAfter: d.RetryAfter, Message: g.Template(config.TemplateRateLimited)}
	}
	r.enter(StageRateCheck, "passed")
	return nil
}

// checkAlive aborts the pipeline before stage when the caller went away.
func (r *run) checkAlive(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		r.enter(stage, "canceled")
		r.finish(OutcomeError, nil)
		return err
	}
	return nil
}

func (r *run) filtered(stage Stage, v moderation.Verdict) *Result {
	key := config.TemplateContentFiltered
	switch v.Stage {
	case moderation.StageLanguage:
		key = config.TemplateLanguageNotSupported
	case moderation.StageContext:
		key = config.TemplateContextViolation
	}

	res := &Result{
		RequestID: r.req.ID,
		Model:     r.req.Model,
		Message:   moderation.Turn{Role: moderation.RoleAssistant, Content: r.g.Template(key)},
		Done:      true,
		Filtered:  true,
		Reason:    v.Reason,
		Outcome:   OutcomeFiltered,
		Stage:     stage,
		Verdict:   v,
	}
	metrics.FilteredTotal.WithLabelValues(string(stage), string(v.Stage)).Inc()
	log.Info().
		Str("request_id", r.req.ID).
		Str("client_id", r.req.ClientID).
		Str("stage", string(stage)).
		Str("reason", v.Reason).
		Msg("request filtered")

	r.enter(stage, "filtered")
	r.finish(OutcomeFiltered, res)
	return res
}

func resolve(def bool, override *bool) bool {
	if override != nil {
		return *override
	}
	return def
}

func lastUserTurn(turns []moderation.Turn) (moderation.Turn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == moderation.RoleUser {
			return turns[i], true
		}
	}
	return moderation.Turn{}, false
}
