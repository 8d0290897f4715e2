package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/guardrails/internal/audit"
	"github.com/whisper/guardrails/internal/messaging"
)

// consumer turns bus messages back into audit entries and hands them to a
// sink.
type consumer struct {
	sink   audit.Sink
	logger zerolog.Logger

	mu        sync.Mutex
	events    map[audit.EventType]int
	exchanges int
	rejected  int
}

func newConsumer(logger zerolog.Logger) *consumer {
	return &consumer{
		sink:   audit.NewLogSink(logger),
		logger: logger,
		events: make(map[audit.EventType]int),
	}
}

// handle is the NATS callback for the audit subjects.
func (c *consumer) handle(subject string, data []byte) {
	entry, err := decodeEntry(subject, data)
	if err != nil {
		c.mu.Lock()
		c.rejected++
		c.mu.Unlock()
		c.logger.Warn().Err(err).Str("subject", subject).Msg("dropping audit message")
		return
	}

	c.mu.Lock()
	if entry.Event != nil {
		c.events[entry.Event.Type]++
	} else {
		c.exchanges++
	}
	c.mu.Unlock()

	if err := c.sink.Write(entry); err != nil {
		c.logger.Warn().Err(err).Str("subject", subject).Msg("audit sink failed")
	}
}

func decodeEntry(subject string, data []byte) (audit.Entry, error) {
	switch subject {
	case messaging.SubjectAuditEvent:
		var ev audit.SecurityEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return audit.Entry{}, fmt.Errorf("decode security event: %w", err)
		}
		if ev.RequestID == "" || ev.Type == "" {
			return audit.Entry{}, fmt.Errorf("security event without request id or type")
		}
		return audit.Entry{Kind: audit.KindEvent, Event: &ev}, nil
	case messaging.SubjectAuditExchange:
		var ex audit.Exchange
		if err := json.Unmarshal(data, &ex); err != nil {
			return audit.Entry{}, fmt.Errorf("decode exchange: %w", err)
		}
		if ex.RequestID == "" {
			return audit.Entry{}, fmt.Errorf("exchange without request id")
		}
		return audit.Entry{Kind: audit.KindExchange, Exchange: &ex}, nil
	default:
		return audit.Entry{}, fmt.Errorf("unknown audit subject %q", subject)
	}
}

// counts returns the number of security events seen per type.
func (c *consumer) counts() map[audit.EventType]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[audit.EventType]int, len(c.events))
	for k, v := range c.events {
		out[k] = v
	}
	return out
}

// summary logs totals on shutdown.
func (c *consumer) summary() {
	counts := c.counts()
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)

	dict := zerolog.Dict()
	for _, t := range types {
		dict.Int(t, counts[audit.EventType(t)])
	}

	c.mu.Lock()
	exchanges, rejected := c.exchanges, c.rejected
	c.mu.Unlock()

	c.logger.Info().
		Dict("events", dict).
		Int("exchanges", exchanges).
		Int("rejected", rejected).
		Msg("auditor summary")
}
