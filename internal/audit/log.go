// Package audit records security events, request/response summaries and
// pipeline transitions. Recording never fails from the caller's point of
// view: sink errors and panics are swallowed and counted.
package audit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/metrics"
)

// Recorder is the interface the request pipeline writes to.
type Recorder interface {
	Record(ev SecurityEvent)
	RecordExchange(ex Exchange)
	RecordTransition(tr Transition)
}

// Sink persists or forwards entries.
type Sink interface {
	Name() string
	Write(e Entry) error
}

// Log fans entries out to its sinks, either inline or through a bounded
// queue drained by one goroutine.
type Log struct {
	sinks    []Sink
	failures atomic.Int64
	now      func() time.Time

	queue *queue
}

// New returns a synchronous Log.
func New(sinks ...Sink) *Log {
	return &Log{sinks: sinks, now: time.Now}
}

// NewAsync returns a Log that buffers up to size entries. When the buffer is
// full the oldest entry is discarded, or with block set the caller waits.
// A size of zero yields a synchronous Log.
func NewAsync(size int, block bool, sinks ...Sink) *Log {
	l := New(sinks...)
	if size > 0 {
		l.queue = newQueue(size, block, l.dispatch)
	}
	return l
}

// Record implements Recorder.
func (l *Log) Record(ev SecurityEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}
	metrics.SecurityEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	l.submit(Entry{Kind: KindEvent, Event: &ev})
}

// RecordExchange implements Recorder.
func (l *Log) RecordExchange(ex Exchange) {
	if ex.Timestamp.IsZero() {
		ex.Timestamp = l.now()
	}
	l.submit(Entry{Kind: KindExchange, Exchange: &ex})
}

// RecordTransition implements Recorder.
func (l *Log) RecordTransition(tr Transition) {
	if tr.Timestamp.IsZero() {
		tr.Timestamp = l.now()
	}
	l.submit(Entry{Kind: KindTransition, Transition: &tr})
}

// Failures returns the number of swallowed sink errors and panics.
func (l *Log) Failures() int64 {
	return l.failures.Load()
}

// Dropped returns the number of entries discarded by backpressure.
func (l *Log) Dropped() int64 {
	if l.queue == nil {
		return 0
	}
	return l.queue.dropped.Load()
}

// Close flushes queued entries. Entries recorded after Close are written
// synchronously.
func (l *Log) Close() {
	if l.queue != nil {
		l.queue.close()
	}
}

func (l *Log) submit(e Entry) {
	if l.queue != nil && l.queue.push(e) {
		return
	}
	l.dispatch(e)
}

func (l *Log) dispatch(e Entry) {
	for _, s := range l.sinks {
		if err := l.write(s, e); err != nil {
			l.failures.Add(1)
			metrics.AuditSinkFailures.WithLabelValues(s.Name()).Inc()
			log.Warn().Err(err).Str("sink", s.Name()).Str("kind", string(e.Kind)).
				Str("request_id", e.RequestID()).Msg("audit sink failed")
		}
	}
}

func (l *Log) write(s Sink, e Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit: sink %s panicked: %v", s.Name(), r)
		}
	}()
	return s.Write(e)
}

// queue is a bounded FIFO drained by a single worker.
type queue struct {
	ch      chan Entry
	block   bool
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newQueue(size int, block bool, handle func(Entry)) *queue {
	q := &queue{ch: make(chan Entry, size), block: block, done: make(chan struct{})}
	go func() {
		defer close(q.done)
		for e := range q.ch {
			handle(e)
		}
	}()
	return q
}

// push enqueues e. It returns false once the queue is closed.
func (q *queue) push(e Entry) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	if q.block {
		q.ch <- e
		return true
	}
	for {
		select {
		case q.ch <- e:
			return true
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
			metrics.AuditDropped.Inc()
		default:
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	<-q.done
}
