package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/guardrails/internal/config"
)

// Response headers set on every reply.
const (
	HeaderRequestID   = "X-Request-ID"
	HeaderProcessTime = "X-Process-Time-Ms"
	HeaderForwarded   = "X-Forwarded-For"
	maxRequestIDLen   = 128
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDFrom returns the correlation id stored by the request id
// middleware, or "" outside of it.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// timingWriter stamps the processing time header right before the status
// line goes out.
type timingWriter struct {
	http.ResponseWriter
	start       time.Time
	status      int
	wroteHeader bool
}

func (w *timingWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	w.status = code
	elapsed := time.Since(w.start).Milliseconds()
	w.Header().Set(HeaderProcessTime, strconv.FormatInt(elapsed, 10))
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Flush lets the metrics handler stream through the wrapper.
func (w *timingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if !w.wroteHeader {
			w.WriteHeader(http.StatusOK)
		}
		f.Flush()
	}
}

// requestID echoes a client-supplied X-Request-ID or generates one, and
// makes it available to handlers through the request context.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > maxRequestIDLen {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// processTime wraps the writer so X-Process-Time-Ms is set on every reply
// and logs one line per request once the handler returns.
func processTime(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tw := &timingWriter{ResponseWriter: w, start: time.Now(), status: http.StatusOK}
		next.ServeHTTP(tw, r)
		if !tw.wroteHeader {
			tw.WriteHeader(http.StatusOK)
		}
		log.Debug().
			Str("request_id", RequestIDFrom(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", tw.status).
			Dur("elapsed", time.Since(tw.start)).
			Msg("request served")
	})
}

// recoverer turns a handler panic into a 500 with the generic error body.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			id := RequestIDFrom(r.Context())
			log.Error().
				Str("request_id", id).
				Str("path", r.URL.Path).
				Interface("panic", rec).
				Msg("handler panicked")
			s.writeError(w, id, http.StatusInternalServerError, s.gate.Template(config.TemplateError), panicDetail(rec))
		}()
		next.ServeHTTP(w, r)
	})
}

func panicDetail(rec any) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	if s, ok := rec.(string); ok {
		return s
	}
	return "panic"
}

// ClientID identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, else the host part of the peer address.
func ClientID(r *http.Request) string {
	if fwd := r.Header.Get(HeaderForwarded); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
