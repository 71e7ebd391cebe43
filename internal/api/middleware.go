package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ainp-network/broker/internal/antifraud"
	"github.com/ainp-network/broker/internal/errs"
	"github.com/google/uuid"
)

type requestIDKey struct{}

// RequestID returns the request ID stashed in ctx by the RequestID
// middleware, or "" if none was stashed.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithRequestID assigns each request a stable ID (from X-Request-ID if
// the caller supplied one, otherwise a fresh uuid), echoes it back on
// the response, and stashes it in the request context so downstream
// handlers and WriteProblem can surface it as ProblemDetail.TraceID.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithRecover turns a panicking handler into a 500 Problem Detail
// instead of taking down the process.
func WithRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("panic in handler", "recovered", rec, "path", r.URL.Path)
				WriteProblem(w, r, errs.New("INTERNAL_ERROR", "internal error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// WithLogging logs method, path, status, and latency for every request
// at the broker's structured logger.
func WithLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)
			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", capture.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", RequestID(r.Context()),
			)
		})
	}
}

// WithRateLimit enforces a per-DID rate limit on HTTP routes that act on
// behalf of an authenticated caller DID. actorOf
// extracts the actor identity from the request (NewRouter passes the DID
// of a valid bearer session token); a request with no actor passes
// through unlimited here, and envelope ingress is limited by the
// pipeline's own rate-limit step. A degraded limiter fails open per
// antifraud.Limiter's contract but sets X-RateLimit-Degraded so
// operators can see it.
func WithRateLimit(limiter antifraud.Limiter, maxPerMinute int, actorOf func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor := actorOf(r)
			if actor == "" {
				next.ServeHTTP(w, r)
				return
			}
			allowed, degraded, err := limiter.Allow(r.Context(), actor, maxPerMinute)
			if degraded {
				w.Header().Set("X-RateLimit-Degraded", "true")
			}
			if err != nil {
				WriteProblem(w, r, errs.New("INTERNAL_ERROR", "rate limiter error: %v", err))
				return
			}
			if !allowed {
				WriteProblem(w, r, errs.New("RATE_LIMIT_EXCEEDED", "rate limit exceeded for %s", actor).WithRetryAfter(60))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Chain composes middleware in the order given, so Chain(a, b)(h) calls
// a then b then h.
func Chain(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
