// Package api implements the broker's HTTP and WebSocket surface: the
// envelope ingress pipeline, RFC 7807 error responses, idempotency, JWT
// session auth, and the route handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ainp-network/broker/internal/errs"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
	Kind     string `json:"kind,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 response for err, translating a
// *errs.Error's Kind into the problem's title/type/status. Any other
// error is treated as an opaque INTERNAL_ERROR and never has its
// message exposed to the client.
func WriteProblem(w http.ResponseWriter, r *http.Request, err error) {
	var bErr *errs.Error
	if !errors.As(err, &bErr) {
		slog.Error("unhandled internal error", "error", err, "path", r.URL.Path)
		bErr = errs.New("INTERNAL_ERROR", "an unexpected error occurred")
	}
	if bErr.Kind == "INTERNAL_ERROR" {
		slog.Error("internal error", "error", err, "path", r.URL.Path)
	}

	problem := &ProblemDetail{
		Type:     "https://ainp.network/errors/" + bErr.Kind,
		Title:    title(bErr.Kind),
		Status:   bErr.HTTPStatus,
		Detail:   safeDetail(bErr),
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Kind:     bErr.Kind,
	}
	if bErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", bErr.RetryAfter))
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// safeDetail withholds the underlying message for INTERNAL_ERROR so
// implementation details never leak to callers; every other kind is
// already a stable, caller-facing message.
func safeDetail(e *errs.Error) string {
	if e.Kind == "INTERNAL_ERROR" {
		return "an unexpected error occurred, please retry"
	}
	return e.Message
}

// title renders a human-readable title from a stable error kind, e.g.
// "INVALID_ENVELOPE" -> "Invalid Envelope".
func title(kind string) string {
	words := []rune(kind)
	out := make([]rune, 0, len(words))
	upperNext := true
	for _, r := range words {
		switch {
		case r == '_':
			out = append(out, ' ')
			upperNext = true
		case upperNext:
			out = append(out, r)
			upperNext = false
		default:
			out = append(out, toLower(r))
		}
	}
	return string(out)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes r's body into v, returning an INVALID_REQUEST
// *errs.Error on malformed JSON.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New("INVALID_REQUEST", "malformed request body: %v", err)
	}
	return nil
}
