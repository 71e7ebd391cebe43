// Package errs defines the stable error kinds shared across the broker
// and the HTTP status each suggests. Domain packages return *errs.Error
// without knowing about HTTP; internal/api translates it to an RFC 7807
// Problem Detail response.
package errs

import "fmt"

// Error is a typed broker error carrying a stable kind string and a
// suggested HTTP status, independent of any transport.
type Error struct {
	Kind       string
	HTTPStatus int
	Message    string
	RetryAfter int // seconds; only meaningful for RATE_LIMIT_EXCEEDED / GREYLISTED
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// statusOf maps each stable kind to its suggested HTTP status.
var statusOf = map[string]int{
	"INVALID_ENVELOPE":             400,
	"UNSUPPORTED_VERSION":          400,
	"INVALID_INTENT":               400,
	"INVALID_REQUEST":              400,
	"UNAUTHORIZED":                 401,
	"INVALID_SIGNATURE":            401,
	"SIGNATURE_VERIFICATION_ERROR": 401,
	"IDENTITY_ERROR":               401,
	"FORBIDDEN":                    403,
	"NOT_FOUND":                    404,
	"DUPLICATE_EMAIL":              409,
	"REPLAY_DETECTED":              409,
	"GREYLISTED":                   425,
	"RATE_LIMIT_EXCEEDED":          429,
	"PAYMENT_REQUIRED":             402,
	"QUORUM_NOT_MET":               409,
	"INSUFFICIENT_FUNDS":           409,
	"MAX_ROUNDS_EXCEEDED":          409,
	"NEGOTIATION_EXPIRED":          409,
	"INVALID_STATE_TRANSITION":     409,
	"FEATURE_DISABLED":             503,
	"STALE":                        400,
	"INTERNAL_ERROR":               500,
}

// New constructs an Error for a known kind, looking up its HTTP status.
func New(kind, format string, args ...any) *Error {
	status, ok := statusOf[kind]
	if !ok {
		status = 500
	}
	return &Error{Kind: kind, HTTPStatus: status, Message: fmt.Sprintf(format, args...)}
}

// WithRetryAfter attaches a Retry-After hint (seconds) to the error.
func (e *Error) WithRetryAfter(seconds int) *Error {
	e.RetryAfter = seconds
	return e
}

// Is allows errors.Is(err, errs.New(kind, "")) to match by Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Kind extracts the stable kind string from any error, defaulting to
// INTERNAL_ERROR for unrecognized errors.
func Kind(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return "INTERNAL_ERROR"
}
