// Package errkind defines the stable error kinds surfaced by the execution
// engine and the helpers used to classify, wrap, and inspect them.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind is a stable, surface-level error category. Kinds are part of the API
// contract: they appear in node execution records, webhook responses, and
// admin pages, and they drive retry decisions.
type Kind string

const (
	BadInput           Kind = "bad_input"
	AuthInvalid        Kind = "auth_invalid"
	TokenRefreshFailed Kind = "token_refresh_failed"
	Forbidden          Kind = "forbidden"
	NotFound           Kind = "not_found"
	RateLimited        Kind = "rate_limited"
	QuotaExceeded      Kind = "quota_exceeded"
	SchemaViolation    Kind = "schema_violation"
	ConnectorSunset    Kind = "connector_sunset"
	BetaNotEnabled     Kind = "beta_not_enabled"
	UnknownOperation   Kind = "unknown_operation"
	Network            Kind = "network"
	Timeout            Kind = "timeout"
	ServerError        Kind = "server_error"
	Cancelled          Kind = "cancelled"
	QueueTimeout       Kind = "queue_timeout"
	DuplicateEvent     Kind = "duplicate_event"
)

// Quota rejection sub-kinds reported by the scheduler admission gate.
const (
	ConcurrentExceeded Kind = "concurrent_exceeded"
	RateExceeded       Kind = "rate_exceeded"
	BudgetExceeded     Kind = "budget_exceeded"
)

// Error is the engine's error type. Every failure that crosses a component
// boundary is an *Error so callers can switch on Kind without string matching.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	// RetryAfter carries a server-provided backoff hint (Retry-After or
	// X-RateLimit-Reset). Zero means no hint.
	RetryAfter time.Duration
	// Attempts is how many delivery attempts were made before the failure
	// became terminal. Zero means the caller did not track attempts.
	Attempts int
	Data     map[string]any
	wrapped  error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that unwraps to err.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithStatus attaches the originating HTTP status code.
func (e *Error) WithStatus(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter attaches a server backoff hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithAttempts records how many attempts were spent before giving up.
func (e *Error) WithAttempts(n int) *Error {
	e.Attempts = n
	return e
}

// WithData attaches diagnostic payload (never secrets).
func (e *Error) WithData(data map[string]any) *Error {
	e.Data = data
	return e
}

// KindOf extracts the Kind from err, walking wrapped errors. Unclassified
// errors report ServerError so callers always have a stable kind to record.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	return ServerError
}

// AsError returns the *Error in err's chain, or nil.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// retryable is the transient set: these kinds may succeed on a later attempt.
var retryable = map[Kind]bool{
	Network:            true,
	RateLimited:        true,
	ServerError:        true,
	Timeout:            true,
	TokenRefreshFailed: true,
}

// Retryable reports whether err belongs to the transient set. Context
// cancellation is never retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return retryable[KindOf(err)]
}

// FromStatus maps an HTTP response status to a Kind following the
// propagation policy: 401 auth_invalid, 403 forbidden, 404 not_found,
// 408 timeout, 429 rate_limited, remaining 4xx bad_input, 5xx server_error.
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return AuthInvalid
	case status == http.StatusForbidden:
		return Forbidden
	case status == http.StatusNotFound:
		return NotFound
	case status == http.StatusRequestTimeout:
		return Timeout
	case status == http.StatusTooManyRequests:
		return RateLimited
	case status >= 400 && status < 500:
		return BadInput
	case status >= 500:
		return ServerError
	default:
		return ""
	}
}
