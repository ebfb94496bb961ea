package errkind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"engine error", New(RateLimited, "slow down"), RateLimited},
		{"wrapped engine error", fmt.Errorf("outer: %w", New(NotFound, "gone")), NotFound},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"canceled", context.Canceled, Cancelled},
		{"plain error", errors.New("boom"), ServerError},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: KindOf = %s, want %s", tc.name, got, tc.want)
		}
	}
	if KindOf(nil) != "" {
		t.Errorf("KindOf(nil) should be empty")
	}
}

func TestRetryable(t *testing.T) {
	for _, kind := range []Kind{Network, RateLimited, ServerError, Timeout, TokenRefreshFailed} {
		if !Retryable(New(kind, "x")) {
			t.Errorf("%s should be retryable", kind)
		}
	}
	for _, kind := range []Kind{BadInput, AuthInvalid, Forbidden, SchemaViolation, ConnectorSunset, QuotaExceeded} {
		if Retryable(New(kind, "x")) {
			t.Errorf("%s should not be retryable", kind)
		}
	}
	// A cancelled context is never retried even under a transient kind.
	err := Wrap(Network, context.Canceled, "dial")
	if Retryable(err) {
		t.Errorf("cancellation must not be retryable")
	}
}

func TestFromStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusUnauthorized:        AuthInvalid,
		http.StatusForbidden:           Forbidden,
		http.StatusNotFound:            NotFound,
		http.StatusRequestTimeout:      Timeout,
		http.StatusTooManyRequests:     RateLimited,
		http.StatusUnprocessableEntity: BadInput,
		http.StatusBadGateway:          ServerError,
		http.StatusOK:                  "",
	}
	for status, want := range cases {
		if got := FromStatus(status); got != want {
			t.Errorf("FromStatus(%d) = %s, want %s", status, got, want)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	inner := errors.New("connection reset")
	err := Wrap(Network, inner, "call slack").WithStatus(0).WithRetryAfter(2 * time.Second)
	if !errors.Is(err, inner) {
		t.Fatalf("wrapped error should unwrap to inner")
	}
	e := AsError(err)
	if e == nil || e.RetryAfter != 2*time.Second {
		t.Fatalf("retry hint lost: %+v", e)
	}
}
