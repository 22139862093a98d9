package venue

import (
	"errors"
	"fmt"
	"testing"
)

func TestRetryableClassification(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &Error{Venue: "binance", Class: ClassRateLimited, Code: 429}, true},
		{"temp ban", &Error{Venue: "binance", Class: ClassTempBan, Code: 418}, true},
		{"rejected", &Error{Venue: "bybit", Class: ClassRejected, Code: 400}, false},
		{"wrapped rate limit", fmt.Errorf("submit: %w", &Error{Class: ClassRateLimited}), true},
		{"plain error", errors.New("dial tcp: timeout"), false},
		{"quote unsupported", ErrQuoteOrdersUnsupported, false},
		{"nil", nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Retryable(tc.err); got != tc.want {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorStringAndUnwrap(t *testing.T) {
	inner := errors.New("429 too many requests")
	err := &Error{Venue: "binance", Class: ClassRateLimited, Code: 429, Body: "slow down", Err: inner}

	if !errors.Is(err, inner) {
		t.Fatal("wrapped error not reachable via errors.Is")
	}
	msg := err.Error()
	if msg == "" || msg != "binance venue error (rate_limited, code=429): slow down" {
		t.Fatalf("unexpected error string: %q", msg)
	}
}
