package retry

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := New(KindTransient, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if got := err.Error(); got != "transient: connection refused" {
		t.Fatalf("unexpected Error() string: %s", got)
	}
}

func TestErrorWithoutCauseFormatsKindOnly(t *testing.T) {
	err := New(KindOrphaned, nil)
	if got := err.Error(); got != "orphaned" {
		t.Fatalf("unexpected Error() string: %s", got)
	}
}

func TestIsRetryableOnlyForTransientAndResourceExhausted(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindTransient, true},
		{KindResourceExhausted, true},
		{KindValidation, false},
		{KindSandboxFailure, false},
		{KindTimeout, false},
		{KindCancelled, false},
		{KindOrphaned, false},
		{KindInvariantViolation, false},
	}
	for _, c := range cases {
		err := New(c.kind, nil)
		if got := IsRetryable(err); got != c.retryable {
			t.Errorf("kind=%s: IsRetryable=%v, want %v", c.kind, got, c.retryable)
		}
	}
}

func TestIsRetryableFalseForPlainError(t *testing.T) {
	if IsRetryable(errors.New("boom")) {
		t.Fatal("expected a plain, unclassified error to be non-retryable")
	}
}

func TestIsRetryableSeesThroughWrappedErrors(t *testing.T) {
	base := New(KindTransient, errors.New("timeout dialing redis"))
	wrapped := fmt.Errorf("dispatch failed: %w", base)
	if !IsRetryable(wrapped) {
		t.Fatal("expected IsRetryable to unwrap fmt.Errorf-wrapped classified errors")
	}
}
