package convert

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		class Class
	}{
		{NewValidationError("bad input"), ClassValidation},
		{NewLimitExceededError("too big"), ClassValidation},
		{NewTransientError("io", errors.New("broken pipe")), ClassTransient},
		{NewTimeoutError("too slow", context.DeadlineExceeded), ClassTimeout},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("something unexpected"), ClassInternal},
		{fmt.Errorf("wrapped: %w", NewValidationError("bad")), ClassValidation},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.class {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.class)
		}
	}
	if Classify(nil) != "" {
		t.Fatal("nil error should have empty class")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(NewValidationError("bad")) {
		t.Fatal("validation errors must not be retried")
	}
	if IsRetryable(NewTimeoutError("slow", nil)) {
		t.Fatal("timeouts must not be retried")
	}
	if !IsRetryable(NewTransientError("io", nil)) {
		t.Fatal("transient errors must be retried")
	}
	// 分類されていない失敗もリトライ対象として扱う
	if !IsRetryable(errors.New("unknown")) {
		t.Fatal("unclassified errors must be retried")
	}
}

func TestAsError(t *testing.T) {
	orig := NewTransientError("io", errors.New("cause"))
	if got := AsError(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Fatalf("AsError should unwrap to the typed error, got %#v", got)
	}

	converted := AsError(errors.New("plain failure"))
	if converted.Class != ClassInternal || converted.Code != "INTERNAL_ERROR" {
		t.Fatalf("unexpected conversion: %#v", converted)
	}

	timeout := AsError(context.DeadlineExceeded)
	if timeout.Code != "TIME_LIMIT_EXCEEDED" {
		t.Fatalf("unexpected timeout conversion: %#v", timeout)
	}

	if AsError(nil) != nil {
		t.Fatal("nil error should convert to nil")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewTransientError("io", cause)
	if !errors.Is(err, cause) {
		t.Fatal("typed error should unwrap to its cause")
	}
}
