package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeNotFound, "")
	wrapped := fmt.Errorf("lookup: %w", Wrap(CodeNotFound, stdErrors.New("boom"), "agent missing"))

	if !stdErrors.Is(wrapped, sentinel) {
		t.Fatalf("expected errors.Is to match on code")
	}
	if stdErrors.Is(wrapped, New(CodeTimeout, "")) {
		t.Fatalf("different codes must not match")
	}
	if CodeOf(wrapped) != CodeNotFound {
		t.Fatalf("unexpected code: %s", CodeOf(wrapped))
	}
}

func TestMessageOfOmitsCodePrefix(t *testing.T) {
	err := Wrap(CodeTimeout, stdErrors.New("deadline"), "handler took too long")
	if got := MessageOf(err); got != "handler took too long: deadline" {
		t.Fatalf("unexpected message: %q", got)
	}
	if got := err.Error(); got != "[TIMEOUT] handler took too long: deadline" {
		t.Fatalf("unexpected error string: %q", got)
	}
	if got := MessageOf(stdErrors.New("plain")); got != "plain" {
		t.Fatalf("unexpected plain message: %q", got)
	}
}

func TestRegisteredAttributes(t *testing.T) {
	const code Code = "TEST_ONLY"
	Register(code, Attributes{Message: "test only", Severity: SeverityWarning, Retryable: true})

	err := New(code, "")
	if err.Message() != "test only" {
		t.Fatalf("default message not applied: %q", err.Message())
	}
	if !RetryableError(err) {
		t.Fatalf("expected retryable")
	}
	if SeverityOf(err) != SeverityWarning {
		t.Fatalf("unexpected severity: %s", SeverityOf(err))
	}
	if RetryableError(New(code, "", WithRetryable(false))) {
		t.Fatalf("override should disable retry")
	}
	if AttributesOf("MISSING").Severity != SeverityCritical {
		t.Fatalf("unknown codes fall back to UNKNOWN attributes")
	}
}
