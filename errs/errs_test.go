package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesSourceCodeAndCause(t *testing.T) {
	err := New(
		"gist",
		CodeTransport,
		WithHTTP(502),
		WithMessage("listing fetch failed"),
		WithCause(errors.New("connection reset")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=gist") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=transport") {
		t.Fatalf("expected code marker in error string: %s", out)
	}
	if !strings.Contains(out, "http=502") {
		t.Fatalf("expected http status in error string: %s", out)
	}
	if !strings.Contains(out, "message=\"listing fetch failed\"") {
		t.Fatalf("expected message in error string: %s", out)
	}
	if !strings.Contains(out, "cause=\"connection reset\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := New("pastebin", CodeTransport, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the cause")
	}
}

func TestCodeOfSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("source cycle: %w", BadCredentials("gist"))
	if CodeOf(err) != CodeAuth {
		t.Fatalf("expected auth code, got %q", CodeOf(err))
	}
}

func TestQueueSentinelPredicates(t *testing.T) {
	full := New("queue", CodeQueueFull, WithMessage("raw queue full"))
	empty := New("queue", CodeQueueEmpty, WithMessage("raw queue empty"))

	if !QueueFull(full) || QueueFull(empty) {
		t.Fatalf("QueueFull predicate misclassified")
	}
	if !QueueEmpty(empty) || QueueEmpty(full) {
		t.Fatalf("QueueEmpty predicate misclassified")
	}
	if !errors.Is(fmt.Errorf("put: %w", full), full) {
		t.Fatalf("expected code-based Is matching after wrapping")
	}
}

func TestCodeOfNonStructuredError(t *testing.T) {
	if CodeOf(errors.New("plain")) != "" {
		t.Fatalf("expected empty code for unstructured error")
	}
}
