// Package errs provides structured error types and helpers for the leakwatch pipeline.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies a pipeline error category.
type Code string

const (
	// CodeConfig indicates a missing or malformed configuration option.
	CodeConfig Code = "config"
	// CodeAuth indicates the origin rejected the configured credentials.
	CodeAuth Code = "auth"
	// CodeTransport indicates an HTTP transport failure.
	CodeTransport Code = "transport"
	// CodeDecode indicates an undecodable payload (non-UTF-8 body, malformed JSON).
	CodeDecode Code = "decode"
	// CodeRateLimited indicates the origin throttled or rejected the request.
	CodeRateLimited Code = "rate_limited"
	// CodeStorage indicates a store or broker failure.
	CodeStorage Code = "storage"
	// CodeQueueFull indicates a non-blocking put on a full queue.
	CodeQueueFull Code = "queue_full"
	// CodeQueueEmpty indicates a non-blocking get on an empty queue.
	CodeQueueEmpty Code = "queue_empty"
	// CodeInvariant indicates a programming invariant violation.
	CodeInvariant Code = "invariant"
)

// E captures structured error information produced across the pipeline.
type E struct {
	Source  string
	Code    Code
	HTTP    int
	Message string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:  strings.TrimSpace(source),
		Code:    code,
		HTTP:    0,
		Message: "",
		cause:   nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports code equality so sentinel comparisons survive wrapping.
func (e *E) Is(target error) bool {
	var other *E
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// CodeOf extracts the pipeline error code from err, or the empty code.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// QueueFull reports whether err represents a full-queue condition.
func QueueFull(err error) bool { return CodeOf(err) == CodeQueueFull }

// QueueEmpty reports whether err represents an empty-queue condition.
func QueueEmpty(err error) bool { return CodeOf(err) == CodeQueueEmpty }

// BadCredentials returns a standardized error for rejected origin credentials.
func BadCredentials(source string) *E {
	return New(source, CodeAuth, WithMessage("origin rejected the configured credentials"))
}
