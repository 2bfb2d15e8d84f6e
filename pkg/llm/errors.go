package llm

import (
	"errors"
	"fmt"
)

// Kind classifies an LLM client failure. The orchestrator maps every kind,
// BadRequest included, to a fallback verdict rather than a request failure.
type Kind string

// Failure kinds surfaced by the client.
const (
	KindDeadlineExceeded Kind = "LLMDeadlineExceeded"
	KindCircuitOpen      Kind = "LLMCircuitOpen"
	KindTransient        Kind = "LLMTransient"
	KindBadRequest       Kind = "LLMBadRequest"
	KindUnparseable      Kind = "LLMUnparseable"
	KindUpstreamError    Kind = "LLMUpstreamError"
)

// Error is a classified LLM client failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError builds a classified error with a formatted message.
func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError builds a classified error around an underlying cause.
func wrapError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the failure kind from an error chain. Returns the empty
// string for non-LLM errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
