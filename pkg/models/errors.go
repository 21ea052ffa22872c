package models

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable error category surfaced to callers. The set is
// part of the wire contract and must not be renamed.
type ErrorKind string

const (
	ErrInvalidRequest        ErrorKind = "invalid_request"
	ErrMissingInput          ErrorKind = "missing_input"
	ErrTemplateInvalid       ErrorKind = "template_invalid"
	ErrUnknownModel          ErrorKind = "unknown_model"
	ErrUnknownDeployment     ErrorKind = "unknown_deployment"
	ErrAuthFailed            ErrorKind = "auth_failed"
	ErrRateLimited           ErrorKind = "rate_limited"
	ErrContextWindowExceeded ErrorKind = "context_window_exceeded"
	ErrContentFiltered       ErrorKind = "content_filtered"
	ErrProviderUnavailable   ErrorKind = "provider_unavailable"
	ErrToolBudgetExceeded    ErrorKind = "tool_budget_exceeded"
	ErrCancelled             ErrorKind = "cancelled"
	ErrInternal              ErrorKind = "internal"
)

// HTTPStatus maps an error kind to the response status code.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case ErrInvalidRequest, ErrMissingInput, ErrTemplateInvalid,
		ErrContextWindowExceeded, ErrContentFiltered:
		return 400
	case ErrAuthFailed:
		return 401
	case ErrUnknownModel, ErrUnknownDeployment:
		return 404
	case ErrRateLimited:
		return 429
	case ErrCancelled:
		return 499
	case ErrProviderUnavailable:
		return 502
	case ErrToolBudgetExceeded, ErrInternal:
		return 500
	}
	return 500
}

// RunError is a classified failure carried through the run engine and
// surfaced at the HTTP boundary.
type RunError struct {
	Kind     ErrorKind
	Message  string
	Provider string
	Model    string
	Cause    error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Kind, e.Provider, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error { return e.Cause }

// NewRunError builds a RunError with a formatted message.
func NewRunError(kind ErrorKind, format string, args ...any) *RunError {
	return &RunError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// AsRunError extracts a RunError from an error chain.
func AsRunError(err error) (*RunError, bool) {
	var re *RunError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
