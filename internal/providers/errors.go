package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind categorizes a provider failure. The set is stable; the
// router keys its retry decisions on it.
type ErrorKind string

const (
	// KindRateLimited indicates rate limiting (HTTP 429). Carries a
	// retry-after hint when the provider supplied one.
	KindRateLimited ErrorKind = "rate_limited"

	// KindOverloaded indicates the provider is shedding load (529,
	// overloaded_error, or connection-pool admission rejection).
	KindOverloaded ErrorKind = "overloaded"

	// KindBadRequest indicates client-side issues (HTTP 400);
	// non-retryable.
	KindBadRequest ErrorKind = "bad_request"

	// KindAuthFailed indicates authentication failure (401, 403).
	KindAuthFailed ErrorKind = "auth_failed"

	// KindContextWindowExceeded indicates the prompt does not fit the
	// model's context window.
	KindContextWindowExceeded ErrorKind = "context_window_exceeded"

	// KindContentFiltered indicates the request or response was blocked
	// by safety filters.
	KindContentFiltered ErrorKind = "content_filtered"

	// KindTimeout indicates a request or idle-stream timeout.
	KindTimeout ErrorKind = "timeout"

	// KindNetwork indicates a transport-level failure.
	KindNetwork ErrorKind = "network"

	// KindInternal indicates server-side provider errors (5xx).
	KindInternal ErrorKind = "internal"
)

// Retryable reports whether the next router attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindOverloaded, KindTimeout, KindNetwork, KindInternal:
		return true
	}
	return false
}

// Error is a classified failure from a provider. It keeps the provider
// identity and raw code for diagnostics.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	Status   int
	RawCode  string
	Message  string

	// RetryAfter is the provider's retry hint for rate limits.
	RetryAfter time.Duration

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.RawCode != "" {
		parts = append(parts, "code="+e.RawCode)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// AsError extracts a classified provider error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify wraps err as a provider Error, deriving the kind from the
// error chain and message when the caller has no status code.
func Classify(provider, model string, err error) *Error {
	if pe, ok := AsError(err); ok {
		return pe
	}
	e := &Error{Provider: provider, Model: model, Cause: err, Kind: classifyMessage(err)}
	if err != nil {
		e.Message = err.Error()
	}
	return e
}

// ClassifyStatus returns the error kind for an HTTP status code.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == 529:
		return KindOverloaded
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthFailed
	case status == http.StatusBadRequest:
		return KindBadRequest
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindInternal
	}
	return KindInternal
}

// classifyMessage derives a kind from the error chain when no status
// code is available.
func classifyMessage(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context window") ||
		strings.Contains(msg, "context length") ||
		strings.Contains(msg, "maximum context") ||
		strings.Contains(msg, "prompt is too long"):
		return KindContextWindowExceeded
	case strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "too many requests"):
		return KindRateLimited
	case strings.Contains(msg, "overloaded"):
		return KindOverloaded
	case strings.Contains(msg, "content_filter") ||
		strings.Contains(msg, "content policy") ||
		strings.Contains(msg, "safety"):
		return KindContentFiltered
	case strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "authentication"):
		return KindAuthFailed
	case strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded"):
		return KindTimeout
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "eof"):
		return KindNetwork
	case strings.Contains(msg, "invalid") ||
		strings.Contains(msg, "bad request"):
		return KindBadRequest
	}
	return KindInternal
}

// classifyCode refines a kind from a provider-specific error code.
func classifyCode(code string) (ErrorKind, bool) {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded", "insufficient_quota":
		return KindRateLimited, true
	case "overloaded_error":
		return KindOverloaded, true
	case "authentication_error", "invalid_api_key", "permission_error":
		return KindAuthFailed, true
	case "context_length_exceeded":
		return KindContextWindowExceeded, true
	case "content_policy_violation", "content_filter":
		return KindContentFiltered, true
	case "invalid_request_error":
		return KindBadRequest, true
	case "api_error", "server_error", "internal_error":
		return KindInternal, true
	}
	return "", false
}

// parseRetryAfter interprets a Retry-After header value.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
