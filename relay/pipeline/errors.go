package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies a failed request for status mapping.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindOrigin              ErrorKind = "origin"
	KindAuth                ErrorKind = "auth"
	KindRateLimited         ErrorKind = "rate_limited"
	KindUpstreamThrottled   ErrorKind = "upstream_throttled"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindUpstreamOutage      ErrorKind = "upstream_outage"
	KindUpstreamProtocol    ErrorKind = "upstream_protocol"
	KindUpstreamAuth        ErrorKind = "upstream_auth"
	KindExtraction          ErrorKind = "extraction"
	KindInternal            ErrorKind = "internal"
)

// Sentinel causes. Callers match them with errors.Is.
var (
	ErrOriginNotAllowed = errors.New("origin not allowed")
	ErrUnauthorized     = errors.New("missing or invalid bearer token")
	ErrRateLimited      = errors.New("client rate limit exceeded")
	ErrEmptyHistory     = errors.New("history must be a non-empty array")
	ErrNoFinalAnswer    = errors.New("no usable final answer in provider output")
)

// Error is the only error type that leaves the orchestrator. Message is safe
// to show to callers; the wrapped cause is for logs only.
type Error struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	State      State // last state reached before the failure
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// publicMessages holds the sanitized caller-facing text per kind. Validation
// errors carry their own reason instead.
var publicMessages = map[ErrorKind]string{
	KindOrigin:              "origin not allowed",
	KindAuth:                "unauthorized",
	KindRateLimited:         "too many requests, slow down",
	KindUpstreamThrottled:   "the model provider is busy, try again shortly",
	KindUpstreamUnavailable: "the model provider could not be reached",
	KindUpstreamOutage:      "the model provider is unavailable",
	KindUpstreamProtocol:    "the model provider returned an unexpected response",
	KindUpstreamAuth:        "the relay is misconfigured",
	KindExtraction:          "the model did not produce a usable answer",
	KindInternal:            "internal error",
}

var statusByKind = map[ErrorKind]int{
	KindValidation:          http.StatusBadRequest,
	KindOrigin:              http.StatusForbidden,
	KindAuth:                http.StatusUnauthorized,
	KindRateLimited:         http.StatusTooManyRequests,
	KindUpstreamThrottled:   http.StatusTooManyRequests,
	KindUpstreamUnavailable: http.StatusInternalServerError,
	KindUpstreamOutage:      http.StatusBadGateway,
	KindUpstreamProtocol:    http.StatusInternalServerError,
	KindUpstreamAuth:        http.StatusInternalServerError,
	KindExtraction:          http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
}

// newError builds an Error with the public message for kind.
func newError(kind ErrorKind, cause error) *Error {
	return &Error{
		Kind:    kind,
		Status:  statusByKind[kind],
		Message: publicMessages[kind],
		cause:   cause,
	}
}

// ValidationError exposes the validator's reason as a 400. The reason never
// contains provider output.
func ValidationError(cause error) *Error {
	return &Error{
		Kind:    KindValidation,
		Status:  http.StatusBadRequest,
		Message: cause.Error(),
		cause:   cause,
	}
}

// AsError converts any error into an *Error, defaulting to KindInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(KindInternal, err)
}
