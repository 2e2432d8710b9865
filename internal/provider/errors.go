package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies adapter-level failures. Every upstream failure mode
// maps into exactly one kind.
type ErrorKind string

const (
	KindRateLimited         ErrorKind = "rate_limited"
	KindInvalidRequest      ErrorKind = "invalid_request"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindUnknown             ErrorKind = "unknown"
)

// Error is the adapter-level error type. Router-level conditions (unknown or
// disabled provider) are sentinel errors in the registry package, not kinds.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the kind from an error chain, defaulting to KindUnknown.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Classify maps an upstream HTTP status and response body into the error
// taxonomy. The body is probed for the common {"error":{"message":...}}
// envelope; otherwise it is used verbatim.
func Classify(providerID string, statusCode int, body []byte) *Error {
	message := string(body)
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		message = envelope.Error.Message
	}

	kind := KindUnknown
	switch {
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		kind = KindTimeout
	case statusCode >= 400 && statusCode < 500:
		kind = KindInvalidRequest
	case statusCode >= 500:
		kind = KindUpstreamUnavailable
	}

	return &Error{
		Kind:     kind,
		Provider: providerID,
		Message:  fmt.Sprintf("upstream status %d: %s", statusCode, message),
	}
}

// FromTransport maps a network or context error from an outbound call into
// the taxonomy. Errors already carrying a kind pass through unchanged.
func FromTransport(providerID string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	kind := KindUpstreamUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{
		Kind:     kind,
		Provider: providerID,
		Message:  err.Error(),
		Err:      err,
	}
}

// Errorf builds an adapter error with a formatted message.
func Errorf(providerID string, kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:     kind,
		Provider: providerID,
		Message:  fmt.Sprintf(format, args...),
	}
}
