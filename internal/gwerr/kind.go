// Package gwerr defines the gateway's error taxonomy. Every failure that can
// reach an HTTP response carries one of these kinds; internal/httpserver
// maps each kind to exactly one HTTP status, in one place, so the mapping
// can never drift between handlers.
package gwerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed error tokens from the proxying state machine.
type Kind string

const (
	BadRequest        Kind = "bad_request"
	Unauthorized      Kind = "unauthorized"
	SessionExpired    Kind = "session_expired"
	ServiceNotAllowed Kind = "service_not_allowed"
	NotFound          Kind = "not_found"
	RateLimitExceeded Kind = "rate_limit_exceeded"
	UpstreamError     Kind = "upstream_error"
	ConfigErrorKind   Kind = "config_error"
)

// Error pairs a Kind with a human-readable message. It never carries token
// values, ciphertext, or key material.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// As extracts the Kind of err if it is (or wraps) a *gwerr.Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// ConfigError reports a fatal startup misconfiguration: missing master key,
// unreadable stores, or a decryption failure while loading persisted
// credentials. Callers treat this as fatal and must not serve it as a 500.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string { return "config error: " + e.Message }

// NewConfigError builds a ConfigError.
func NewConfigError(format string, args ...any) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}

// AuthError signals that an authenticated-encryption tag failed to verify.
// It deliberately carries no detail about which check failed.
type AuthError struct{}

func (AuthError) Error() string { return "authentication failed" }
