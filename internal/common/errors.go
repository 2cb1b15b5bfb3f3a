package common

import (
	"errors"
	"fmt"
)

// Sentinel errors. Callers match them with errors.Is; the message of a
// wrapped error never contains payload plaintext or key material.
var (
	// Input errors.
	ErrValidation = errors.New("validation error")

	// Crypto errors.
	ErrIntegrity     = errors.New("integrity verification failed")
	ErrFormat        = errors.New("malformed envelope")
	ErrMissingSecret = errors.New("master secret is not configured")

	// Token errors.
	ErrMalformedToken      = errors.New("malformed token")
	ErrExpired             = errors.New("expired")
	ErrPrincipalMismatch   = errors.New("principal mismatch")
	ErrTokenIntentMismatch = errors.New("token does not authorize this intent")

	// Lifecycle errors.
	ErrInvalidState = errors.New("invalid state transition")

	// Repository-level errors.
	ErrorNotFound     = errors.New("not found")
	ErrStatusConflict = errors.New("status changed concurrently")
	ErrStorage        = errors.New("storage unavailable")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
)

// ValidationError reports which input field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes every ValidationError match ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// Kind names the taxonomy class of an error.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindIntegrity         Kind = "integrity_error"
	KindFormat            Kind = "format_error"
	KindExpired           Kind = "expired"
	KindPrincipalMismatch Kind = "principal_mismatch"
	KindMalformedToken    Kind = "malformed_token"
	KindInvalidState      Kind = "invalid_state"
	KindNotFound          Kind = "not_found"
	KindStorage           Kind = "storage_error"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal_error"
)

// KindOf classifies err. Unknown errors are KindInternal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrFormat):
		return KindFormat
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrPrincipalMismatch), errors.Is(err, ErrTokenIntentMismatch):
		return KindPrincipalMismatch
	case errors.Is(err, ErrMalformedToken):
		return KindMalformedToken
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStatusConflict):
		return KindInvalidState
	case errors.Is(err, ErrorNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrorUnauthorized):
		return KindUnauthorized
	default:
		return KindInternal
	}
}

// Retryable reports whether the whole operation may be safely retried.
// Only transient storage failures qualify: policy and crypto errors never do.
func Retryable(err error) bool {
	return KindOf(err) == KindStorage
}
