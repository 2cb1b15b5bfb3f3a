// Package common contains shared constants, sentinel errors and small helpers
// used across paykeeper components.
package common

import "time"

const (
	// AuthorizationHeaderName carries the caller's bearer JWT.
	AuthorizationHeaderName = "Authorization"

	// IdempotencyKeyHeaderName lets a caller safely retry intent creation.
	IdempotencyKeyHeaderName = "Idempotency-Key"

	// DefaultTokenValidity is how long an intent authorization token stays usable.
	DefaultTokenValidity = 15 * time.Minute

	// DefaultIntentTTL is how long a PENDING intent may be advanced after creation.
	DefaultIntentTTL = 15 * time.Minute

	// MinKDFIterations is the lowest PBKDF2 iteration count accepted at startup.
	MinKDFIterations = 10000
)
