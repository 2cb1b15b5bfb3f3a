// Package models defines the server-side domain types: principals, payment
// intents and the settlement work items derived from them.
package models

import (
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// Principal is the authenticated party on whose behalf an intent is created.
// Email only feeds key derivation and is never persisted next to a key.
type Principal struct {
	ID    string
	Email string
}

// Validate checks that both identity parts are present.
func (p Principal) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return common.NewValidationError("principal_id", "must not be empty")
	}
	if strings.TrimSpace(p.Email) == "" {
		return common.NewValidationError("principal_email", "must not be empty")
	}
	return nil
}
