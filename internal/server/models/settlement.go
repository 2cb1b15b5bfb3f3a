package models

import "time"

// SettlementJob is a queued request to resolve one PROCESSING intent.
// It carries identity only: the worker re-derives the key and decrypts
// the stored envelope itself.
type SettlementJob struct {
	IntentID       string    `json:"intent_id"`
	PrincipalID    string    `json:"principal_id"`
	PrincipalEmail string    `json:"principal_email"`
	DueAt          time.Time `json:"due_at"`
	Attempt        int       `json:"attempt"`
}

// Decision is the settlement outcome for one intent.
type Decision struct {
	Accepted          bool
	ExternalReference string
	Metadata          map[string]string
	DeclineReason     string
}
