package models

import "fmt"

// Status is the stored lifecycle state of an intent.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"

	// StatusExpired is never stored. It is what a PENDING record reads as
	// once its expiry has passed.
	StatusExpired Status = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a forward step.
// PENDING may also go straight to FAILED; the janitor uses that for
// records that expired long ago.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusFailed
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// ParseStatus accepts only storable statuses.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("unknown status %q", v)
	}
}
