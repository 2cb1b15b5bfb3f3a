// Package events publishes redacted lifecycle events for payment intents.
package events

import (
	"context"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// Type names a lifecycle event.
type Type string

const (
	TypeCreated    Type = "intent.created"
	TypeProcessing Type = "intent.processing"
	TypeCompleted  Type = "intent.completed"
	TypeFailed     Type = "intent.failed"
)

// Event never carries payload data, keys or tokens.
type Event struct {
	ID          string        `json:"id"`
	Type        Type          `json:"type"`
	IntentID    string        `json:"intent_id"`
	PrincipalID string        `json:"principal_id"`
	Status      models.Status `json:"status"`
	Amount      models.Amount `json:"amount"`
	Currency    string        `json:"currency"`
	Reference   string        `json:"reference,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	OccurredAt  time.Time     `json:"occurred_at"`
}

// Publisher delivers events. Delivery is best effort: the lifecycle never
// rolls back a transition because an event could not be sent.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// FromRecord builds the event for rec's current status.
func FromRecord(t Type, rec *models.IntentRecord, at time.Time) Event {
	return Event{
		Type:        t,
		IntentID:    rec.ID,
		PrincipalID: rec.PrincipalID,
		Status:      rec.Status,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
		Reference:   rec.ExternalReference,
		Reason:      rec.FailureReason,
		OccurredAt:  at,
	}
}

// TypeForStatus maps a stored status to its event type.
func TypeForStatus(s models.Status) Type {
	switch s {
	case models.StatusProcessing:
		return TypeProcessing
	case models.StatusCompleted:
		return TypeCompleted
	case models.StatusFailed:
		return TypeFailed
	default:
		return TypeCreated
	}
}

type nopPublisher struct{}

// Nop returns a Publisher that drops every event.
func Nop() Publisher { return nopPublisher{} }

func (nopPublisher) Publish(context.Context, Event) error { return nil }
func (nopPublisher) Close() error                         { return nil }
