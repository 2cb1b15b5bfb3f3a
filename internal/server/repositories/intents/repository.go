// Package intents stores payment intent records. Every implementation
// supports the conditional save the lifecycle relies on: a write only lands
// if the stored status still equals the status the caller last read.
package intents

import (
	"context"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

type Repository interface {
	// Create inserts a new record. rec.ID is assigned by the caller.
	Create(ctx context.Context, rec *models.IntentRecord) error

	// Get returns a copy of the record or common.ErrorNotFound.
	Get(ctx context.Context, id string) (*models.IntentRecord, error)

	// Save writes the mutable lifecycle fields of rec (status, processedAt,
	// externalReference, failureReason, metadata, updatedAt) only if the
	// stored status equals expected. Otherwise it returns
	// common.ErrStatusConflict and nothing changes. The envelope, amount and
	// expiry are never rewritten.
	Save(ctx context.Context, rec *models.IntentRecord, expected models.Status) error

	// FindByPrincipal returns one page of the principal's records, newest
	// first, and the principal's total record count.
	FindByPrincipal(ctx context.Context, principalID string, page models.Page) ([]*models.IntentRecord, int64, error)

	// ListStale returns up to limit records in status whose deadline is
	// before the cutoff. For PENDING the deadline is expiresAt; for any
	// other status it is updatedAt.
	ListStale(ctx context.Context, status models.Status, before time.Time, limit int) ([]*models.IntentRecord, error)

	// Transitions returns the audit trail of an intent, oldest first. Create
	// and every successful Save append one entry in the same write, carrying
	// rec.Origin; a losing Save appends nothing.
	Transitions(ctx context.Context, intentID string) ([]models.Transition, error)
}

func newTransition(rec *models.IntentRecord, from models.Status, at time.Time) models.Transition {
	return models.Transition{
		From:      from,
		To:        rec.Status,
		Reason:    rec.FailureReason,
		ClientIP:  rec.Origin.ClientIP,
		UserAgent: rec.Origin.UserAgent,
		At:        at,
	}
}
