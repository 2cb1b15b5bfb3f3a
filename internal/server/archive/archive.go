// Package archive stores redacted settlement receipts for terminal intents
// and hands out short-lived links to them.
package archive

import (
	"context"
	"time"

	"github.com/dmitrijs2005/paykeeper/internal/common"
	"github.com/dmitrijs2005/paykeeper/internal/server/models"
)

// Receipt is what gets archived once an intent settles. It mirrors the
// redacted view and never holds payload data.
type Receipt struct {
	IntentID          string            `json:"intentId"`
	PrincipalID       string            `json:"principalId"`
	MerchantID        string            `json:"merchantId,omitempty"`
	MerchantOrderID   string            `json:"merchantOrderId,omitempty"`
	Status            models.Status     `json:"status"`
	Method            models.Method     `json:"method"`
	Amount            models.Amount     `json:"amount"`
	Currency          string            `json:"currency"`
	ExternalReference string            `json:"externalReference,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	ProcessedAt       *time.Time        `json:"processedAt,omitempty"`
}

// ReceiptFromRecord builds the receipt of a settled record.
func ReceiptFromRecord(rec *models.IntentRecord) Receipt {
	r := Receipt{
		IntentID:          rec.ID,
		PrincipalID:       rec.PrincipalID,
		MerchantID:        rec.MerchantID,
		MerchantOrderID:   rec.MerchantOrderID,
		Status:            rec.Status,
		Method:            rec.Method,
		Amount:            rec.Amount,
		Currency:          rec.Currency,
		ExternalReference: rec.ExternalReference,
		FailureReason:     rec.FailureReason,
		CreatedAt:         rec.CreatedAt,
	}
	if len(rec.Metadata) > 0 {
		r.Metadata = make(map[string]string, len(rec.Metadata))
		for k, v := range rec.Metadata {
			r.Metadata[k] = v
		}
	}
	if rec.ProcessedAt != nil {
		t := *rec.ProcessedAt
		r.ProcessedAt = &t
	}
	return r
}

// Archive persists receipts and returns links to them.
type Archive interface {
	Store(ctx context.Context, r Receipt) error
	URL(ctx context.Context, intentID string) (string, error)
}

// ObjectKey is the storage key of an intent's receipt.
func ObjectKey(intentID string) string {
	return "receipts/" + intentID + ".json"
}

type nopArchive struct{}

// Nop returns an Archive that keeps nothing; URL always reports ErrorNotFound.
func Nop() Archive { return nopArchive{} }

func (nopArchive) Store(context.Context, Receipt) error { return nil }

func (nopArchive) URL(context.Context, string) (string, error) {
	return "", common.ErrorNotFound
}
