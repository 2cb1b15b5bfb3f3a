package models

import (
	"maps"
	"time"
)

// IntentRecord is the stored form of a payment intent. Only the lifecycle
// service mutates it, and only through conditional saves.
type IntentRecord struct {
	ID              string
	PrincipalID     string
	MerchantID      string
	MerchantOrderID string
	Description     string
	Amount          Amount
	Currency        string
	Method          Method
	Status          Status

	// Envelope is nonce||ciphertext; KeyHash identifies the key that sealed it.
	Envelope []byte
	KeyHash  string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	ExpiresAt   time.Time
	ProcessedAt *time.Time

	ExternalReference string
	FailureReason     string
	Metadata          map[string]string

	// Origin describes the request behind the write being made. It lands on
	// the transition row, not on the intent, and is empty on loaded records.
	Origin RequestInfo
}

// IsExpired reports whether a PENDING record has passed its expiry.
// Records in any other status never expire.
func (r *IntentRecord) IsExpired(now time.Time) bool {
	return r.Status == StatusPending && now.After(r.ExpiresAt)
}

// EffectiveStatus is the status used for every read-time decision.
func (r *IntentRecord) EffectiveStatus(now time.Time) Status {
	if r.IsExpired(now) {
		return StatusExpired
	}
	return r.Status
}

// Clone returns a deep copy.
func (r *IntentRecord) Clone() *IntentRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Envelope != nil {
		c.Envelope = append([]byte(nil), r.Envelope...)
	}
	if r.ProcessedAt != nil {
		t := *r.ProcessedAt
		c.ProcessedAt = &t
	}
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// View returns the redacted projection shown to callers.
func (r *IntentRecord) View(now time.Time) *IntentView {
	v := &IntentView{
		ID:                r.ID,
		MerchantID:        r.MerchantID,
		MerchantOrderID:   r.MerchantOrderID,
		Description:       r.Description,
		Amount:            r.Amount,
		Currency:          r.Currency,
		Method:            r.Method,
		Status:            r.EffectiveStatus(now),
		CreatedAt:         r.CreatedAt,
		ExpiresAt:         r.ExpiresAt,
		ProcessedAt:       r.ProcessedAt,
		ExternalReference: r.ExternalReference,
		FailureReason:     r.FailureReason,
		Metadata:          maps.Clone(r.Metadata),
		IsExpired:         r.IsExpired(now),
	}
	v.IsActive = r.Status == StatusPending && !v.IsExpired
	return v
}

// IntentView never carries the envelope, key hash or principal email.
type IntentView struct {
	ID                string            `json:"id"`
	MerchantID        string            `json:"merchantId,omitempty"`
	MerchantOrderID   string            `json:"merchantOrderId,omitempty"`
	Description       string            `json:"description,omitempty"`
	Amount            Amount            `json:"amount"`
	Currency          string            `json:"currency"`
	Method            Method            `json:"method"`
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
	ProcessedAt       *time.Time        `json:"processedAt,omitempty"`
	ExternalReference string            `json:"externalReference,omitempty"`
	FailureReason     string            `json:"failureReason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	IsExpired         bool              `json:"isExpired"`
	IsActive          bool              `json:"isActive"`
}
