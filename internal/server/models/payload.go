package models

import (
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// BillingAddress is part of the sealed payload.
type BillingAddress struct {
	Street     string `json:"street,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// PaymentPayload is the sensitive part of an intent. It only ever exists in
// plaintext between decrypt and the end of a single call; at rest it is an
// envelope. Field order is fixed, which keeps the JSON encoding canonical.
type PaymentPayload struct {
	CardNumber     string          `json:"cardNumber,omitempty"`
	CardHolder     string          `json:"cardHolder,omitempty"`
	ExpiryMonth    int             `json:"expiryMonth,omitempty"`
	ExpiryYear     int             `json:"expiryYear,omitempty"`
	CVV            string          `json:"cvv,omitempty"`
	AccountNumber  string          `json:"accountNumber,omitempty"`
	BillingAddress *BillingAddress `json:"billingAddress,omitempty"`
}

// Identifier returns the instrument identifier (card or account number)
// with spaces and dashes removed.
func (p *PaymentPayload) Identifier() string {
	id := p.CardNumber
	if id == "" {
		id = p.AccountNumber
	}
	return strings.NewReplacer(" ", "", "-", "").Replace(id)
}

// Validate checks that the fields the method needs are present. It checks
// presence and shape only; the settlement decider applies its own rules.
func (p *PaymentPayload) Validate(m Method) error {
	if p == nil {
		return common.NewValidationError("payload", "is required")
	}

	if m.IsCard() {
		if p.CardNumber == "" {
			return common.NewValidationError("payload.cardNumber", "is required")
		}
		if p.CVV == "" {
			return common.NewValidationError("payload.cvv", "is required")
		}
		if p.ExpiryMonth < 1 || p.ExpiryMonth > 12 {
			return common.NewValidationError("payload.expiryMonth", "must be between 1 and 12")
		}
		if p.ExpiryYear <= 0 {
			return common.NewValidationError("payload.expiryYear", "is required")
		}
		return nil
	}

	if p.AccountNumber == "" {
		return common.NewValidationError("payload.accountNumber", "is required")
	}
	return nil
}

// Wipe blanks the sensitive strings so the struct can be dropped safely.
// Go strings are immutable; this only releases the references.
func (p *PaymentPayload) Wipe() {
	if p == nil {
		return
	}
	p.CardNumber = ""
	p.CVV = ""
	p.AccountNumber = ""
	p.CardHolder = ""
	p.BillingAddress = nil
}
