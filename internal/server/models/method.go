package models

import (
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// Method tags how the principal intends to pay.
type Method string

const (
	MethodCreditCard     Method = "credit_card"
	MethodDebitCard      Method = "debit_card"
	MethodBankTransfer   Method = "bank_transfer"
	MethodDigitalWallet  Method = "digital_wallet"
	MethodCryptocurrency Method = "cryptocurrency"
)

var knownMethods = map[Method]struct{}{
	MethodCreditCard:     {},
	MethodDebitCard:      {},
	MethodBankTransfer:   {},
	MethodDigitalWallet:  {},
	MethodCryptocurrency: {},
}

// ParseMethod normalizes and validates a method tag.
func ParseMethod(v string) (Method, error) {
	m := Method(strings.ToLower(strings.TrimSpace(v)))
	if _, ok := knownMethods[m]; !ok {
		return "", common.NewValidationError("method", "unsupported payment method")
	}
	return m, nil
}

// IsCard reports whether the method carries card data.
func (m Method) IsCard() bool {
	return m == MethodCreditCard || m == MethodDebitCard
}
