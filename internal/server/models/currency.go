package models

import (
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// NormalizeCurrency upper-cases a three-letter currency code. No conversion
// rules apply; the code is only a tag on the intent.
func NormalizeCurrency(v string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(v))
	if len(c) != 3 {
		return "", common.NewValidationError("currency", "must be a three-letter code")
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return "", common.NewValidationError("currency", "must be a three-letter code")
		}
	}
	return c, nil
}
