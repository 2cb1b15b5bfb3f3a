package models

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/paykeeper/internal/common"
)

// Amount is a money value in minor units (hundredths). Floats never touch it.
type Amount int64

const minorPerMajor = 100

// ParseAmount parses a decimal string such as "100000", "12.5" or "12.50".
// At most two fraction digits are accepted; signs and exponents are not.
func ParseAmount(v string) (Amount, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, common.NewValidationError("amount", "must not be empty")
	}

	whole, frac, hasDot := strings.Cut(v, ".")
	if whole == "" || (hasDot && frac == "") {
		return 0, common.NewValidationError("amount", "malformed decimal")
	}
	if len(frac) > 2 {
		return 0, common.NewValidationError("amount", "at most two fraction digits")
	}
	if !allDigits(whole) || !allDigits(frac) {
		return 0, common.NewValidationError("amount", "malformed decimal")
	}

	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || major > math.MaxInt64/minorPerMajor-1 {
		return 0, common.NewValidationError("amount", "out of range")
	}

	for len(frac) < 2 {
		frac += "0"
	}
	minor, _ := strconv.ParseInt(frac, 10, 64)

	return Amount(major*minorPerMajor + minor), nil
}

// MustAmount is ParseAmount for constants in tests and defaults.
func MustAmount(v string) Amount {
	a, err := ParseAmount(v)
	if err != nil {
		panic(err)
	}
	return a
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String renders the amount with exactly two fraction digits.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/minorPerMajor, v%minorPerMajor)
}

// MarshalJSON writes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(a.String())), nil
}

// UnmarshalJSON accepts both "12.50" and 12.50. The raw token is parsed as
// text so no float conversion happens.
func (a *Amount) UnmarshalJSON(b []byte) error {
	raw := string(bytes.Trim(b, `"`))
	if raw == "null" {
		return common.NewValidationError("amount", "must not be empty")
	}
	v, err := ParseAmount(raw)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
