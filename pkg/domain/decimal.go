package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Precision limits of stored decimal columns, NUMERIC(100,30).
const (
	DecimalMaxDigits = 100
	DecimalScale     = 30
)

// CheckPrecision reports a PrecisionLossError when d cannot be stored without
// rounding. Trailing fractional zeros are not significant.
func CheckPrecision(field string, d decimal.Decimal) error {
	text := d.String()
	digits := strings.TrimPrefix(text, "-")
	intPart, fracPart, _ := strings.Cut(digits, ".")
	fracPart = strings.TrimRight(fracPart, "0")
	intPart = strings.TrimLeft(intPart, "0")
	if len(fracPart) > DecimalScale {
		return &PrecisionLossError{Field: field, Value: text, Reason: "more than 30 fractional digits"}
	}
	if len(intPart) > DecimalMaxDigits-DecimalScale {
		return &PrecisionLossError{Field: field, Value: text, Reason: "more than 70 integer digits"}
	}
	return nil
}

// ParseDecimal parses s exactly and checks that it fits the stored precision.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, &ValidationError{Field: field, Reason: "not a decimal: " + err.Error()}
	}
	if err := CheckPrecision(field, d); err != nil {
		return decimal.Decimal{}, err
	}
	return d, nil
}

// MustDecimal parses s and panics on failure. Used for literals in tests and fixtures.
func MustDecimal(s string) decimal.Decimal {
	d, err := ParseDecimal("literal", s)
	if err != nil {
		panic(err)
	}
	return d
}

// CanonicalDecimal renders d without insignificant trailing zeros so equal
// values compare equal as text.
func CanonicalDecimal(d decimal.Decimal) string {
	text := d.String()
	if !strings.Contains(text, ".") {
		return text
	}
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}
