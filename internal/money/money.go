// Package money provides shared Naira amount parsing and formatting.
//
// Amounts are decimal.Decimal values with 2 decimal places (kobo precision).
// Gateways that take integer minor units use ToKobo.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is the only currency the platform settles in.
const Currency = "NGN"

// Places is the number of decimal places kept for every amount.
const Places = 2

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrNegativeAmount = errors.New("amount must not be negative")
	ErrTooPrecise     = errors.New("amount has more than 2 decimal places")
)

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "3000", "1500.50") to an amount.
//
// Rules:
//   - Empty or malformed input is rejected
//   - Negative amounts are rejected
//   - More than 2 fractional digits is rejected rather than silently rounded
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if d.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	if !d.Equal(d.Round(Places)) {
		return decimal.Zero, ErrTooPrecise
	}
	return d, nil
}

// ParsePositive is Parse that also rejects zero.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return d, err
	}
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic("money: " + err.Error() + ": " + s)
	}
	return d
}

// Format renders an amount with exactly 2 decimal places (e.g. "3000.00").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}

// Display renders an amount for user-facing messages (e.g. "₦3,000.00").
func Display(d decimal.Decimal) string {
	neg := d.IsNegative()
	s := d.Abs().StringFixed(Places)
	whole, frac, _ := strings.Cut(s, ".")

	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := "₦" + b.String() + "." + frac
	if neg {
		return "-" + out
	}
	return out
}

// ToKobo converts an amount to integer minor units.
func ToKobo(d decimal.Decimal) int64 {
	return d.Shift(Places).Round(0).IntPart()
}

// FromKobo converts integer minor units to an amount.
func FromKobo(kobo int64) decimal.Decimal {
	return decimal.New(kobo, -Places)
}
