package domain

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of decimal places in one major unit.
const MinorUnitExponent = 2

// FormatMinor renders an amount in minor units as a major-unit string,
// e.g. 1050 -> "10.50".
func FormatMinor(amount int64) string {
	return decimal.New(amount, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}

// ParseMajor converts a major-unit string such as "10.50" into minor units.
// Amounts with more precision than a minor unit are rejected.
func ParseMajor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidArgument, s, err)
	}
	minor := d.Shift(MinorUnitExponent)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%w: amount %q has sub-minor precision", ErrInvalidArgument, s)
	}
	if minor.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("%w: amount %q out of range", ErrInvalidArgument, s)
	}
	return minor.IntPart(), nil
}
