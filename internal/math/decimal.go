package math

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Decimal bridges are for config parsing and API rendering. Nothing in the
// pricing path goes through them.

// ParseFixed parses a decimal string such as "0.25" or "-12.000000001".
// Digits beyond Precision are rejected rather than rounded.
func ParseFixed(s string) (Fixed, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fixed %q: %w", s, err)
	}
	return FromDecimal(d)
}

// MustParseFixed is ParseFixed for literals.
func MustParseFixed(s string) Fixed {
	f, err := ParseFixed(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FromDecimal converts an exact decimal to Fixed.
func FromDecimal(d decimal.Decimal) (Fixed, error) {
	scaled := d.Shift(Precision)
	if !scaled.Equal(scaled.Truncate(0)) {
		return 0, fmt.Errorf("%s has more than %d fractional digits", d.String(), Precision)
	}
	bi := scaled.BigInt()
	if !bi.IsInt64() {
		return 0, ErrArithmeticOverflow
	}
	return Fixed(bi.Int64()), nil
}

// Decimal returns the exact decimal value.
func (a Fixed) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Precision)
}

func (a Fixed) String() string {
	return a.Decimal().String()
}

// MarshalText renders the value as a decimal string so JSON payloads stay
// exact.
func (a Fixed) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Fixed) UnmarshalText(text []byte) error {
	f, err := ParseFixed(string(text))
	if err != nil {
		return err
	}
	*a = f
	return nil
}
