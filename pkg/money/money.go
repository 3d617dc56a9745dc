package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is a fixed-point monetary amount with 2 fractional digits,
// stored as an integer count of cents. All wallet and payout math
// operates on this type; floating point never carries money.
type Cents int64

// Scale is the number of cents per whole currency unit.
const Scale = 100

// FromUnits converts a whole-unit amount to Cents.
func FromUnits(units int64) Cents {
	return Cents(units * Scale)
}

// Parse converts a decimal string such as "1.00", "0.4" or "-12.34"
// into Cents. At most 2 fractional digits are accepted; anything finer
// would silently lose precision and is rejected instead.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}

	neg := false
	switch s[0] {
	case '-':
		neg = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return 0, fmt.Errorf("money: sign without digits")
	}

	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if fracPart == "" {
			return 0, fmt.Errorf("money: trailing decimal point in %q", s)
		}
		if len(fracPart) > 2 {
			return 0, fmt.Errorf("money: more than 2 fractional digits in %q", s)
		}
	}
	if intPart == "" {
		intPart = "0"
	}

	whole, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}

	frac := int64(0)
	if fracPart != "" {
		frac, err = strconv.ParseInt(fracPart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("money: invalid amount %q", s)
		}
		if len(fracPart) == 1 {
			frac *= 10
		}
	}

	c := Cents(whole*Scale + frac)
	if neg {
		c = -c
	}
	return c, nil
}

// MustParse is Parse for compile-time constants in tests and seeds.
// It panics on malformed input.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the amount as a decimal with exactly 2 fractional
// digits, e.g. "1.00", "-0.25".
func (c Cents) String() string {
	v := int64(c)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/Scale, v%Scale)
}

// MarshalJSON encodes the amount as a decimal string. Integer cent
// counts never round-trip through float64 this way.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON accepts either a quoted decimal string or a bare JSON
// number (clients are inconsistent about which they send).
func (c *Cents) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// MulInt scales the amount by an integer factor.
func (c Cents) MulInt(k int64) Cents {
	return Cents(int64(c) * k)
}

// MulFrac multiplies by num/den, computing the product before the
// division so no precision is lost, then truncates toward zero.
// Payout math uses this to apply bet-relative table values.
func (c Cents) MulFrac(num, den int64) Cents {
	if den == 0 {
		return 0
	}
	return Cents(int64(c) * num / den)
}

// Neg returns the arithmetic negation.
func (c Cents) Neg() Cents {
	return -c
}

// IsPositive reports whether the amount is strictly greater than zero.
func (c Cents) IsPositive() bool {
	return c > 0
}

// Units returns the whole-unit part, truncating cents.
func (c Cents) Units() int64 {
	return int64(c) / Scale
}

// Float64 converts for statistics and display only. Never feed the
// result back into balance or payout arithmetic.
func (c Cents) Float64() float64 {
	return float64(c) / Scale
}
