// Package money provides fixed-point currency arithmetic in integer minor
// units. All monetary values in CAPS flow through this package; binary
// floating point is never used for amounts because repeated rounding on
// percentage tax and tip buttons is observable at the register.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// Cents is an amount in the currency's minor unit (e.g. US cents).
// A Cents value of 1080 renders as "10.80".
type Cents int64

// Zero is the additive identity, exported for readability at call sites.
const Zero Cents = 0

// Parse converts a decimal string with up to two fractional digits into
// Cents. More than two fractional digits is an error, not a rounding;
// amounts entered at a terminal are already minor-unit exact.
func Parse(s string) (Cents, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty amount")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	var f int64
	switch len(frac) {
	case 0:
	case 1:
		f, err = strconv.ParseInt(frac, 10, 64)
		f *= 10
	case 2:
		f, err = strconv.ParseInt(frac, 10, 64)
	default:
		return 0, fmt.Errorf("money: too many decimal places in %q", s)
	}
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	c := Cents(w*100 + f)
	if neg {
		c = -c
	}
	return c, nil
}

// MustParse is Parse for test fixtures and constants; it panics on error.
func MustParse(s string) Cents {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// String renders the amount with exactly two decimal places.
func (c Cents) String() string {
	n := int64(c)
	sign := ""
	if n < 0 {
		sign = "-"
		n = -n
	}
	return fmt.Sprintf("%s%d.%02d", sign, n/100, n%100)
}

// Mul scales the amount by an integer quantity.
func (c Cents) Mul(qty int64) Cents { return c * Cents(qty) }

// ApplyBasisPoints returns c scaled by rate/10000, rounded half-up at the
// minor unit. An 8% add-on tax is 800 basis points: 1000 cents -> 80 cents.
func (c Cents) ApplyBasisPoints(rate int64) Cents {
	n := int64(c) * rate
	if n >= 0 {
		return Cents((n + 5000) / 10000)
	}
	return Cents(-((-n + 5000) / 10000))
}

// IsNegative reports whether the amount is below zero.
func (c Cents) IsNegative() bool { return c < 0 }

// ChangeDue is the cash change owed on an over-tender. Change is a
// terminal-side computation; the backend only ever records the applied
// amount. An exact or short tender owes no change.
func ChangeDue(tendered, total Cents) Cents {
	if tendered <= total {
		return Zero
	}
	return tendered - total
}
