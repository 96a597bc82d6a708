// Package money implements fixed-point token amounts with 6 implied
// decimal places and the platform fee arithmetic. All math is integer;
// divisions truncate toward zero.
package money

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Decimals is the number of implied decimal places.
const Decimals = 6

// unit is one whole token in base units.
const unit = 1_000_000

// Platform fee rate in basis points.
const (
	FeeBasisPoints    = 250
	BasisPointDivisor = 10000
)

// Amount is a token amount in base units (6 decimals).
type Amount int64

// FromUnits builds an Amount from raw base units.
func FromUnits(u int64) Amount {
	return Amount(u)
}

// FromBig converts a big integer in base units into an Amount.
// Returns an error when the value does not fit in int64.
func FromBig(v *big.Int) (Amount, error) {
	if v == nil {
		return 0, fmt.Errorf("nil amount")
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("amount out of range: %s", v)
	}
	return Amount(v.Int64()), nil
}

// BigInt returns the amount as a big integer in base units.
func (a Amount) BigInt() *big.Int {
	return big.NewInt(int64(a))
}

// Units returns the raw base units.
func (a Amount) Units() int64 {
	return int64(a)
}

// Parse converts a decimal string such as "10.50" into an Amount.
// At most 6 fractional digits are accepted; negative values are rejected.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("negative amount: %s", s)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("too many decimal places: %s", s)
	}
	frac += strings.Repeat("0", Decimals-len(frac))

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %s", s)
	}

	if w > (math.MaxInt64-f)/unit {
		return 0, fmt.Errorf("amount overflows: %s", s)
	}
	return Amount(w*unit + f), nil
}

// MustParse is Parse that panics; for constants in tests and config defaults.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a decimal string with trailing zeros trimmed,
// e.g. 10500000 -> "10.5", 250000 -> "0.25".
func (a Amount) String() string {
	neg := a < 0
	v := int64(a)
	if neg {
		v = -v
	}
	whole := v / unit
	frac := v % unit

	out := fmt.Sprintf("%d", whole)
	if frac > 0 {
		fracStr := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
		out += "." + fracStr
	}
	if neg {
		out = "-" + out
	}
	return out
}

// PlatformFee returns floor(price * 250 / 10000).
func PlatformFee(price Amount) Amount {
	return price * FeeBasisPoints / BasisPointDivisor
}

// OrganizerShare returns price minus the truncated platform fee. The share is
// always derived by subtraction so that fee + share == price exactly.
func OrganizerShare(price Amount) Amount {
	return price - PlatformFee(price)
}
