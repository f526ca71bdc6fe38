// Package money provides exact fixed-point decimal arithmetic for settlement
// amounts. Amounts are represented as big.Int smallest units with 18
// fractional digits, matching the precision of ERC-20 stablecoins like USDC
// scaled to a platform-wide accounting unit. No floating point is used
// anywhere in the amount path.
package money

import (
	"database/sql/driver"
	"fmt"
	"math/big"
	"strings"
)

// Decimals is the number of fractional digits carried by every Amount.
const Decimals = 18

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// Amount is an exact fixed-point quantity, stored as smallest units.
type Amount struct {
	v *big.Int
}

// Zero returns the additive identity.
func Zero() Amount { return Amount{v: new(big.Int)} }

// FromUnits builds an Amount directly from smallest units.
func FromUnits(units *big.Int) Amount {
	return Amount{v: new(big.Int).Set(units)}
}

// Parse converts a decimal string ("12.50", "0", "0.000000000000000001")
// into an Amount. Returns false for malformed input or negative amounts.
func Parse(s string) (Amount, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, false
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}

	whole, frac, hasFrac := s, "", false
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		whole, frac = s[:idx], s[idx+1:]
		hasFrac = true
	}
	if whole == "" {
		whole = "0"
	}
	if hasFrac {
		if len(frac) > Decimals {
			return Amount{}, false
		}
		frac = frac + strings.Repeat("0", Decimals-len(frac))
	} else {
		frac = strings.Repeat("0", Decimals)
	}

	combined := whole + frac
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return Amount{}, false
	}
	if neg {
		v.Neg(v)
	}
	return Amount{v: v}, true
}

// MustParse is Parse but panics on invalid input. Intended for constants.
func MustParse(s string) Amount {
	a, ok := Parse(s)
	if !ok {
		panic(fmt.Sprintf("money: invalid amount %q", s))
	}
	return a
}

// String renders the amount as a decimal string with no trailing zero
// trimming beyond what is needed to drop an all-zero fractional part to ".0".
func (a Amount) String() string {
	if a.v == nil {
		a.v = new(big.Int)
	}
	neg := a.v.Sign() < 0
	abs := new(big.Int).Abs(a.v)

	s := abs.String()
	for len(s) <= Decimals {
		s = "0" + s
	}
	whole := s[:len(s)-Decimals]
	frac := s[len(s)-Decimals:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		frac = "0"
	}

	out := whole + "." + frac
	if neg {
		out = "-" + out
	}
	return out
}

// Units returns the underlying smallest-unit integer. The returned value is
// a copy; mutating it does not affect a.
func (a Amount) Units() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(a.v)
}

// Add returns a+b.
func (a Amount) Add(b Amount) Amount { return Amount{v: new(big.Int).Add(a.units(), b.units())} }

// Sub returns a-b.
func (a Amount) Sub(b Amount) Amount { return Amount{v: new(big.Int).Sub(a.units(), b.units())} }

// Neg returns -a.
func (a Amount) Neg() Amount { return Amount{v: new(big.Int).Neg(a.units())} }

// Cmp compares a to b: -1, 0, or 1.
func (a Amount) Cmp(b Amount) int { return a.units().Cmp(b.units()) }

// Sign returns -1, 0, or 1.
func (a Amount) Sign() int { return a.units().Sign() }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool { return a.Sign() == 0 }

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool { return a.Sign() > 0 }

// IsNegative reports whether the amount is strictly less than zero.
func (a Amount) IsNegative() bool { return a.Sign() < 0 }

func (a Amount) units() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// MarshalJSON renders the amount as a quoted decimal string so precision
// survives round-trips through JSON numbers, which are IEEE-754 doubles.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted decimal string.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, ok := Parse(s)
	if !ok {
		return fmt.Errorf("money: cannot unmarshal %q", s)
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer, storing the amount as its decimal string
// representation for NUMERIC columns.
func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

// Scan implements sql.Scanner.
func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	case nil:
		*a = Zero()
		return nil
	default:
		return fmt.Errorf("money: cannot scan %T into Amount", src)
	}
	parsed, ok := Parse(s)
	if !ok {
		return fmt.Errorf("money: cannot scan %q into Amount", s)
	}
	*a = parsed
	return nil
}

// ToUSDC converts an 18-decimal platform Amount into USDC's 6-decimal
// smallest-unit representation, truncating any sub-micro-USDC remainder.
func (a Amount) ToUSDC() *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals-6), nil)
	return new(big.Int).Quo(a.units(), scale)
}

// FromUSDCUnits builds an Amount from a USDC smallest-unit integer
// (6 decimals), scaling up to the platform's 18-decimal representation.
func FromUSDCUnits(usdcUnits *big.Int) Amount {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals-6), nil)
	return Amount{v: new(big.Int).Mul(usdcUnits, scale)}
}

var _ = unit // retained for documentation of the scale factor
