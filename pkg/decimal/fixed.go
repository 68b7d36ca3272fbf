// Package decimal implements the unified 18-decimal fixed-point
// representation used by every component that touches price, quantity or
// collateral. All internal arithmetic happens in 18d; conversion to and
// from a market's native collateral decimals (commonly 6 for USDC) only
// happens at the I/O boundary, per the market registry's collateral_decimals
// field.
package decimal

import (
	"fmt"
	"math/big"
)

// Scale is the number of fractional decimal digits carried internally.
const Scale = 18

var scaleFactor = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)

// Fixed is a signed 18-decimal fixed-point number backed by *big.Int so
// notional values at exchange scale never silently overflow an int64.
type Fixed struct {
	v *big.Int // value * 10^18
}

// Zero is the additive identity.
func Zero() Fixed { return Fixed{v: big.NewInt(0)} }

// FromInt builds a Fixed from a whole-number integer (no fractional part).
func FromInt(n int64) Fixed {
	return Fixed{v: new(big.Int).Mul(big.NewInt(n), scaleFactor)}
}

// FromRaw wraps an already-scaled big.Int (value * 10^18) directly. Used
// when deserializing from storage.
func FromRaw(raw *big.Int) Fixed {
	return Fixed{v: new(big.Int).Set(raw)}
}

// Raw returns the underlying scaled integer (value * 10^18).
func (f Fixed) Raw() *big.Int { return new(big.Int).Set(f.v) }

// FromNative converts an amount expressed in a token's native decimals
// (e.g. 6 for USDC) into the internal 18d representation.
func FromNative(amount *big.Int, nativeDecimals int) Fixed {
	if nativeDecimals == Scale {
		return FromRaw(amount)
	}
	diff := Scale - nativeDecimals
	if diff >= 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
		return Fixed{v: new(big.Int).Mul(amount, factor)}
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-diff)), nil)
	return Fixed{v: new(big.Int).Quo(amount, factor)}
}

// ToNative converts the internal 18d value down to a token's native
// decimals, truncating any residual precision (never rounds up, so the
// conversion never manufactures value).
func (f Fixed) ToNative(nativeDecimals int) *big.Int {
	if nativeDecimals == Scale {
		return f.Raw()
	}
	diff := Scale - nativeDecimals
	if diff >= 0 {
		factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(diff)), nil)
		return new(big.Int).Quo(f.v, factor)
	}
	factor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-diff)), nil)
	return new(big.Int).Mul(f.v, factor)
}

func (f Fixed) Add(o Fixed) Fixed { return Fixed{v: new(big.Int).Add(f.v, o.v)} }
func (f Fixed) Sub(o Fixed) Fixed { return Fixed{v: new(big.Int).Sub(f.v, o.v)} }
func (f Fixed) Neg() Fixed        { return Fixed{v: new(big.Int).Neg(f.v)} }
func (f Fixed) Abs() Fixed        { return Fixed{v: new(big.Int).Abs(f.v)} }

// Mul multiplies two 18d values, rescaling the 36-decimal intermediate
// product back down to 18d (truncating, never rounding up).
func (f Fixed) Mul(o Fixed) Fixed {
	prod := new(big.Int).Mul(f.v, o.v)
	return Fixed{v: prod.Quo(prod, scaleFactor)}
}

// Div divides f by o at 18d precision; panics on division by zero, the
// same way a bare int64 division would — callers must check IsZero first.
func (f Fixed) Div(o Fixed) Fixed {
	if o.IsZero() {
		panic("decimal: division by zero")
	}
	num := new(big.Int).Mul(f.v, scaleFactor)
	return Fixed{v: num.Quo(num, o.v)}
}

// MulBps multiplies f by bps/10000 (basis points), flooring toward zero.
func (f Fixed) MulBps(bps int64) Fixed {
	num := new(big.Int).Mul(f.v, big.NewInt(bps))
	return Fixed{v: num.Quo(num, big.NewInt(10000))}
}

func (f Fixed) Cmp(o Fixed) int      { return f.v.Cmp(o.v) }
func (f Fixed) IsZero() bool         { return f.v.Sign() == 0 }
func (f Fixed) IsPositive() bool     { return f.v.Sign() > 0 }
func (f Fixed) IsNegative() bool     { return f.v.Sign() < 0 }
func (f Fixed) GTE(o Fixed) bool     { return f.Cmp(o) >= 0 }
func (f Fixed) GT(o Fixed) bool      { return f.Cmp(o) > 0 }
func (f Fixed) LTE(o Fixed) bool     { return f.Cmp(o) <= 0 }
func (f Fixed) LT(o Fixed) bool      { return f.Cmp(o) < 0 }
func (f Fixed) Equal(o Fixed) bool   { return f.Cmp(o) == 0 }

// Min and Max are free functions (not methods) so callers reading
// `decimal.Min(a, b)` don't mistake them for mutating a receiver.
func Min(a, b Fixed) Fixed {
	if a.LTE(b) {
		return a
	}
	return b
}

func Max(a, b Fixed) Fixed {
	if a.GTE(b) {
		return a
	}
	return b
}

// IsMultipleOf reports whether f is an exact integer multiple of step
// (used to validate price against tick_size and qty against lot_size).
// A zero step is treated as "no constraint" and always returns true.
func (f Fixed) IsMultipleOf(step Fixed) bool {
	if step.IsZero() {
		return true
	}
	return new(big.Int).Rem(f.v, step.v).Sign() == 0
}

// String renders the value with up to 18 fractional digits, trimming
// trailing zeros, e.g. "100.5".
func (f Fixed) String() string {
	neg := f.v.Sign() < 0
	abs := new(big.Int).Abs(f.v)
	intPart := new(big.Int).Quo(abs, scaleFactor)
	frac := new(big.Int).Mod(abs, scaleFactor)
	fracStr := fmt.Sprintf("%018s", frac.String())
	for len(fracStr) > 0 && fracStr[len(fracStr)-1] == '0' {
		fracStr = fracStr[:len(fracStr)-1]
	}
	sign := ""
	if neg {
		sign = "-"
	}
	if fracStr == "" {
		return fmt.Sprintf("%s%s", sign, intPart.String())
	}
	return fmt.Sprintf("%s%s.%s", sign, intPart.String(), fracStr)
}

// MarshalJSON encodes the value as a JSON string to avoid float precision
// loss across the wire, matching the teacher's string-encoded bigint
// convention in transaction payloads.
func (f Fixed) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", f.String())), nil
}

// UnmarshalJSON accepts either a JSON string ("100.50") or a bare JSON
// number for convenience in hand-written test fixtures.
func (f *Fixed) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// Parse reads a decimal string like "100.50" or "-3" into a Fixed.
func Parse(s string) (Fixed, error) {
	if s == "" {
		return Zero(), fmt.Errorf("decimal: empty string")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	} else if s[0] == '+' {
		s = s[1:]
	}
	intStr, fracStr := s, ""
	for i, c := range s {
		if c == '.' {
			intStr, fracStr = s[:i], s[i+1:]
			break
		}
	}
	if len(fracStr) > Scale {
		fracStr = fracStr[:Scale]
	}
	for len(fracStr) < Scale {
		fracStr += "0"
	}
	if intStr == "" {
		intStr = "0"
	}
	combined := intStr + fracStr
	v, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return Zero(), fmt.Errorf("decimal: invalid number %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return Fixed{v: v}, nil
}
