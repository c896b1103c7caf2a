// Package units centralizes the fixed-point arithmetic used throughout the
// engine. Unsigned quantities (balances, sizes, margin, LP shares) are
// 256-bit unsigned integers; signed quantities (P&L, funding index, global
// UPL) are arbitrary-precision signed integers. Nothing here ever touches
// float64 — every ratio is computed as a multiply-then-divide over the full
// precision of the inputs.
package units

import (
	"math/big"

	"github.com/holiman/uint256"
)

// BPS is the basis-point divisor used for all percentage-like ratios.
const BPS = 10_000

// UNIT is the fixed-point denominator for funding and fee intermediate
// arithmetic, preserving precision before values are split into shares.
const UNIT = 1_000_000_000_000_000_000 // 10^18

var (
	// BPSInt and UnitInt are the unsigned-256 forms of BPS/UNIT, ready to
	// use directly in MulDiv without reallocating on every call site.
	BPSInt  = uint256.NewInt(BPS)
	UnitInt = uint256.NewInt(UNIT)

	// BPSBig and UnitBig are the signed-big forms, used in funding/P&L math.
	BPSBig  = big.NewInt(BPS)
	UnitBig = big.NewInt(UNIT)
)

// Zero returns a fresh zero-valued Int. Never share a single Zero() value
// across mutations — Int methods mutate their receiver.
func Zero() *uint256.Int { return new(uint256.Int) }

// New wraps a uint64 literal as an Int.
func New(v uint64) *uint256.Int { return uint256.NewInt(v) }

// ZeroOr returns v, or a fresh zero if v is nil. Useful when reading from
// a map of *uint256.Int where the zero value is the absent key.
func ZeroOr(v *uint256.Int) *uint256.Int {
	if v == nil {
		return Zero()
	}
	return v
}

// Clone returns a copy of v so callers can mutate the result without
// aliasing the argument.
func Clone(v *uint256.Int) *uint256.Int { return new(uint256.Int).Set(v) }

// Add returns a + b without mutating either argument.
func Add(a, b *uint256.Int) *uint256.Int { return new(uint256.Int).Add(a, b) }

// SatSub returns a - b, saturating at zero instead of underflowing. Several
// accounting paths in the spec ("decrement buffer balance, saturating at
// zero") rely on this rather than a panicking subtraction.
func SatSub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}

// Sub returns a - b and panics on underflow. Used where the spec's
// invariants guarantee a >= b and an underflow would indicate a bug in the
// caller, not a legitimate zero-clamp case.
func Sub(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) < 0 {
		panic("units: Sub underflow")
	}
	return new(uint256.Int).Sub(a, b)
}

// Min returns the smaller of a, b.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) <= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// Max returns the larger of a, b.
func Max(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return Clone(a)
	}
	return Clone(b)
}

// MulDiv computes floor(a*b/c) using a big.Int intermediate so the a*b
// product never overflows 256 bits before the division narrows it back
// down. This is the workhorse for every bps/UNIT ratio in the spec.
func MulDiv(a, b, c *uint256.Int) *uint256.Int {
	if c.IsZero() {
		panic("units: MulDiv division by zero")
	}
	prod := new(big.Int).Mul(a.ToBig(), b.ToBig())
	prod.Quo(prod, c.ToBig())
	out, overflow := uint256.FromBig(prod)
	if overflow {
		panic("units: MulDiv result overflows 256 bits")
	}
	return out
}

// MulDivBPS computes floor(a*bps/BPS) — the common "apply a basis-point
// ratio to an amount" operation.
func MulDivBPS(a *uint256.Int, bps uint64) *uint256.Int {
	return MulDiv(a, New(bps), BPSInt)
}

// ToBig converts an unsigned Int to a signed big.Int for mixing into
// signed P&L/funding arithmetic.
func ToBig(a *uint256.Int) *big.Int { return a.ToBig() }

// FromBigClamped converts a signed big.Int back to an unsigned Int,
// clamping negative values to zero. Used where a signed intermediate
// (e.g. "margin minus loss") is known to be bounded above by a real
// unsigned quantity but might transiently go negative in the formula.
func FromBigClamped(v *big.Int) *uint256.Int {
	if v.Sign() <= 0 {
		return Zero()
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		panic("units: FromBigClamped overflows 256 bits")
	}
	return out
}

// MulDivSigned computes truncated-toward-zero a*b/c over signed big.Int
// operands, mirroring the rounding behavior MulDiv uses for unsigned
// quantities (Quo truncates toward zero, unlike big.Int.Div's Euclidean
// rounding, which would shift signs at zero crossings in P&L math).
func MulDivSigned(a, b, c *big.Int) *big.Int {
	if c.Sign() == 0 {
		panic("units: MulDivSigned division by zero")
	}
	prod := new(big.Int).Mul(a, b)
	return prod.Quo(prod, c)
}

// AbsDiff returns |a-b| for two unsigned Ints without relying on signed
// conversion.
func AbsDiff(a, b *uint256.Int) *uint256.Int {
	if a.Cmp(b) >= 0 {
		return new(uint256.Int).Sub(a, b)
	}
	return new(uint256.Int).Sub(b, a)
}

// IsPositive reports whether a signed big.Int is strictly greater than zero.
func IsPositive(v *big.Int) bool { return v.Sign() > 0 }

// IsNegative reports whether a signed big.Int is strictly less than zero.
func IsNegative(v *big.Int) bool { return v.Sign() < 0 }

// NegAbs returns the unsigned absolute value of a negative big.Int as an
// Int, for when a negative P&L needs to be applied to an unsigned ledger
// field (e.g. crediting a trader loss to the pool buffer).
func NegAbs(v *big.Int) *uint256.Int {
	abs := new(big.Int).Abs(v)
	out, overflow := uint256.FromBig(abs)
	if overflow {
		panic("units: NegAbs overflows 256 bits")
	}
	return out
}
