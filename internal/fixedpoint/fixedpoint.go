// Package fixedpoint implements the scaled integer arithmetic used across
// the lending engine: token amounts as big integers in the token's native
// fixed-point scale (1e18 in every deployed market) and percentages in basis
// points with a 100000 = 100% denominator.
//
// Every division floors. Fee computations therefore round in favor of the
// protocol and liquidation payouts round in favor of the borrower; the dust
// lands where the reference scenarios expect it.
package fixedpoint

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
)

// BpsDenominator is the basis-point denominator: 100000 == 100%.
// Note this is a 5-digit resolution, not the more common 10000.
const BpsDenominator = 100000

var (
	bpsDen = big.NewInt(BpsDenominator)

	// PriceScale is the fixed-point scale of oracle prices: 1e18.
	PriceScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
)

// ErrNoCollateral is returned when an LTV is requested for an account whose
// collateral value is zero while it still owes debt. The ratio is undefined;
// callers treat such accounts as fully unsecured.
var ErrNoCollateral = errors.New("fixedpoint: zero collateral value with outstanding debt")

// MulBps returns amount * bps / 100000, flooring.
func MulBps(amount *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return out.Quo(out, bpsDen)
}

// MulDiv returns a * b / den, flooring. den must be non-zero.
func MulDiv(a, b, den *big.Int) *big.Int {
	out := new(big.Int).Mul(a, b)
	return out.Quo(out, den)
}

// DiscountPrice applies a liquidation penalty to a price:
// price * (100000 - penaltyBps) / 100000, flooring.
func DiscountPrice(price *big.Int, penaltyBps uint64) *big.Int {
	keep := new(big.Int).SetUint64(BpsDenominator - penaltyBps)
	out := new(big.Int).Mul(price, keep)
	return out.Quo(out, bpsDen)
}

// LTVBps reports a position's loan-to-value ratio in basis points:
//
//	debt * 100000 / (collateral * price / PriceScale)
//
// The collateral value is floored first, then the ratio, matching the
// reference bookkeeping digit for digit. Values above 100000 (100%) are
// valid output for underwater positions.
func LTVBps(debt, collateral, price *big.Int) (*big.Int, error) {
	collateralValue := new(big.Int).Mul(collateral, price)
	collateralValue.Quo(collateralValue, PriceScale)
	if collateralValue.Sign() == 0 {
		if debt.Sign() == 0 {
			return big.NewInt(0), nil
		}
		return nil, ErrNoCollateral
	}
	ltv := new(big.Int).Mul(debt, bpsDen)
	return ltv.Quo(ltv, collateralValue), nil
}

// FromDecimal converts an external decimal quantity into an integer amount
// at the given number of fixed-point decimals, flooring. Oracle adapters use
// it to scale feed quotes into 1e18 price units.
func FromDecimal(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// ToDecimal renders an integer amount as a decimal at the given scale.
// Used only for display; the engine never computes on decimals.
func ToDecimal(amount *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(amount, 0).Shift(-decimals)
}
