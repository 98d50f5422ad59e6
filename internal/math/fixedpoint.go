package math

import (
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// PriceDecimals is the fixed-point precision of share prices (1e18 == 1.0).
const PriceDecimals = 18

// PriceScale is 10^PriceDecimals. Treat as read-only.
var PriceScale = uint256.NewInt(1_000_000_000_000_000_000)

type RoundingMode int

const (
	RoundDown RoundingMode = iota // toward zero, favours the pool
	RoundUp                       // away from zero, favours the pool on burns
)

// MulDiv computes x*y/d with a 512-bit intermediate and the given rounding.
// ok is false on division by zero or when the result does not fit 256 bits.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (result *uint256.Int, ok bool) {
	if d.IsZero() {
		return nil, false
	}

	q, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, false
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, d)
		if !rem.IsZero() {
			if _, carry := q.AddOverflow(q, uint256.NewInt(1)); carry {
				return nil, false
			}
		}
	}

	return q, true
}

// SharePrice returns totalBalance/totalShares scaled by PriceScale.
// An empty pool prices at exactly 1.0 so callers never divide by zero.
func SharePrice(totalBalance, totalShares *uint256.Int) (*uint256.Int, bool) {
	if totalShares.IsZero() {
		return new(uint256.Int).Set(PriceScale), true
	}
	return MulDiv(totalBalance, PriceScale, totalShares, RoundDown)
}

// SharesForAmount converts a value amount into pool shares.
// Deposits round down and burns round up so rounding never pays out value.
// While either total is zero, shares are minted 1:1.
func SharesForAmount(amount, totalBalance, totalShares *uint256.Int, mode RoundingMode) (*uint256.Int, bool) {
	if totalShares.IsZero() || totalBalance.IsZero() {
		return new(uint256.Int).Set(amount), true
	}
	return MulDiv(amount, totalShares, totalBalance, mode)
}

// AmountForShares converts shares back into value at the current price.
func AmountForShares(shares, totalBalance, totalShares *uint256.Int, mode RoundingMode) (*uint256.Int, bool) {
	if totalShares.IsZero() {
		return new(uint256.Int).Set(shares), true
	}
	return MulDiv(shares, totalBalance, totalShares, mode)
}

// PriceDecimal renders a PriceScale fixed-point value.
func PriceDecimal(price *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(price.ToBig(), -PriceDecimals)
}

// ScaleDecimal converts an integer amount into a decimal with the given
// number of implied decimal places.
func ScaleDecimal(v *uint256.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(v.ToBig(), -decimals)
}
