// Package math holds the money arithmetic used by the position book and the
// trade engine. Amounts are int64 minor currency units; intermediate products
// are computed with arbitrary precision so qty*price cannot silently wrap.
package math

import (
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

var (
	decOne = decimal.NewFromInt(1)
	decTwo = decimal.NewFromInt(2)
)

// ErrOverflow is returned when a result does not fit in int64 minor units.
var ErrOverflow = fmt.Errorf("amount overflows int64 minor units")

func toInt64(d decimal.Decimal) (int64, error) {
	bi := d.BigInt()
	if !bi.IsInt64() {
		return 0, ErrOverflow
	}
	return bi.Int64(), nil
}

// MulAmount returns qty * unitPrice in minor units.
func MulAmount(qty, unitPrice int64) (int64, error) {
	return toInt64(decimal.NewFromInt(qty).Mul(decimal.NewFromInt(unitPrice)))
}

// DivRoundHalfUp divides two non-negative integers and rounds half up to the
// nearest whole minor unit. The remainder is compared exactly, never through
// a truncated fractional quotient.
func DivRoundHalfUp(numerator decimal.Decimal, denominator int64) (int64, error) {
	if denominator <= 0 {
		return 0, fmt.Errorf("non-positive denominator %d", denominator)
	}
	den := decimal.NewFromInt(denominator)
	q, r := numerator.QuoRem(den, 0)
	if r.Mul(decTwo).Cmp(den) >= 0 {
		q = q.Add(decOne)
	}
	return toInt64(q)
}

// WeightedAverageCost computes the cost basis after adding addQty units at
// addPrice to an existing holding of oldQty at oldAvg:
//
//	round_half_up((oldQty*oldAvg + addQty*addPrice) / (oldQty + addQty))
func WeightedAverageCost(oldQty, oldAvg, addQty, addPrice int64) (int64, error) {
	if oldQty < 0 || addQty <= 0 {
		return 0, fmt.Errorf("invalid quantities old=%d add=%d", oldQty, addQty)
	}
	if oldQty == 0 {
		return addPrice, nil
	}

	held := decimal.NewFromInt(oldQty).Mul(decimal.NewFromInt(oldAvg))
	added := decimal.NewFromInt(addQty).Mul(decimal.NewFromInt(addPrice))

	newQty, err := toInt64(decimal.NewFromInt(oldQty).Add(decimal.NewFromInt(addQty)))
	if err != nil {
		return 0, err
	}
	return DivRoundHalfUp(held.Add(added), newQty)
}

// RealizedProfit returns (sellPrice - avgCost) * qty. Negative on a loss.
func RealizedProfit(qty, avgCost, sellPrice int64) (int64, error) {
	spread := decimal.NewFromInt(sellPrice).Sub(decimal.NewFromInt(avgCost))
	return toInt64(spread.Mul(decimal.NewFromInt(qty)))
}

// Format renders minor units for humans, e.g. 12345 INR -> "₹123.45".
func Format(amount int64, currency string) string {
	return money.New(amount, currency).Display()
}

// KnownCurrency reports whether code is an ISO currency go-money can format.
func KnownCurrency(code string) bool {
	return money.GetCurrency(code) != nil
}
