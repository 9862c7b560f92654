package math

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// PriceConfig governs the price-per-share scale: a locked price of
	// 1_000_000 means one share converts to exactly one value unit.
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

// Scale is the fixed price-per-share scale used by every settlement path.
const Scale uint64 = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetUint64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDivFloor computes floor(a * b / div) using int128 intermediates to
// prevent overflow. Floor is the only rounding used by settlement paths:
// truncation favors the pool, never the claimant.
func MulDivFloor(a, b, div uint64) uint64 {
	if div == 0 {
		panic("math: division by zero")
	}

	product := getInt128()
	ta := getInt128()
	tb := getInt128()

	ta.SetUint64(a)
	tb.SetUint64(b)
	product.Mul(ta, tb)

	tb.SetUint64(div)
	product.Quo(product, tb)

	result := product.Uint64()

	putInt128(product)
	putInt128(ta)
	putInt128(tb)

	return result
}

// ShareValue converts shares to value units at a locked price:
// floor(shares * price / Scale).
func ShareValue(shares, price uint64) uint64 {
	return MulDivFloor(shares, price, Scale)
}
