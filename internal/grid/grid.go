// Package grid computes the price levels of a trading grid. Build is pure and
// deterministic: identical specs always produce identical level sets, which
// recovery relies on to detect snapshot drift.
package grid

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
)

type Spec struct {
	Low    decimal.Decimal
	High   decimal.Decimal
	Number int
	Type   core.GridType
}

// Build returns Number ascending prices partitioning [Low, High].
// Arithmetic grids have constant adjacent spacing (High-Low)/(Number-1);
// geometric grids have constant adjacent ratio (High/Low)^(1/(Number-1)).
func Build(spec Spec) ([]decimal.Decimal, error) {
	if spec.Number < 2 {
		return nil, fmt.Errorf("%w: grid_number must be >= 2, got %d", core.ErrInvalidConfig, spec.Number)
	}
	if spec.Low.Cmp(decimal.Zero) <= 0 {
		return nil, fmt.Errorf("%w: low_price must be > 0, got %s", core.ErrInvalidConfig, spec.Low)
	}
	if spec.Low.Cmp(spec.High) >= 0 {
		return nil, fmt.Errorf("%w: low_price %s must be < high_price %s", core.ErrInvalidConfig, spec.Low, spec.High)
	}

	prices := make([]decimal.Decimal, spec.Number)
	switch spec.Type {
	case core.GridGeometric:
		ratio := math.Pow(spec.High.Div(spec.Low).InexactFloat64(), 1/float64(spec.Number-1))
		for i := range prices {
			prices[i] = spec.Low.Mul(decimal.NewFromFloat(math.Pow(ratio, float64(i))))
		}
	case core.GridArithmetic, "":
		step := spec.High.Sub(spec.Low).Div(decimal.NewFromInt(int64(spec.Number - 1)))
		for i := range prices {
			prices[i] = spec.Low.Add(step.Mul(decimal.NewFromInt(int64(i))))
		}
	default:
		return nil, fmt.Errorf("%w: unknown grid_type %q", core.ErrInvalidConfig, spec.Type)
	}
	// Endpoints exactly, regardless of float rounding in the geometric branch.
	prices[0] = spec.Low
	prices[spec.Number-1] = spec.High
	return prices, nil
}

// Recenter shifts the [Low, High] window so the given price sits at its
// midpoint, keeping the span. Used when the market has left the configured
// range before the strategy ever armed.
func Recenter(spec Spec, price decimal.Decimal) Spec {
	span := spec.High.Sub(spec.Low)
	half := span.Div(decimal.NewFromInt(2))
	low := price.Sub(half)
	if low.Cmp(decimal.Zero) <= 0 {
		low = decimal.RequireFromString("0.0001")
	}
	spec.Low = low
	spec.High = low.Add(span)
	return spec
}

// RoundDown truncates value to a multiple of step. A non-positive step is a
// pass-through.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// Normalize rounds every level down to the exchange price tick, dropping
// duplicates the rounding may create. Fails if the grid collapses below two
// distinct levels.
func Normalize(prices []decimal.Decimal, tick decimal.Decimal) ([]decimal.Decimal, error) {
	if tick.Cmp(decimal.Zero) <= 0 {
		return prices, nil
	}
	out := make([]decimal.Decimal, 0, len(prices))
	var last decimal.Decimal
	for _, p := range prices {
		rp := RoundDown(p, tick)
		if len(out) == 0 || rp.Cmp(last) != 0 {
			out = append(out, rp)
			last = rp
		}
	}
	if len(out) < 2 {
		return nil, fmt.Errorf("%w: grid collapsed after tick normalization", core.ErrInvalidConfig)
	}
	return out, nil
}

// Nearest returns the index of the level closest to price.
func Nearest(prices []decimal.Decimal, price decimal.Decimal) int {
	idx := sort.Search(len(prices), func(i int) bool { return prices[i].Cmp(price) >= 0 })
	if idx == 0 {
		return 0
	}
	if idx == len(prices) {
		return len(prices) - 1
	}
	below := price.Sub(prices[idx-1])
	above := prices[idx].Sub(price)
	if below.Cmp(above) <= 0 {
		return idx - 1
	}
	return idx
}
