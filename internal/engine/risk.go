package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Monitor evaluates a strategy's risk controls against the market each tick.
// Thresholds are percentages; a zero threshold disables that control.
type Monitor struct {
	MaxDeviation decimal.Decimal
	StopLoss     decimal.Decimal
	Investment   decimal.Decimal
}

// Deviation measures how far price sits outside [low, high], as a percentage
// of the grid span. Inside the range it is zero.
func Deviation(price, low, high decimal.Decimal) decimal.Decimal {
	span := high.Sub(low)
	if span.Sign() <= 0 {
		return decimal.Zero
	}
	switch {
	case price.Cmp(low) < 0:
		return low.Sub(price).Div(span).Mul(hundred)
	case price.Cmp(high) > 0:
		return price.Sub(high).Div(span).Mul(hundred)
	}
	return decimal.Zero
}

// Evaluate returns a halt reason when a control is breached. Realized and
// unrealized profit are combined for the stop loss; only a net loss counts.
func (m Monitor) Evaluate(price, low, high, realized, unrealized decimal.Decimal) (string, bool) {
	if m.MaxDeviation.Sign() > 0 {
		if dev := Deviation(price, low, high); dev.Cmp(m.MaxDeviation) > 0 {
			return fmt.Sprintf("price deviation %s%% exceeds limit %s%%", dev.Round(2), m.MaxDeviation), true
		}
	}
	if m.StopLoss.Sign() > 0 && m.Investment.Sign() > 0 {
		loss := realized.Add(unrealized).Neg()
		if loss.Sign() > 0 {
			lossPct := loss.Div(m.Investment).Mul(hundred)
			if lossPct.Cmp(m.StopLoss) >= 0 {
				return fmt.Sprintf("loss %s%% of investment reached stop loss %s%%", lossPct.Round(2), m.StopLoss), true
			}
		}
	}
	return "", false
}
