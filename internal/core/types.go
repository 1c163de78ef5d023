package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderStatus string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the mirrored side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCanceled        OrderStatus = "CANCELED"
	OrderRejected        OrderStatus = "REJECTED"
)

type GridType string

const (
	GridArithmetic GridType = "arithmetic"
	GridGeometric  GridType = "geometric"
)

type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// HedgeMode controls how a hedge leg mirrors the primary leg.
type HedgeMode string

const (
	HedgeOpposite HedgeMode = "opposite"
	HedgeSame     HedgeMode = "same"
	HedgeNone     HedgeMode = "none"
)

type Order struct {
	ID         string          `json:"id"`
	ClientID   string          `json:"client_id"`
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	Side       Side            `json:"side"`
	Type       OrderType       `json:"type"`
	Price      decimal.Decimal `json:"price"`
	Qty        decimal.Decimal `json:"qty"`
	ReduceOnly bool            `json:"reduce_only,omitempty"`
	Status     OrderStatus     `json:"status"`
	GridIndex  int             `json:"grid_index"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Trade is one executed fill, append-only once recorded.
type Trade struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	LevelIndex     int             `json:"level_index"`
	OrderID        string          `json:"order_id"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Price          decimal.Decimal `json:"price"`
	Qty            decimal.Decimal `json:"qty"`
	Fee            decimal.Decimal `json:"fee"`
	RealizedProfit decimal.Decimal `json:"realized_profit"`
	Account        string          `json:"account"`
	Time           time.Time       `json:"time"`
}

// Position is the signed net exposure of one account in one symbol.
// NetSize > 0 is long, < 0 is short. EntryPrice is volume-weighted.
type Position struct {
	Account    string          `json:"account"`
	Symbol     string          `json:"symbol"`
	NetSize    decimal.Decimal `json:"net_size"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	Leverage   int             `json:"leverage,omitempty"`
}

// Apply folds a fill into the position, re-weighting the entry price when the
// fill extends the position and leaving it untouched when the fill reduces it.
func (p *Position) Apply(side Side, price, qty decimal.Decimal) {
	signed := qty
	if side == Sell {
		signed = qty.Neg()
	}
	next := p.NetSize.Add(signed)
	switch {
	case p.NetSize.IsZero():
		p.EntryPrice = price
	case p.NetSize.Sign() == signed.Sign():
		// Extending: volume-weighted average entry.
		total := p.NetSize.Abs().Add(qty)
		p.EntryPrice = p.EntryPrice.Mul(p.NetSize.Abs()).Add(price.Mul(qty)).Div(total)
	case next.Sign() != 0 && next.Sign() != p.NetSize.Sign():
		// Flipped through zero: remainder entered at the fill price.
		p.EntryPrice = price
	}
	p.NetSize = next
	if p.NetSize.IsZero() {
		p.EntryPrice = decimal.Zero
	}
}

// HedgeLink pairs a primary leg with the hedge leg mirroring it.
type HedgeLink struct {
	PrimaryAccount   string          `json:"primary_account"`
	HedgeAccount     string          `json:"hedge_account"`
	Ratio            decimal.Decimal `json:"ratio"`
	Mode             HedgeMode       `json:"mode"`
	LastReconciledAt time.Time       `json:"last_reconciled_at"`
}

// ExpectedHedgeSize returns the hedge net size implied by the primary net
// size under this link's ratio and mode.
func (l HedgeLink) ExpectedHedgeSize(primaryNet decimal.Decimal) decimal.Decimal {
	expected := primaryNet.Mul(l.Ratio)
	if l.Mode == HedgeOpposite {
		expected = expected.Neg()
	}
	return expected
}

// LevelState is the lifecycle of one grid level.
type LevelState string

const (
	LevelEmpty       LevelState = "EMPTY"
	LevelPendingOpen LevelState = "PENDING_OPEN"
	LevelOpen        LevelState = "OPEN"
	LevelFilled      LevelState = "FILLED"
)

// GridLevel tracks one price point of a grid and the single order allowed
// to exist there.
type GridLevel struct {
	Index    int             `json:"index"`
	Price    decimal.Decimal `json:"price"`
	Side     Side            `json:"side"`
	State    LevelState      `json:"state"`
	OrderID  string          `json:"order_id,omitempty"`
	ClientID string          `json:"client_id,omitempty"`
	Account  string          `json:"account"`
	// Seq increments on every re-arm of the level so the deterministic client
	// order id changes across arm generations but stays stable across retries
	// of the same placement.
	Seq int `json:"seq"`
	// PairCost carries the fill price of the opening side of the round trip
	// (set on the sell level armed by a buy fill), used for realized profit.
	PairCost decimal.Decimal `json:"pair_cost,omitempty"`
	// PairQty is the opening side's executed quantity; the closing order uses
	// it so the round trip nets flat.
	PairQty decimal.Decimal `json:"pair_qty,omitempty"`
	// PairFee carries the fee already paid on the opening side.
	PairFee decimal.Decimal `json:"pair_fee,omitempty"`
	// Flagged marks a level skipped after a non-retryable exchange error.
	Flagged    bool   `json:"flagged,omitempty"`
	FlagReason string `json:"flag_reason,omitempty"`
}
