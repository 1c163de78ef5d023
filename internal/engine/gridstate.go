package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-hedge/internal/alert"
	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
	"grid-hedge/internal/grid"
)

// clientOrderID is deterministic per (strategy, level, arm generation). A
// retried placement reuses the id, so the exchange deduplicates instead of
// accepting a second order at the same level.
func clientOrderID(strategyID string, index, seq int) string {
	return fmt.Sprintf("grid-%s-%d-%d", strategyID, index, seq)
}

func clientIDPrefix(strategyID string) string {
	return "grid-" + strategyID + "-"
}

// levelQty splits the investment evenly across levels and converts it to
// base quantity at the level's price.
func (r *Runtime) levelQty(price decimal.Decimal) decimal.Decimal {
	return r.cfg.Investment.Decimal.
		Div(decimal.NewFromInt(int64(r.cfg.GridNumber))).
		Div(price).
		Truncate(6)
}

// freshStart builds the grid for the first time. A market already outside
// the configured range re-centres the window around the current price,
// keeping the span; the shifted range is persisted so recovery keeps it.
func (r *Runtime) freshStart(ctx context.Context) error {
	price, err := r.primary.Ticker(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("initial ticker %s: %w", r.cfg.Symbol, err)
	}
	if price.Cmp(r.spec.Low) < 0 || price.Cmp(r.spec.High) > 0 {
		recentred := grid.Recenter(r.spec, price)
		r.log.Warn("price outside configured range, re-centring grid",
			zap.String("price", price.String()),
			zap.String("low", recentred.Low.String()),
			zap.String("high", recentred.High.String()),
		)
		r.spec = recentred
	}
	prices, err := grid.Build(r.spec)
	if err != nil {
		return err
	}
	account := r.cfg.Primary().AccountAlias
	r.levels = make([]core.GridLevel, len(prices))
	for i, p := range prices {
		side := core.Buy
		if p.Cmp(price) > 0 {
			side = core.Sell
		}
		r.levels[i] = core.GridLevel{
			Index:   i,
			Price:   p,
			Side:    side,
			State:   core.LevelEmpty,
			Account: account,
		}
	}
	r.status = StatusRunning
	r.bus.Publish(alert.EventGridCreated, r.cfg.ID, map[string]string{
		"symbol": r.cfg.Symbol,
		"levels": strconv.Itoa(len(prices)),
		"low":    r.spec.Low.String(),
		"high":   r.spec.High.String(),
	})
	r.armLevels(ctx, price)
	r.dirty = true
	return r.snapshotLocked()
}

// pairLevel is the slot a level's round trip runs through: a buy pairs with
// the sell one level up, a sell with the buy one level down. Nil at the grid
// edge.
func (r *Runtime) pairLevel(lvl *core.GridLevel) *core.GridLevel {
	idx := lvl.Index + 1
	if lvl.Side == core.Sell {
		idx = lvl.Index - 1
	}
	if idx < 0 || idx >= len(r.levels) {
		return nil
	}
	return &r.levels[idx]
}

// flipLevel moves a filled level's entry bookkeeping onto its pair slot so
// the closing order can be armed there. The slot may be busy; the move is
// retried every tick until it lands. A resting opposite-side order already
// on the slot adopts the entry and becomes the closing leg itself.
func (r *Runtime) flipLevel(lvl *core.GridLevel) {
	adj := r.pairLevel(lvl)
	if adj == nil {
		return
	}
	closingSide := lvl.Side.Opposite()
	switch {
	case adj.State == core.LevelEmpty && adj.PairCost.IsZero():
		adj.Side = closingSide
		adj.Flagged = false
		adj.FlagReason = ""
	case adj.State == core.LevelOpen && adj.Side == closingSide && adj.PairCost.IsZero():
	default:
		return
	}
	adj.PairCost = lvl.PairCost
	adj.PairQty = lvl.PairQty
	adj.PairFee = lvl.PairFee
	lvl.PairCost = decimal.Zero
	lvl.PairQty = decimal.Zero
	lvl.PairFee = decimal.Zero
	r.dirty = true
}

// armLevels places orders on empty levels the current price qualifies: buys
// strictly below it, sells strictly above. A level exactly at the price
// waits for the market to pick a side. Filled levels whose flip could not
// land yet retry it first, so a slot freed this tick is re-armed this tick.
func (r *Runtime) armLevels(ctx context.Context, price decimal.Decimal) {
	if r.status == StatusStopped {
		return
	}
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.State == core.LevelFilled && !lvl.PairCost.IsZero() {
			r.flipLevel(lvl)
		}
	}
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.State != core.LevelEmpty || lvl.Flagged {
			continue
		}
		switch lvl.Side {
		case core.Buy:
			if price.Cmp(lvl.Price) <= 0 {
				continue
			}
		case core.Sell:
			if price.Cmp(lvl.Price) >= 0 {
				continue
			}
		}
		lvl.Seq++
		lvl.ClientID = clientOrderID(r.cfg.ID, lvl.Index, lvl.Seq)
		lvl.State = core.LevelPendingOpen
		r.dirty = true
		r.placeLevel(ctx, lvl)
	}
}

// placeLevel submits the level's order under its already-assigned client id.
// Transient failures keep the level pending so the next tick retries the
// same id; definitive rejections flag the level out of rotation.
func (r *Runtime) placeLevel(ctx context.Context, lvl *core.GridLevel) {
	qty := lvl.PairQty
	if qty.Sign() <= 0 {
		qty = r.levelQty(lvl.Price)
	}
	order := core.Order{
		ClientID:  lvl.ClientID,
		Account:   lvl.Account,
		Symbol:    r.cfg.Symbol,
		Side:      lvl.Side,
		Type:      core.Limit,
		Price:     lvl.Price,
		Qty:       qty,
		GridIndex: lvl.Index,
	}
	placed, err := r.primary.PlaceOrder(ctx, order)
	switch {
	case err == nil:
		lvl.OrderID = placed.ID
		lvl.State = core.LevelOpen
		r.dirty = true
		r.log.Debug("level armed",
			zap.Int("level", lvl.Index),
			zap.String("side", string(lvl.Side)),
			zap.String("price", lvl.Price.String()),
		)
	case core.FatalForLevel(err):
		lvl.State = core.LevelEmpty
		lvl.Flagged = true
		lvl.FlagReason = err.Error()
		r.dirty = true
		r.log.Error("level flagged",
			zap.Int("level", lvl.Index),
			zap.Error(err),
		)
		r.bus.Publish(alert.EventError, r.cfg.ID, map[string]string{
			"stage":  "place",
			"level":  strconv.Itoa(lvl.Index),
			"detail": err.Error(),
		})
	default:
		r.log.Warn("level placement deferred",
			zap.Int("level", lvl.Index),
			zap.Error(err),
		)
	}
}

// reconcileLevels polls the strategy's resting orders and folds fills into
// the grid. Partial fills ride until the order reaches a terminal status.
func (r *Runtime) reconcileLevels(ctx context.Context) {
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.State != core.LevelPendingOpen && lvl.State != core.LevelOpen {
			continue
		}
		info, err := r.primary.OrderStatus(ctx, r.cfg.Symbol, lvl.OrderID, lvl.ClientID)
		if errors.Is(err, core.ErrOrderNotFound) {
			if lvl.State == core.LevelPendingOpen {
				// The placement never reached the exchange; retry it under
				// the same client id.
				r.placeLevel(ctx, lvl)
			} else {
				r.log.Warn("order vanished, re-arming level", zap.Int("level", lvl.Index))
				lvl.State = core.LevelEmpty
				lvl.OrderID = ""
				r.dirty = true
			}
			continue
		}
		if err != nil {
			r.log.Warn("order status", zap.Int("level", lvl.Index), zap.Error(err))
			continue
		}
		if lvl.State == core.LevelPendingOpen && info.Order.ID != "" {
			lvl.OrderID = info.Order.ID
			lvl.State = core.LevelOpen
			r.dirty = true
		}
		switch info.Order.Status {
		case core.OrderFilled:
			r.applyFill(ctx, lvl, info)
		case core.OrderCanceled, core.OrderRejected:
			r.log.Warn("order terminated externally",
				zap.Int("level", lvl.Index),
				zap.String("status", string(info.Order.Status)),
			)
			lvl.State = core.LevelEmpty
			lvl.OrderID = ""
			r.dirty = true
		}
	}
}

// applyFill records the trade, advances the level state machine, and mirrors
// the fill to the hedge legs. A fill on a level without a pair cost opens a
// round trip: the level holds its entry and flips it onto the pair slot,
// where the closing order is armed. A fill on a level carrying a pair cost
// closes the round trip: profit is realized and both levels return to
// rotation. A fill whose pair slot holds an unflipped entry closes that trip
// directly. Replayed fill notifications are dropped by order id.
func (r *Runtime) applyFill(ctx context.Context, lvl *core.GridLevel, info exchange.StatusInfo) {
	orderID := info.Order.ID
	if orderID == "" {
		orderID = lvl.ClientID
	}
	if _, seen := r.seenFills[orderID]; seen {
		return
	}
	r.markSeen(orderID)

	price := info.AvgPrice
	if price.IsZero() {
		price = lvl.Price
	}
	qty := info.ExecutedQty
	if qty.IsZero() {
		qty = info.Order.Qty
	}

	profit := decimal.Zero
	closing := !lvl.PairCost.IsZero()
	entryCost, entryFee := lvl.PairCost, lvl.PairFee
	var partner *core.GridLevel
	if !closing {
		// The pair slot may hold a fill whose flip never landed here; this
		// fill is then the other side of that trip, not a new entry.
		if adj := r.pairLevel(lvl); adj != nil && adj.State == core.LevelFilled &&
			adj.Side == lvl.Side.Opposite() && !adj.PairCost.IsZero() {
			closing = true
			partner = adj
			entryCost, entryFee = adj.PairCost, adj.PairFee
		}
	}
	if closing {
		if lvl.Side == core.Sell {
			profit = price.Sub(entryCost).Mul(qty)
		} else {
			profit = entryCost.Sub(price).Mul(qty)
		}
		profit = profit.Sub(info.Fee).Sub(entryFee)
		r.completedTrades++
	}
	r.totalProfit = r.totalProfit.Add(profit)
	r.applyPosition(lvl.Account, lvl.Side, price, qty)

	trade := core.Trade{
		ID:             uuid.NewString(),
		StrategyID:     r.cfg.ID,
		LevelIndex:     lvl.Index,
		OrderID:        orderID,
		Symbol:         r.cfg.Symbol,
		Side:           lvl.Side,
		Price:          price,
		Qty:            qty,
		Fee:            info.Fee,
		RealizedProfit: profit,
		Account:        lvl.Account,
		Time:           time.Now().UTC(),
	}
	r.pushTrade(trade)
	if r.trades != nil {
		if err := r.trades.Append(trade); err != nil {
			r.log.Warn("trade history append", zap.Error(err))
		}
	}
	r.log.Info("order filled",
		zap.Int("level", lvl.Index),
		zap.String("side", string(lvl.Side)),
		zap.String("price", price.String()),
		zap.String("qty", qty.String()),
		zap.String("profit", profit.String()),
	)
	r.bus.Publish(alert.EventOrderFilled, r.cfg.ID, map[string]string{
		"level":  strconv.Itoa(lvl.Index),
		"side":   string(lvl.Side),
		"price":  price.String(),
		"qty":    qty.String(),
		"profit": profit.String(),
	})

	side := lvl.Side
	if closing {
		if partner == nil {
			if p := r.pairLevel(lvl); p != nil && p.State == core.LevelFilled {
				partner = p
			}
		}
		if partner != nil {
			resetLevel(partner)
		}
		resetLevel(lvl)
	} else {
		lvl.State = core.LevelFilled
		lvl.OrderID = ""
		lvl.PairCost = price
		lvl.PairQty = qty
		lvl.PairFee = info.Fee
		r.flipLevel(lvl)
	}
	r.dirty = true

	for _, h := range r.hedges {
		if err := h.Mirror(ctx, r.cfg.ID, r.cfg.Symbol, trade.LevelIndex, orderID, side, qty); err != nil {
			r.log.Warn("hedge mirror", zap.Error(err))
			r.bus.Publish(alert.EventError, r.cfg.ID, map[string]string{
				"stage":  "hedge_mirror",
				"detail": err.Error(),
			})
		}
	}
}

// resetLevel returns a level to rotation with its round-trip bookkeeping
// cleared. The arm generation counter survives so client ids never repeat.
func resetLevel(lvl *core.GridLevel) {
	lvl.State = core.LevelEmpty
	lvl.OrderID = ""
	lvl.ClientID = ""
	lvl.PairCost = decimal.Zero
	lvl.PairQty = decimal.Zero
	lvl.PairFee = decimal.Zero
}
