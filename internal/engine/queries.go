package engine

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
)

// ErrUnknownStrategy is returned by queries naming an unregistered strategy.
var ErrUnknownStrategy = errors.New("unknown strategy")

// StrategyStatus is the per-strategy view served by the API.
type StrategyStatus struct {
	ID              string          `json:"id"`
	Symbol          string          `json:"symbol"`
	Status          Status          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	CompletedTrades int             `json:"completed_trades"`
	ActiveOrders    int             `json:"active_orders"`
	HedgeLegs       int             `json:"hedge_legs"`
	Desynced        bool            `json:"desynced"`
	LastTickAt      time.Time       `json:"last_tick_at"`
}

// Stats aggregates the whole engine.
type Stats struct {
	InstanceID      string          `json:"instance_id"`
	StartedAt       time.Time       `json:"started_at"`
	UptimeSec       int64           `json:"uptime_sec"`
	Strategies      int             `json:"strategies"`
	Running         int             `json:"running"`
	Degraded        int             `json:"degraded"`
	Stopped         int             `json:"stopped"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	CompletedTrades int             `json:"completed_trades"`
	ActiveOrders    int             `json:"active_orders"`
}

// GridView exposes one strategy's level board and positions.
type GridView struct {
	StrategyID string           `json:"strategy_id"`
	Symbol     string           `json:"symbol"`
	GridType   core.GridType    `json:"grid_type"`
	Low        decimal.Decimal  `json:"low"`
	High       decimal.Decimal  `json:"high"`
	Levels     []core.GridLevel `json:"levels"`
	Positions  []core.Position  `json:"positions"`
	HedgeLinks []core.HedgeLink `json:"hedge_links,omitempty"`
}

func (r *Runtime) statusView() StrategyStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	active := 0
	for i := range r.levels {
		switch r.levels[i].State {
		case core.LevelPendingOpen, core.LevelOpen:
			active++
		}
	}
	return StrategyStatus{
		ID:              r.cfg.ID,
		Symbol:          r.cfg.Symbol,
		Status:          r.status,
		Reason:          r.statusReason,
		TotalProfit:     r.totalProfit,
		CompletedTrades: r.completedTrades,
		ActiveOrders:    active,
		HedgeLegs:       len(r.hedges),
		Desynced:        r.anyDesync(),
		LastTickAt:      r.lastTickAt,
	}
}

func (r *Runtime) gridView() GridView {
	r.mu.Lock()
	defer r.mu.Unlock()
	view := GridView{
		StrategyID: r.cfg.ID,
		Symbol:     r.cfg.Symbol,
		GridType:   normalizeGridType(r.spec.Type),
		Low:        r.spec.Low,
		High:       r.spec.High,
		Levels:     append([]core.GridLevel(nil), r.levels...),
	}
	for _, pos := range r.positions {
		view.Positions = append(view.Positions, *pos)
	}
	for _, h := range r.hedges {
		view.HedgeLinks = append(view.HedgeLinks, h.Link())
	}
	return view
}

func (r *Runtime) recentTradesView(limit int) []core.Trade {
	r.mu.Lock()
	defer r.mu.Unlock()
	trades := r.recentTrades
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return append([]core.Trade(nil), trades...)
}

// Status returns the per-strategy status list in registration order.
func (e *Engine) Status() []StrategyStatus {
	out := make([]StrategyStatus, 0, len(e.order))
	for _, r := range e.snapshotRuntimes() {
		out = append(out, r.statusView())
	}
	return out
}

// Stats returns engine-level aggregates.
func (e *Engine) Stats() Stats {
	stats := Stats{
		InstanceID:  e.instanceID,
		StartedAt:   e.startedAt,
		TotalProfit: decimal.Zero,
	}
	if !e.startedAt.IsZero() {
		stats.UptimeSec = int64(time.Since(e.startedAt).Seconds())
	}
	for _, r := range e.snapshotRuntimes() {
		view := r.statusView()
		stats.Strategies++
		stats.TotalProfit = stats.TotalProfit.Add(view.TotalProfit)
		stats.CompletedTrades += view.CompletedTrades
		stats.ActiveOrders += view.ActiveOrders
		switch view.Status {
		case StatusRunning:
			stats.Running++
		case StatusDegraded:
			stats.Degraded++
		case StatusStopped:
			stats.Stopped++
		}
	}
	return stats
}

// Grids returns every strategy's level board.
func (e *Engine) Grids() []GridView {
	out := make([]GridView, 0, len(e.order))
	for _, r := range e.snapshotRuntimes() {
		out = append(out, r.gridView())
	}
	return out
}

// Trades returns a strategy's trade history, newest first. The durable
// history answers when available; the in-memory ring is the fallback.
func (e *Engine) Trades(strategyID string, limit int) ([]core.Trade, error) {
	e.mu.RLock()
	r, ok := e.runtimes[strategyID]
	e.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownStrategy
	}
	if e.trades != nil {
		trades, err := e.trades.Recent(strategyID, limit)
		if err == nil {
			return trades, nil
		}
		e.log.Warn("trade history query failed, serving in-memory ring")
	}
	return r.recentTradesView(limit), nil
}

func (e *Engine) snapshotRuntimes() []*Runtime {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Runtime, 0, len(e.order))
	for _, id := range e.order {
		if r, ok := e.runtimes[id]; ok {
			out = append(out, r)
		}
	}
	return out
}
