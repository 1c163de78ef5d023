// Package engine runs grid strategies. Each strategy gets one Runtime whose
// ticks are strictly serialized; the Engine scheduler fans ticks across a
// bounded worker pool so strategies proceed in parallel without ever
// interleaving work inside one strategy.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-hedge/internal/alert"
	"grid-hedge/internal/config"
	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
	"grid-hedge/internal/grid"
	"grid-hedge/internal/store"
)

type Status string

const (
	StatusRunning  Status = "running"
	StatusDegraded Status = "degraded"
	StatusStopped  Status = "stopped"
)

const recentTradeCap = 50

// seenFillCap bounds the fill dedup set. Replays arrive within a tick or
// from the snapshot's recent trades, so a few hundred entries is a wide
// margin; older fills age out in arrival order.
const seenFillCap = 512

// Deps bundles the collaborators shared by every runtime.
type Deps struct {
	Log    *zap.Logger
	Bus    *alert.Bus
	Store  *store.Store
	Trades *store.TradeRecorder
	Hedge  config.Hedge
}

// Runtime is the live state of one strategy. All mutation happens under mu;
// the scheduler acquires it via TryTick so a slow tick is skipped, never
// stacked.
type Runtime struct {
	mu sync.Mutex

	cfg     config.Strategy
	spec    grid.Spec
	primary exchange.Adapter
	hedges  []*Coordinator
	monitor Monitor

	log    *zap.Logger
	bus    *alert.Bus
	store  *store.Store
	trades *store.TradeRecorder
	hcfg   config.Hedge

	levels          []core.GridLevel
	positions       map[string]*core.Position
	seenFills       map[string]struct{}
	seenOrder       []string
	recentTrades    []core.Trade
	totalProfit     decimal.Decimal
	completedTrades int
	status          Status
	statusReason    string
	lastTickAt      time.Time
	dirty           bool
}

func NewRuntime(cfg config.Strategy, adapters map[string]exchange.Adapter, deps Deps) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	primary, ok := adapters[cfg.Primary().AccountAlias]
	if !ok {
		return nil, fmt.Errorf("%w: %s: no adapter for account %q",
			core.ErrInvalidConfig, cfg.ID, cfg.Primary().AccountAlias)
	}
	log := deps.Log.Named("strategy").With(zap.String("strategy_id", cfg.ID))
	r := &Runtime{
		cfg:     cfg,
		primary: primary,
		spec: grid.Spec{
			Low:    cfg.LowPrice.Decimal,
			High:   cfg.HighPrice.Decimal,
			Number: cfg.GridNumber,
			Type:   cfg.GridType,
		},
		monitor: Monitor{
			MaxDeviation: cfg.RiskControls.MaxPriceDeviation.Decimal,
			StopLoss:     cfg.RiskControls.StopLoss.Decimal,
			Investment:   cfg.Investment.Decimal,
		},
		log:         log,
		bus:         deps.Bus,
		store:       deps.Store,
		trades:      deps.Trades,
		hcfg:        deps.Hedge,
		positions:   make(map[string]*core.Position),
		seenFills:   make(map[string]struct{}),
		totalProfit: decimal.Zero,
		status:      StatusRunning,
	}
	for _, leg := range cfg.HedgeLegs() {
		adapter, ok := adapters[leg.AccountAlias]
		if !ok {
			return nil, fmt.Errorf("%w: %s: no adapter for hedge account %q",
				core.ErrInvalidConfig, cfg.ID, leg.AccountAlias)
		}
		link := core.HedgeLink{
			PrimaryAccount: cfg.Primary().AccountAlias,
			HedgeAccount:   leg.AccountAlias,
			Ratio:          leg.HedgeRatio.Decimal,
			Mode:           leg.HedgeMode,
		}
		r.hedges = append(r.hedges, NewCoordinator(link, adapter, deps.Hedge, log))
	}
	return r, nil
}

func (r *Runtime) ID() string { return r.cfg.ID }

// Init restores the runtime from its persisted snapshot, or performs
// first-time grid construction if none exists.
func (r *Runtime) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok, err := r.store.Load(r.cfg.ID)
	if err != nil {
		return err
	}
	if ok {
		return r.restore(ctx, snap)
	}
	return r.freshStart(ctx)
}

// TryTick runs one tick unless the previous one is still in flight, in which
// case it is skipped entirely rather than queued.
func (r *Runtime) TryTick(ctx context.Context) error {
	if !r.mu.TryLock() {
		r.log.Debug("tick skipped, previous still running")
		return nil
	}
	defer r.mu.Unlock()
	return r.tick(ctx)
}

func (r *Runtime) tick(ctx context.Context) error {
	if r.status == StatusStopped {
		return nil
	}
	price, err := r.primary.Ticker(ctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("ticker unavailable", zap.Error(err))
		return nil
	}

	if reason, breached := r.monitor.Evaluate(price, r.spec.Low, r.spec.High, r.totalProfit, r.unrealized(price)); breached {
		return r.halt(ctx, reason)
	}

	r.reconcileLevels(ctx)
	if r.status == StatusStopped {
		// A fill pushed the ledger through the stop loss mid-reconcile.
		return nil
	}
	r.armLevels(ctx, price)
	if err := r.reconcileHedges(ctx); err != nil {
		return err
	}

	r.lastTickAt = time.Now().UTC()
	if r.dirty {
		return r.snapshotLocked()
	}
	return nil
}

// reconcileHedges drives every hedge leg toward its expected exposure.
// Desync beyond the retry budget degrades the strategy; convergence restores
// it. Transport errors are logged and retried next tick.
func (r *Runtime) reconcileHedges(ctx context.Context) error {
	if len(r.hedges) == 0 {
		return nil
	}
	primaryNet := decimal.Zero
	if pos, ok := r.positions[r.cfg.Primary().AccountAlias]; ok {
		primaryNet = pos.NetSize
	}
	for _, h := range r.hedges {
		err := h.Reconcile(ctx, r.cfg.ID, r.cfg.Symbol, primaryNet)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrHedgeDesync):
			if r.status != StatusDegraded {
				r.setStatus(StatusDegraded, err.Error())
				r.bus.Publish(alert.EventHedgeDesync, r.cfg.ID, map[string]string{
					"account": h.Link().HedgeAccount,
					"detail":  err.Error(),
				})
			}
			if r.hcfg.HaltOnDesync {
				return r.halt(ctx, "hedge desync: "+h.Link().HedgeAccount)
			}
		default:
			r.log.Warn("hedge reconcile", zap.Error(err))
		}
	}
	if r.status == StatusDegraded && !r.anyDesync() {
		r.setStatus(StatusRunning, "")
		r.log.Info("strategy recovered from degraded state")
	}
	return nil
}

func (r *Runtime) anyDesync() bool {
	for _, h := range r.hedges {
		if h.Desynced() {
			return true
		}
	}
	return false
}

// halt stops the strategy: every resting order on every leg is cancelled,
// hedge positions optionally flattened, the grid frozen. Idempotent.
func (r *Runtime) halt(ctx context.Context, reason string) error {
	if r.status == StatusStopped {
		return nil
	}
	r.log.Warn("halting strategy", zap.String("reason", reason))
	r.cancelAllOrders(ctx)
	if r.hcfg.CloseOnHalt {
		for _, h := range r.hedges {
			if err := h.Flatten(ctx, r.cfg.ID, r.cfg.Symbol); err != nil {
				r.log.Error("hedge flatten on halt", zap.Error(err))
			}
		}
	}
	r.setStatus(StatusStopped, reason)
	r.bus.Publish(alert.EventRiskTriggered, r.cfg.ID, map[string]string{"reason": reason})
	return r.snapshotLocked()
}

// cancelAllOrders sweeps this strategy's orders off every leg: the levels it
// knows about plus anything on the exchanges carrying its client id prefix.
func (r *Runtime) cancelAllOrders(ctx context.Context) {
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.State != core.LevelOpen && lvl.State != core.LevelPendingOpen {
			continue
		}
		if lvl.OrderID != "" {
			if err := r.primary.CancelOrder(ctx, r.cfg.Symbol, lvl.OrderID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
				r.log.Warn("cancel on halt",
					zap.Int("level", lvl.Index),
					zap.Error(err),
				)
			}
		}
		lvl.State = core.LevelEmpty
		lvl.OrderID = ""
		r.dirty = true
	}
	r.sweepOrders(ctx, r.primary, clientIDPrefix(r.cfg.ID))
	for _, h := range r.hedges {
		r.sweepOrders(ctx, h.adapter, "hedge-"+r.cfg.ID+"-", "hsync-"+r.cfg.ID+"-")
	}
}

func (r *Runtime) sweepOrders(ctx context.Context, adapter exchange.Adapter, prefixes ...string) {
	open, err := adapter.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		r.log.Warn("open orders sweep", zap.String("account", adapter.Account()), zap.Error(err))
		return
	}
	for _, ord := range open {
		if !hasAnyPrefix(ord.ClientID, prefixes) {
			continue
		}
		if err := adapter.CancelOrder(ctx, r.cfg.Symbol, ord.ID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			r.log.Warn("sweep cancel", zap.String("order_id", ord.ID), zap.Error(err))
		}
	}
}

func (r *Runtime) setStatus(status Status, reason string) {
	r.status = status
	r.statusReason = reason
	r.dirty = true
}

// markDegraded is called from outside the tick path (panic isolation).
func (r *Runtime) markDegraded(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusStopped {
		r.setStatus(StatusDegraded, reason)
	}
}

// markFailed stops a strategy that could not initialise.
func (r *Runtime) markFailed(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setStatus(StatusStopped, reason)
}

func (r *Runtime) unrealized(price decimal.Decimal) decimal.Decimal {
	pos, ok := r.positions[r.cfg.Primary().AccountAlias]
	if !ok || pos.NetSize.IsZero() {
		return decimal.Zero
	}
	return price.Sub(pos.EntryPrice).Mul(pos.NetSize)
}

func (r *Runtime) applyPosition(account string, side core.Side, price, qty decimal.Decimal) {
	pos, ok := r.positions[account]
	if !ok {
		pos = &core.Position{Account: account, Symbol: r.cfg.Symbol, Leverage: r.cfg.Leverage}
		r.positions[account] = pos
	}
	pos.Apply(side, price, qty)
}

func (r *Runtime) markSeen(orderID string) {
	if _, ok := r.seenFills[orderID]; ok {
		return
	}
	r.seenFills[orderID] = struct{}{}
	r.seenOrder = append(r.seenOrder, orderID)
	if len(r.seenOrder) > seenFillCap {
		delete(r.seenFills, r.seenOrder[0])
		r.seenOrder = r.seenOrder[1:]
	}
}

func (r *Runtime) pushTrade(trade core.Trade) {
	r.recentTrades = append(r.recentTrades, trade)
	if len(r.recentTrades) > recentTradeCap {
		r.recentTrades = r.recentTrades[len(r.recentTrades)-recentTradeCap:]
	}
}

// snapshotLocked persists the runtime. A persistence failure is escalated to
// the caller; trading on without durable state risks double exposure.
func (r *Runtime) snapshotLocked() error {
	snap := store.Snapshot{
		StrategyID:      r.cfg.ID,
		Symbol:          r.cfg.Symbol,
		Low:             r.spec.Low,
		High:            r.spec.High,
		GridNumber:      r.spec.Number,
		GridType:        r.spec.Type,
		Levels:          append([]core.GridLevel(nil), r.levels...),
		Positions:       make(map[string]core.Position, len(r.positions)),
		RecentTrades:    append([]core.Trade(nil), r.recentTrades...),
		TotalProfit:     r.totalProfit,
		CompletedTrades: r.completedTrades,
		Status:          string(r.status),
		StatusReason:    r.statusReason,
		LastTickAt:      r.lastTickAt,
	}
	for alias, pos := range r.positions {
		snap.Positions[alias] = *pos
	}
	for _, h := range r.hedges {
		snap.HedgeLinks = append(snap.HedgeLinks, h.Link())
	}
	if err := r.store.Save(snap); err != nil {
		r.bus.Publish(alert.EventError, r.cfg.ID, map[string]string{
			"stage":  "persistence",
			"detail": err.Error(),
		})
		return err
	}
	r.dirty = false
	return nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
