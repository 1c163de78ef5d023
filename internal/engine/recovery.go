package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"grid-hedge/internal/core"
	"grid-hedge/internal/grid"
	"grid-hedge/internal/store"
)

// restore rebuilds the runtime from a snapshot and reconciles it with the
// exchange: fills that happened while the process was down are applied,
// vanished orders are re-armed, and orders the snapshot does not know about
// are cancelled. No order is ever placed twice for the same level
// generation; the deterministic client ids guarantee that even when the
// crash landed between placement and acknowledgement.
func (r *Runtime) restore(ctx context.Context, snap store.Snapshot) error {
	r.totalProfit = snap.TotalProfit
	r.completedTrades = snap.CompletedTrades
	r.recentTrades = snap.RecentTrades
	r.restorePositions(snap)
	r.seedSeenFills(snap)
	for _, h := range r.hedges {
		for _, saved := range snap.HedgeLinks {
			h.restoreLink(saved)
		}
	}

	saved := grid.Spec{Low: snap.Low, High: snap.High, Number: snap.GridNumber, Type: snap.GridType}
	if specChanged(saved, r.spec) {
		r.log.Warn("strategy definition changed, rebuilding grid",
			zap.String("saved_low", saved.Low.String()),
			zap.String("saved_high", saved.High.String()),
			zap.Int("saved_number", saved.Number),
		)
		return r.freshStart(ctx)
	}
	// Honour a re-centred window from the first start.
	r.spec = saved
	r.levels = snap.Levels
	r.statusReason = snap.StatusReason
	switch Status(snap.Status) {
	case StatusStopped:
		r.status = StatusStopped
		r.log.Info("strategy restored halted", zap.String("reason", r.statusReason))
		return nil
	case StatusDegraded:
		r.status = StatusDegraded
	default:
		r.status = StatusRunning
	}

	// Resolve every order the snapshot believes is resting.
	var adopted, refilled, rearmed int
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.State != core.LevelPendingOpen && lvl.State != core.LevelOpen {
			continue
		}
		info, err := r.primary.OrderStatus(ctx, r.cfg.Symbol, lvl.OrderID, lvl.ClientID)
		if errors.Is(err, core.ErrOrderNotFound) {
			lvl.State = core.LevelEmpty
			lvl.OrderID = ""
			r.dirty = true
			rearmed++
			continue
		}
		if err != nil {
			return fmt.Errorf("recover level %d: %w", lvl.Index, err)
		}
		switch info.Order.Status {
		case core.OrderFilled:
			r.applyFill(ctx, lvl, info)
			refilled++
		case core.OrderCanceled, core.OrderRejected:
			lvl.State = core.LevelEmpty
			lvl.OrderID = ""
			r.dirty = true
			rearmed++
		default:
			lvl.OrderID = info.Order.ID
			lvl.State = core.LevelOpen
			adopted++
		}
	}

	if err := r.cancelOrphans(ctx); err != nil {
		r.log.Warn("orphan sweep", zap.Error(err))
	}

	r.dirty = true
	if err := r.snapshotLocked(); err != nil {
		return err
	}
	r.log.Info("strategy recovered",
		zap.Int("adopted", adopted),
		zap.Int("offline_fills", refilled),
		zap.Int("rearmed", rearmed),
	)
	return nil
}

func (r *Runtime) restorePositions(snap store.Snapshot) {
	for alias, pos := range snap.Positions {
		p := pos
		r.positions[alias] = &p
	}
}

// seedSeenFills replays the snapshot's trade ledger into the dedup set so an
// offline-fill check cannot double-apply a fill the crash already recorded.
func (r *Runtime) seedSeenFills(snap store.Snapshot) {
	for _, t := range snap.RecentTrades {
		if t.OrderID != "" {
			r.markSeen(t.OrderID)
		}
	}
}

// cancelOrphans removes exchange orders carrying this strategy's client id
// prefix that match no live level, left over from a crash mid-placement.
func (r *Runtime) cancelOrphans(ctx context.Context) error {
	open, err := r.primary.OpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return err
	}
	live := make(map[string]struct{})
	for i := range r.levels {
		lvl := &r.levels[i]
		if lvl.ClientID == "" {
			continue
		}
		if lvl.State == core.LevelOpen || lvl.State == core.LevelPendingOpen {
			live[lvl.ClientID] = struct{}{}
		}
	}
	prefix := clientIDPrefix(r.cfg.ID)
	for _, ord := range open {
		if !strings.HasPrefix(ord.ClientID, prefix) {
			continue
		}
		if _, ok := live[ord.ClientID]; ok {
			continue
		}
		if err := r.primary.CancelOrder(ctx, r.cfg.Symbol, ord.ID); err != nil && !errors.Is(err, core.ErrOrderNotFound) {
			r.log.Warn("orphan cancel",
				zap.String("order_id", ord.ID),
				zap.Error(err),
			)
			continue
		}
		r.log.Info("orphan order cancelled",
			zap.String("order_id", ord.ID),
			zap.String("client_id", ord.ClientID),
		)
	}
	return nil
}

// specChanged reports whether the configured grid definition no longer
// matches the persisted one. Low and high are compared by span, not value,
// so a re-centred window is not mistaken for an operator edit.
func specChanged(saved, configured grid.Spec) bool {
	if saved.Number != configured.Number {
		return true
	}
	if normalizeGridType(saved.Type) != normalizeGridType(configured.Type) {
		return true
	}
	return saved.High.Sub(saved.Low).Cmp(configured.High.Sub(configured.Low)) != 0
}

func normalizeGridType(t core.GridType) core.GridType {
	if t == "" {
		return core.GridArithmetic
	}
	return t
}
