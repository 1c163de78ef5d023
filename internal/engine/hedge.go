package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-hedge/internal/config"
	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
)

// Coordinator keeps one hedge leg's exposure mirroring the primary leg of a
// strategy. Correction placements are rate limited with exponential backoff;
// convergence is re-checked every call regardless of backoff state.
type Coordinator struct {
	link    core.HedgeLink
	adapter exchange.Adapter
	cfg     config.Hedge
	log     *zap.Logger

	retries     int
	nextAttempt time.Time
	syncSeq     int
	desynced    bool
}

func NewCoordinator(link core.HedgeLink, adapter exchange.Adapter, cfg config.Hedge, log *zap.Logger) *Coordinator {
	return &Coordinator{
		link:    link,
		adapter: adapter,
		cfg:     cfg,
		log:     log.Named("hedge").With(zap.String("account", link.HedgeAccount)),
	}
}

func (c *Coordinator) Link() core.HedgeLink { return c.link }
func (c *Coordinator) Desynced() bool       { return c.desynced }

// restoreLink carries the reconciliation timestamp across a restart.
func (c *Coordinator) restoreLink(saved core.HedgeLink) {
	if saved.HedgeAccount == c.link.HedgeAccount {
		c.link.LastReconciledAt = saved.LastReconciledAt
	}
}

// Mirror submits the hedge order for one primary fill. The client id is a
// pure function of the fill, so a replayed submission cannot double the
// hedge: the exchange returns the earlier order instead.
func (c *Coordinator) Mirror(ctx context.Context, strategyID, symbol string, levelIndex int, fillID string, side core.Side, qty decimal.Decimal) error {
	hedgeSide := side
	if c.link.Mode == core.HedgeOpposite {
		hedgeSide = side.Opposite()
	}
	hedgeQty := qty.Mul(c.link.Ratio)
	if hedgeQty.Sign() <= 0 {
		return nil
	}
	_, err := c.adapter.PlaceOrder(ctx, core.Order{
		ClientID:  fmt.Sprintf("hedge-%s-%d-%s", strategyID, levelIndex, fillID),
		Account:   c.link.HedgeAccount,
		Symbol:    symbol,
		Side:      hedgeSide,
		Type:      core.Market,
		Qty:       hedgeQty,
		GridIndex: levelIndex,
	})
	if errors.Is(err, core.ErrDuplicateOrder) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hedge mirror %s: %w", c.link.HedgeAccount, err)
	}
	c.log.Debug("mirrored fill",
		zap.String("side", string(hedgeSide)),
		zap.String("qty", hedgeQty.String()),
	)
	return nil
}

// Reconcile compares hedge exposure against what the primary net size
// implies and corrects any divergence beyond tolerance with a delta order.
// Exhausting the attempt budget reports ErrHedgeDesync until exposure
// converges again.
func (c *Coordinator) Reconcile(ctx context.Context, strategyID, symbol string, primaryNet decimal.Decimal) error {
	pos, err := c.adapter.Position(ctx, symbol)
	if err != nil {
		return fmt.Errorf("hedge position %s: %w", c.link.HedgeAccount, err)
	}
	expected := c.link.ExpectedHedgeSize(primaryNet)
	delta := expected.Sub(pos.NetSize)
	if delta.Abs().Cmp(c.cfg.ToleranceDec()) <= 0 {
		if c.desynced {
			c.log.Info("hedge exposure converged", zap.String("net", pos.NetSize.String()))
		}
		c.retries = 0
		c.desynced = false
		c.nextAttempt = time.Time{}
		c.link.LastReconciledAt = time.Now().UTC()
		return nil
	}

	now := time.Now()
	if now.Before(c.nextAttempt) {
		if c.desynced {
			return fmt.Errorf("%w: %s drift %s", core.ErrHedgeDesync, c.link.HedgeAccount, delta)
		}
		return nil
	}
	if c.retries >= c.cfg.MaxRetries {
		c.nextAttempt = now.Add(c.cfg.BackoffCap())
		if !c.desynced {
			c.desynced = true
			c.log.Error("hedge desync, correction budget exhausted",
				zap.String("expected", expected.String()),
				zap.String("actual", pos.NetSize.String()),
				zap.Int("attempts", c.retries),
			)
		}
		return fmt.Errorf("%w: %s drift %s", core.ErrHedgeDesync, c.link.HedgeAccount, delta)
	}

	side := core.Buy
	if delta.Sign() < 0 {
		side = core.Sell
	}
	c.syncSeq++
	_, err = c.adapter.PlaceOrder(ctx, core.Order{
		ClientID: fmt.Sprintf("hsync-%s-%s-%d", strategyID, c.link.HedgeAccount, c.syncSeq),
		Account:  c.link.HedgeAccount,
		Symbol:   symbol,
		Side:     side,
		Type:     core.Market,
		Qty:      delta.Abs(),
	})
	backoff := c.backoff()
	c.retries++
	c.nextAttempt = now.Add(backoff)
	if err != nil {
		return fmt.Errorf("hedge correction %s: %w", c.link.HedgeAccount, err)
	}
	c.log.Warn("hedge drift correction placed",
		zap.String("delta", delta.String()),
		zap.String("side", string(side)),
		zap.Int("attempt", c.retries),
	)
	return nil
}

// Flatten closes the hedge position with a reduce-only market order.
func (c *Coordinator) Flatten(ctx context.Context, strategyID, symbol string) error {
	pos, err := c.adapter.Position(ctx, symbol)
	if err != nil {
		return fmt.Errorf("hedge position %s: %w", c.link.HedgeAccount, err)
	}
	if pos.NetSize.IsZero() {
		return nil
	}
	side := core.Sell
	if pos.NetSize.Sign() < 0 {
		side = core.Buy
	}
	_, err = c.adapter.PlaceOrder(ctx, core.Order{
		ClientID:   fmt.Sprintf("close-%s-%s", strategyID, c.link.HedgeAccount),
		Account:    c.link.HedgeAccount,
		Symbol:     symbol,
		Side:       side,
		Type:       core.Market,
		Qty:        pos.NetSize.Abs(),
		ReduceOnly: true,
	})
	if err != nil {
		return fmt.Errorf("hedge close %s: %w", c.link.HedgeAccount, err)
	}
	c.log.Info("hedge position flattened", zap.String("qty", pos.NetSize.Abs().String()))
	return nil
}

// backoff doubles per attempt from the configured base, capped.
func (c *Coordinator) backoff() time.Duration {
	d := c.cfg.BackoffBase()
	if d <= 0 {
		d = time.Second
	}
	limit := c.cfg.BackoffCap()
	for i := 0; i < c.retries; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			return limit
		}
	}
	return d
}
