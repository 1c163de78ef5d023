package exchange

import (
	"context"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"grid-hedge/internal/core"
)

// throttled applies a token-bucket limiter in front of every adapter call.
// The limiter belongs to the account, not the strategy: strategies sharing an
// account share the budget, so together they cannot exceed the API limit.
type throttled struct {
	inner   Adapter
	limiter *rate.Limiter
}

// Throttle wraps an adapter with a per-account rate limiter of r requests per
// second and the given burst.
func Throttle(inner Adapter, r float64, burst int) Adapter {
	if r <= 0 {
		r = 10
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttled{inner: inner, limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

func (t *throttled) Name() string    { return t.inner.Name() }
func (t *throttled) Account() string { return t.inner.Account() }

func (t *throttled) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Order{}, err
	}
	return t.inner.PlaceOrder(ctx, order)
}

func (t *throttled) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.CancelOrder(ctx, symbol, orderID)
}

func (t *throttled) OrderStatus(ctx context.Context, symbol, orderID, clientID string) (StatusInfo, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return StatusInfo{}, err
	}
	return t.inner.OrderStatus(ctx, symbol, orderID, clientID)
}

func (t *throttled) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.OpenOrders(ctx, symbol)
}

func (t *throttled) Position(ctx context.Context, symbol string) (core.Position, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return core.Position{}, err
	}
	return t.inner.Position(ctx, symbol)
}

func (t *throttled) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	return t.inner.Ticker(ctx, symbol)
}
