package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
)

// ErrCircuitOpen is returned while a tripped adapter is cooling down.
var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

const (
	defaultBreakerThreshold = 5
	defaultBreakerCooldown  = 30 * time.Second
)

// breaker trips an account adapter after consecutive transient failures so a
// struggling venue is probed instead of hammered. Only retryable errors
// count; rejections like insufficient balance are the caller's problem, not
// the venue's. One successful probe after the cooldown closes the circuit.
type breaker struct {
	inner     Adapter
	threshold int
	cooldown  time.Duration

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
	lastErr  error
}

// Break wraps an adapter with a circuit breaker tripping after threshold
// consecutive transient failures, cooling down for the given duration.
func Break(inner Adapter, threshold int, cooldown time.Duration) Adapter {
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &breaker{inner: inner, threshold: threshold, cooldown: cooldown}
}

func (b *breaker) Name() string    { return b.inner.Name() }
func (b *breaker) Account() string { return b.inner.Account() }

// allow gates one call. In the open state calls are rejected until the
// cooldown passes; the first call after that runs as a half-open probe.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case circuitOpen:
		if time.Since(b.openedAt) < b.cooldown {
			if b.lastErr != nil {
				return errors.Join(ErrCircuitOpen, b.lastErr)
			}
			return ErrCircuitOpen
		}
		b.state = circuitHalfOpen
		return nil
	case circuitHalfOpen:
		// One probe at a time.
		return ErrCircuitOpen
	}
	return nil
}

func (b *breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || !core.Retryable(err) {
		b.state = circuitClosed
		b.failures = 0
		b.lastErr = nil
		return
	}
	b.failures++
	b.lastErr = err
	if b.state == circuitHalfOpen || b.failures >= b.threshold {
		b.state = circuitOpen
		b.openedAt = time.Now()
	}
}

func (b *breaker) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	if err := b.allow(); err != nil {
		return core.Order{}, err
	}
	placed, err := b.inner.PlaceOrder(ctx, order)
	b.record(err)
	return placed, err
}

func (b *breaker) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := b.inner.CancelOrder(ctx, symbol, orderID)
	b.record(err)
	return err
}

func (b *breaker) OrderStatus(ctx context.Context, symbol, orderID, clientID string) (StatusInfo, error) {
	if err := b.allow(); err != nil {
		return StatusInfo{}, err
	}
	info, err := b.inner.OrderStatus(ctx, symbol, orderID, clientID)
	b.record(err)
	return info, err
}

func (b *breaker) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}
	orders, err := b.inner.OpenOrders(ctx, symbol)
	b.record(err)
	return orders, err
}

func (b *breaker) Position(ctx context.Context, symbol string) (core.Position, error) {
	if err := b.allow(); err != nil {
		return core.Position{}, err
	}
	pos, err := b.inner.Position(ctx, symbol)
	b.record(err)
	return pos, err
}

func (b *breaker) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := b.allow(); err != nil {
		return decimal.Zero, err
	}
	price, err := b.inner.Ticker(ctx, symbol)
	b.record(err)
	return price, err
}
