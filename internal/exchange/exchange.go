// Package exchange defines the adapter boundary between the engine and a
// single exchange account. One Adapter instance serves one account; the
// engine core never branches on exchange identity.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
)

// StatusInfo is the result of an order status query. ExecutedQty and AvgPrice
// describe what actually traded, which may differ from the order as placed.
type StatusInfo struct {
	Order       core.Order
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Fee         decimal.Decimal
}

// Adapter is the per-account exchange interface. Implementations must honor
// client order ids: placing with a client id the exchange has already
// accepted returns the existing order instead of creating a duplicate.
type Adapter interface {
	Name() string
	Account() string
	PlaceOrder(ctx context.Context, order core.Order) (core.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	OrderStatus(ctx context.Context, symbol, orderID, clientID string) (StatusInfo, error)
	OpenOrders(ctx context.Context, symbol string) ([]core.Order, error)
	Position(ctx context.Context, symbol string) (core.Position, error)
	Ticker(ctx context.Context, symbol string) (decimal.Decimal, error)
}
