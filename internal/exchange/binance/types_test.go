package binance

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"grid-hedge/internal/core"
)

func TestOrderResponseToOrder(t *testing.T) {
	resp := orderResponse{
		Symbol:        "ETHUSDT",
		OrderID:       123456789,
		ClientOrderID: "grid-s1-2-1",
		Price:         "150.5",
		OrigQty:       "1.333333",
		Status:        "NEW",
		Side:          "BUY",
		Type:          "LIMIT",
		UpdateTime:    1700000000000,
	}
	ord := resp.toOrder("main")

	require.Equal(t, "123456789", ord.ID)
	require.Equal(t, "grid-s1-2-1", ord.ClientID)
	require.Equal(t, "main", ord.Account)
	require.Equal(t, core.Buy, ord.Side)
	require.Equal(t, core.OrderNew, ord.Status)
	require.True(t, ord.Price.Equal(decimal.RequireFromString("150.5")))
	require.True(t, ord.Qty.Equal(decimal.RequireFromString("1.333333")))
}

func TestOrderResponseZeroIDStaysEmpty(t *testing.T) {
	ord := orderResponse{Symbol: "ETHUSDT", ClientOrderID: "grid-s1-0-1"}.toOrder("main")
	require.Empty(t, ord.ID)
}

func TestToStatusInfoCarriesExecution(t *testing.T) {
	resp := orderResponse{
		Symbol:      "ETHUSDT",
		OrderID:     42,
		ExecutedQty: "0.5",
		AvgPrice:    "151.2",
		Status:      "PARTIALLY_FILLED",
	}
	info := resp.toStatusInfo("main")

	require.Equal(t, core.OrderPartiallyFilled, info.Order.Status)
	require.True(t, info.ExecutedQty.Equal(decimal.RequireFromString("0.5")))
	require.True(t, info.AvgPrice.Equal(decimal.RequireFromString("151.2")))
}
