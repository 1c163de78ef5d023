package binance

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
)

type orderResponse struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

type positionResponse struct {
	Symbol      string `json:"symbol"`
	PositionAmt string `json:"positionAmt"`
	EntryPrice  string `json:"entryPrice"`
	Leverage    string `json:"leverage"`
}

type tickerResponse struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func formatOrderID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

func (r orderResponse) toOrder(account string) core.Order {
	price, _ := decimal.NewFromString(r.Price)
	qty, _ := decimal.NewFromString(r.OrigQty)
	return core.Order{
		ID:         formatOrderID(r.OrderID),
		ClientID:   r.ClientOrderID,
		Account:    account,
		Symbol:     r.Symbol,
		Side:       core.Side(r.Side),
		Type:       core.OrderType(r.Type),
		Price:      price,
		Qty:        qty,
		ReduceOnly: r.ReduceOnly,
		Status:     mapStatus(r.Status),
		CreatedAt:  time.UnixMilli(r.UpdateTime).UTC(),
	}
}

func (r orderResponse) toStatusInfo(account string) exchange.StatusInfo {
	executed, _ := decimal.NewFromString(r.ExecutedQty)
	avg, _ := decimal.NewFromString(r.AvgPrice)
	return exchange.StatusInfo{
		Order:       r.toOrder(account),
		ExecutedQty: executed,
		AvgPrice:    avg,
	}
}

func mapStatus(s string) core.OrderStatus {
	switch s {
	case "NEW":
		return core.OrderNew
	case "PARTIALLY_FILLED":
		return core.OrderPartiallyFilled
	case "FILLED":
		return core.OrderFilled
	case "CANCELED", "EXPIRED":
		return core.OrderCanceled
	case "REJECTED":
		return core.OrderRejected
	default:
		return core.OrderStatus(s)
	}
}
