package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"grid-hedge/internal/core"
)

// Paper is an in-memory exchange used for dry runs and tests. Limit orders
// rest until a SetPrice call crosses them; market orders fill at the last
// price. Client order ids are deduplicated the way a real exchange would.
type Paper struct {
	mu       sync.Mutex
	name     string
	account  string
	feeRate  decimal.Decimal
	orderSeq int

	lastPrice  map[string]decimal.Decimal
	open       map[string]*core.Order
	done       map[string]StatusInfo
	byClientID map[string]string
	positions  map[string]*core.Position

	// PlaceHook, when set, runs before every placement and can inject
	// failures for tests.
	PlaceHook func(core.Order) error
}

func NewPaper(name, account string) *Paper {
	return &Paper{
		name:       name,
		account:    account,
		feeRate:    decimal.Zero,
		lastPrice:  make(map[string]decimal.Decimal),
		open:       make(map[string]*core.Order),
		done:       make(map[string]StatusInfo),
		byClientID: make(map[string]string),
		positions:  make(map[string]*core.Position),
	}
}

func (p *Paper) Name() string    { return p.name }
func (p *Paper) Account() string { return p.account }

// SetFeeRate sets the proportional fee charged on every fill's notional.
func (p *Paper) SetFeeRate(rate decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.feeRate = rate
}

// SetPrice moves the market and fills any limit order the move crossed.
func (p *Paper) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrice[symbol] = price
	for id, ord := range p.open {
		if ord.Symbol != symbol {
			continue
		}
		crossed := (ord.Side == core.Buy && price.Cmp(ord.Price) <= 0) ||
			(ord.Side == core.Sell && price.Cmp(ord.Price) >= 0)
		if crossed {
			p.fillLocked(id, ord, ord.Price)
		}
	}
}

func (p *Paper) fillLocked(id string, ord *core.Order, price decimal.Decimal) {
	ord.Status = core.OrderFilled
	fee := price.Mul(ord.Qty).Mul(p.feeRate)
	p.done[id] = StatusInfo{
		Order:       *ord,
		ExecutedQty: ord.Qty,
		AvgPrice:    price,
		Fee:         fee,
	}
	delete(p.open, id)

	pos, ok := p.positions[ord.Symbol]
	if !ok {
		pos = &core.Position{Account: p.account, Symbol: ord.Symbol}
		p.positions[ord.Symbol] = pos
	}
	pos.Apply(ord.Side, price, ord.Qty)
}

func (p *Paper) PlaceOrder(_ context.Context, order core.Order) (core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PlaceHook != nil {
		if err := p.PlaceHook(order); err != nil {
			return core.Order{}, err
		}
	}
	if order.Qty.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("%w: qty %s", core.ErrInvalidPrice, order.Qty)
	}
	if order.ClientID != "" {
		if id, ok := p.byClientID[order.ClientID]; ok {
			// Idempotent resubmission: hand back the accepted order.
			if existing, open := p.open[id]; open {
				return *existing, nil
			}
			if info, closed := p.done[id]; closed {
				return info.Order, nil
			}
		}
	}

	p.orderSeq++
	order.ID = fmt.Sprintf("p-%d", p.orderSeq)
	order.Account = p.account
	order.Status = core.OrderNew
	order.CreatedAt = time.Now().UTC()
	if order.ClientID != "" {
		p.byClientID[order.ClientID] = order.ID
	}

	last := p.lastPrice[order.Symbol]
	if order.Type == core.Market {
		if last.Cmp(decimal.Zero) <= 0 {
			return core.Order{}, fmt.Errorf("%w: no market price for %s", core.ErrInvalidPrice, order.Symbol)
		}
		stored := order
		p.fillLocked(order.ID, &stored, last)
		return stored, nil
	}
	if order.Price.Cmp(decimal.Zero) <= 0 {
		return core.Order{}, fmt.Errorf("%w: limit price %s", core.ErrInvalidPrice, order.Price)
	}

	stored := order
	p.open[order.ID] = &stored
	// Already marketable orders fill immediately at the limit price.
	if last.Cmp(decimal.Zero) > 0 {
		crossed := (order.Side == core.Buy && last.Cmp(order.Price) <= 0) ||
			(order.Side == core.Sell && last.Cmp(order.Price) >= 0)
		if crossed {
			p.fillLocked(order.ID, &stored, order.Price)
		}
	}
	return stored, nil
}

func (p *Paper) CancelOrder(_ context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	ord, ok := p.open[orderID]
	if !ok || ord.Symbol != symbol {
		return fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
	}
	ord.Status = core.OrderCanceled
	p.done[orderID] = StatusInfo{Order: *ord}
	delete(p.open, orderID)
	return nil
}

func (p *Paper) OrderStatus(_ context.Context, symbol, orderID, clientID string) (StatusInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if orderID == "" && clientID != "" {
		orderID = p.byClientID[clientID]
	}
	if ord, ok := p.open[orderID]; ok && ord.Symbol == symbol {
		return StatusInfo{Order: *ord}, nil
	}
	if info, ok := p.done[orderID]; ok && info.Order.Symbol == symbol {
		return info, nil
	}
	return StatusInfo{}, fmt.Errorf("%w: %s", core.ErrOrderNotFound, orderID)
}

func (p *Paper) OpenOrders(_ context.Context, symbol string) ([]core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.Order, 0, len(p.open))
	for _, ord := range p.open {
		if ord.Symbol == symbol {
			out = append(out, *ord)
		}
	}
	return out, nil
}

func (p *Paper) Position(_ context.Context, symbol string) (core.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pos, ok := p.positions[symbol]; ok {
		return *pos, nil
	}
	return core.Position{Account: p.account, Symbol: symbol}, nil
}

func (p *Paper) Ticker(_ context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.lastPrice[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", core.ErrNetwork, symbol)
	}
	return price, nil
}
