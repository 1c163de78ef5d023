// Package binance implements the exchange.Adapter interface against the
// Binance USDT-margined futures REST API, one client per account.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"grid-hedge/internal/config"
	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
)

const (
	baseURL        = "https://fapi.binance.com"
	testnetBaseURL = "https://testnet.binancefuture.com"
	recvWindow     = "5000"
	maxRetries     = 3
)

type Client struct {
	client    *resty.Client
	account   string
	apiKey    string
	secretKey string
	logger    *zap.Logger
	ticker    *tickerStream
}

var _ exchange.Adapter = (*Client)(nil)

// New builds a client for one exchange account. The websocket ticker stream
// is started lazily on the first Ticker call.
func New(cfg config.Exchange, logger *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		if cfg.Testnet {
			base = testnetBaseURL
		} else {
			base = baseURL
		}
	}
	c := &Client{
		client:    resty.New().SetBaseURL(base).SetTimeout(15 * time.Second),
		account:   cfg.Alias,
		apiKey:    cfg.APIKey,
		secretKey: cfg.APISecret,
		logger:    logger.Named("binance").With(zap.String("account", cfg.Alias)),
	}
	c.ticker = newTickerStream(cfg.WSBaseURL, cfg.Testnet, c.logger)
	return c
}

func (c *Client) Name() string    { return "binance" }
func (c *Client) Account() string { return c.account }

func (c *Client) sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Client) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", c.sign(params.Encode()))
	return params
}

// doRequest executes with bounded retries: 429/418 and 5xx back off
// exponentially (honoring Retry-After), everything else returns classified.
func (c *Client) doRequest(ctx context.Context, method, path string, req *resty.Request) (*resty.Response, error) {
	var resp *resty.Response
	var err error

	for i := 0; i < maxRetries; i++ {
		resp, err = req.SetContext(ctx).Execute(method, path)
		if err == nil && !resp.IsError() {
			return resp, nil
		}

		var retryAfter time.Duration
		retry := false
		if err != nil {
			retry = true
		} else {
			status := resp.StatusCode()
			switch {
			case status == http.StatusTooManyRequests || status == 418:
				retry = true
				if secs, aerr := strconv.Atoi(resp.Header().Get("Retry-After")); aerr == nil {
					retryAfter = time.Duration(secs) * time.Second
				}
			case status >= 500:
				retry = true
			default:
				return nil, classifyResponse(resp)
			}
		}
		if !retry {
			break
		}
		if retryAfter == 0 {
			retryAfter = time.Duration(math.Pow(2, float64(i))) * time.Second
		}
		c.logger.Warn("request failed, retrying",
			zap.String("path", path),
			zap.Int("attempt", i+1),
			zap.Duration("retry_after", retryAfter),
			zap.Error(err),
		)
		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", core.ErrNetwork, method, path, err)
	}
	if resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() == 418 {
		return nil, fmt.Errorf("%w: %s %s", core.ErrRateLimited, method, path)
	}
	return nil, fmt.Errorf("%w: %s %s: status %d", core.ErrNetwork, method, path, resp.StatusCode())
}

func (c *Client) PlaceOrder(ctx context.Context, order core.Order) (core.Order, error) {
	params := url.Values{}
	params.Set("symbol", order.Symbol)
	params.Set("side", string(order.Side))
	params.Set("type", string(order.Type))
	params.Set("quantity", order.Qty.String())
	if order.Type == core.Limit {
		params.Set("price", order.Price.String())
		params.Set("timeInForce", "GTC")
	}
	if order.ClientID != "" {
		params.Set("newClientOrderId", order.ClientID)
	}
	if order.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	var out orderResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(c.signedParams(params).Encode()).
		SetResult(&out)

	if _, err := c.doRequest(ctx, http.MethodPost, "/fapi/v1/order", req); err != nil {
		return core.Order{}, err
	}
	placed := out.toOrder(c.account)
	placed.GridIndex = order.GridIndex
	return placed, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)

	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params))

	_, err := c.doRequest(ctx, http.MethodDelete, "/fapi/v1/order", req)
	return err
}

func (c *Client) OrderStatus(ctx context.Context, symbol, orderID, clientID string) (exchange.StatusInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	} else if clientID != "" {
		params.Set("origClientOrderId", clientID)
	}

	var out orderResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&out)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/order", req); err != nil {
		return exchange.StatusInfo{}, err
	}
	return out.toStatusInfo(c.account), nil
}

func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]core.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out []orderResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&out)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", req); err != nil {
		return nil, err
	}
	orders := make([]core.Order, 0, len(out))
	for _, o := range out {
		orders = append(orders, o.toOrder(c.account))
	}
	return orders, nil
}

func (c *Client) Position(ctx context.Context, symbol string) (core.Position, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var out []positionResponse
	req := c.client.R().
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.signedParams(params)).
		SetResult(&out)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", req); err != nil {
		return core.Position{}, err
	}

	pos := core.Position{Account: c.account, Symbol: symbol}
	for _, p := range out {
		if p.Symbol != symbol {
			continue
		}
		size, err := decimal.NewFromString(p.PositionAmt)
		if err != nil {
			continue
		}
		entry, _ := decimal.NewFromString(p.EntryPrice)
		lev, _ := strconv.Atoi(p.Leverage)
		pos.NetSize = pos.NetSize.Add(size)
		pos.EntryPrice = entry
		pos.Leverage = lev
	}
	return pos, nil
}

func (c *Client) Ticker(ctx context.Context, symbol string) (decimal.Decimal, error) {
	// Prefer the websocket cache; fall back to REST when the stream is cold.
	if price, ok := c.ticker.last(symbol); ok {
		return price, nil
	}
	c.ticker.ensure(symbol)

	var out tickerResponse
	req := c.client.R().
		SetQueryParam("symbol", symbol).
		SetResult(&out)

	if _, err := c.doRequest(ctx, http.MethodGet, "/fapi/v1/ticker/price", req); err != nil {
		return decimal.Zero, err
	}
	price, err := decimal.NewFromString(out.Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad ticker price %q", core.ErrNetwork, out.Price)
	}
	return price, nil
}

// Close stops the websocket ticker stream.
func (c *Client) Close() {
	c.ticker.close()
}
