package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	wsBaseURL        = "wss://fstream.binance.com/ws"
	wsTestnetBaseURL = "wss://stream.binancefuture.com/ws"
	// tickerStaleAfter bounds how old a cached price may be before Ticker
	// falls back to REST.
	tickerStaleAfter   = 10 * time.Second
	wsReconnectBackoff = 5 * time.Second
)

type cachedPrice struct {
	price decimal.Decimal
	at    time.Time
}

// tickerStream keeps a websocket miniTicker subscription per symbol and
// caches the latest price. It is an optimization only: callers always have
// the REST ticker as fallback.
type tickerStream struct {
	baseURL string
	logger  *zap.Logger

	mu      sync.Mutex
	prices  map[string]cachedPrice
	running map[string]chan struct{}
	closed  bool
}

type miniTickerEvent struct {
	Symbol string `json:"s"`
	Close  string `json:"c"`
}

func newTickerStream(baseURL string, testnet bool, logger *zap.Logger) *tickerStream {
	if baseURL == "" {
		if testnet {
			baseURL = wsTestnetBaseURL
		} else {
			baseURL = wsBaseURL
		}
	}
	return &tickerStream{
		baseURL: baseURL,
		logger:  logger.Named("ticker-stream"),
		prices:  make(map[string]cachedPrice),
		running: make(map[string]chan struct{}),
	}
}

func (t *tickerStream) last(symbol string) (decimal.Decimal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cached, ok := t.prices[symbol]
	if !ok || time.Since(cached.at) > tickerStaleAfter {
		return decimal.Zero, false
	}
	return cached.price, true
}

// ensure starts the stream goroutine for a symbol if it is not running yet.
func (t *tickerStream) ensure(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.running[symbol]; ok {
		return
	}
	stop := make(chan struct{})
	t.running[symbol] = stop
	go t.run(symbol, stop)
}

func (t *tickerStream) run(symbol string, stop chan struct{}) {
	streamURL := fmt.Sprintf("%s/%s@miniTicker", t.baseURL, strings.ToLower(symbol))
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
		if err != nil {
			t.logger.Warn("ticker stream dial failed",
				zap.String("symbol", symbol), zap.Error(err))
			select {
			case <-time.After(wsReconnectBackoff):
				continue
			case <-stop:
				return
			}
		}
		t.readLoop(symbol, conn, stop)
		_ = conn.Close()
	}
}

func (t *tickerStream) readLoop(symbol string, conn *websocket.Conn, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(time.Minute))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.logger.Warn("ticker stream read failed",
				zap.String("symbol", symbol), zap.Error(err))
			return
		}
		var ev miniTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Close == "" {
			continue
		}
		price, err := decimal.NewFromString(ev.Close)
		if err != nil {
			continue
		}
		t.mu.Lock()
		t.prices[symbol] = cachedPrice{price: price, at: time.Now()}
		t.mu.Unlock()
	}
}

func (t *tickerStream) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, stop := range t.running {
		close(stop)
	}
	t.running = make(map[string]chan struct{})
}
