// Command exchangecheck verifies that every configured exchange account is
// reachable and authorised before the engine is pointed at it: ticker, open
// orders, and position queries must all succeed for each strategy symbol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"grid-hedge/internal/config"
	"grid-hedge/internal/exchange"
	"grid-hedge/internal/exchange/binance"
	"grid-hedge/internal/logger"
)

func main() {
	var configDir string
	var timeout time.Duration
	flag.StringVar(&configDir, "config", "./configs", "directory containing config.yml")
	flag.DurationVar(&timeout, "timeout", 15*time.Second, "per-check timeout")
	flag.Parse()

	cfg, err := config.LoadApp(configDir)
	if err != nil {
		fail("load config: %v", err)
	}
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fail("build logger: %v", err)
	}
	defer func() { _ = log.Sync() }()

	strategies, err := config.LoadStrategies(cfg.Engine.StrategiesFile)
	if err != nil {
		fail("load strategies: %v", err)
	}
	symbols := symbolsByAlias(strategies)

	failures := 0
	for _, ex := range cfg.Exchanges {
		var adapter exchange.Adapter
		switch ex.Driver {
		case "paper":
			fmt.Printf("SKIP  %-12s paper adapter needs no connectivity\n", ex.Alias)
			continue
		default:
			client := binance.New(ex, log)
			defer client.Close()
			adapter = exchange.Throttle(client, ex.RateLimit, ex.RateLimitBurst)
		}
		for _, symbol := range symbols[ex.Alias] {
			if err := checkAccount(adapter, symbol, timeout); err != nil {
				failures++
				fmt.Printf("FAIL  %-12s %-10s %v\n", ex.Alias, symbol, err)
				continue
			}
			fmt.Printf("OK    %-12s %-10s\n", ex.Alias, symbol)
		}
	}
	if failures > 0 {
		fail("%d check(s) failed", failures)
	}
	fmt.Println("all accounts reachable")
}

func symbolsByAlias(strategies []config.Strategy) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	for _, s := range strategies {
		for _, leg := range s.Legs {
			key := leg.AccountAlias + "/" + s.Symbol
			if seen[key] {
				continue
			}
			seen[key] = true
			out[leg.AccountAlias] = append(out[leg.AccountAlias], s.Symbol)
		}
	}
	return out
}

func checkAccount(adapter exchange.Adapter, symbol string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	price, err := adapter.Ticker(ctx, symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("ticker: non-positive price %s", price)
	}
	if _, err := adapter.OpenOrders(ctx, symbol); err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	if _, err := adapter.Position(ctx, symbol); err != nil {
		return fmt.Errorf("position: %w", err)
	}
	return nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
