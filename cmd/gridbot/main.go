package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"grid-hedge/internal/alert"
	"grid-hedge/internal/api"
	"grid-hedge/internal/config"
	"grid-hedge/internal/engine"
	"grid-hedge/internal/exchange"
	"grid-hedge/internal/exchange/binance"
	"grid-hedge/internal/logger"
	"grid-hedge/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configDir string
	flag.StringVar(&configDir, "config", "./configs", "directory containing config.yml")
	flag.Parse()

	cfg, err := config.LoadApp(configDir)
	if err != nil {
		fatal("load config: " + err.Error())
	}
	log, err := logger.New(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		fatal("build logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("exiting on error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.State.Dir, log)
	if err != nil {
		return fmt.Errorf("open state dir: %w", err)
	}
	lock, err := store.AcquireInstanceLock(cfg.State.Dir, 0)
	if err != nil {
		return fmt.Errorf("another instance owns %s: %w", cfg.State.Dir, err)
	}
	defer func() { _ = lock.Release() }()

	trades, err := store.NewTradeRecorder(cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open trade history: %w", err)
	}
	defer func() { _ = trades.Close() }()

	var notifiers []alert.Notifier
	if cfg.Alert.TelegramEnabled {
		notifiers = append(notifiers, alert.NewTelegramNotifier(
			true,
			cfg.Alert.TelegramToken,
			cfg.Alert.TelegramChatID,
			cfg.Alert.TelegramBaseURL,
			10*time.Second,
		))
	}
	bus := alert.NewBus(log.Named("events"), notifiers...)

	adapters, closeAdapters, err := buildAdapters(cfg, log)
	if err != nil {
		return err
	}
	defer closeAdapters()

	eng := engine.New(log, bus, st, trades, cfg.Engine.TickInterval(), cfg.Engine.Workers)
	deps := engine.Deps{Log: log, Bus: bus, Store: st, Trades: trades, Hedge: cfg.Hedge}

	strategies, err := config.LoadStrategies(cfg.Engine.StrategiesFile)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	registered := 0
	for _, sc := range strategies {
		rt, err := engine.NewRuntime(sc, adapters, deps)
		if err != nil {
			// One bad definition must not take the rest down.
			log.Error("strategy rejected", zap.String("strategy_id", sc.ID), zap.Error(err))
			continue
		}
		eng.Add(rt)
		registered++
	}
	if registered == 0 {
		return fmt.Errorf("no valid strategies in %s", cfg.Engine.StrategiesFile)
	}
	log.Info("strategies registered",
		zap.Int("accepted", registered),
		zap.Int("rejected", len(strategies)-registered),
	)

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}

	server := api.NewServer(log, eng, cfg.Server.Port)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-eng.Fatal():
		log.Error("engine fatal", zap.Error(err))
	case err := <-serverErr:
		if err != nil {
			log.Error("api server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", zap.Error(err))
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.Warn("engine stop", zap.Error(err))
	}
	log.Info("shutdown complete")
	return nil
}

// buildAdapters constructs one throttled adapter per configured exchange
// account, keyed by alias. Dry-run substitutes the in-memory paper exchange
// for every account regardless of driver.
func buildAdapters(cfg config.App, log *zap.Logger) (map[string]exchange.Adapter, func(), error) {
	adapters := make(map[string]exchange.Adapter, len(cfg.Exchanges))
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	for _, ex := range cfg.Exchanges {
		if ex.Alias == "" {
			closeAll()
			return nil, nil, fmt.Errorf("exchange %q: alias required", ex.ID)
		}
		if _, dup := adapters[ex.Alias]; dup {
			closeAll()
			return nil, nil, fmt.Errorf("duplicate exchange alias %q", ex.Alias)
		}
		var inner exchange.Adapter
		switch {
		case cfg.Engine.DryRun || ex.Driver == "paper":
			inner = exchange.NewPaper(ex.Driver, ex.Alias)
			log.Warn("paper adapter in use", zap.String("alias", ex.Alias))
		case ex.Driver == "binance" || ex.Driver == "":
			client := binance.New(ex, log)
			closers = append(closers, client.Close)
			inner = client
		default:
			closeAll()
			return nil, nil, fmt.Errorf("exchange %q: unknown driver %q", ex.Alias, ex.Driver)
		}
		throttled := exchange.Throttle(inner, ex.RateLimit, ex.RateLimitBurst)
		adapters[ex.Alias] = exchange.Break(throttled, ex.BreakerThreshold, ex.BreakerCooldown())
	}
	return adapters, closeAll, nil
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
