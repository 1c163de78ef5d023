package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"grid-hedge/internal/alert"
	"grid-hedge/internal/config"
	"grid-hedge/internal/core"
	"grid-hedge/internal/exchange"
	"grid-hedge/internal/store"
)

const testSymbol = "ETHUSDT"

func defaultHedgeCfg() config.Hedge {
	return config.Hedge{
		Tolerance:      "0.0001",
		MaxRetries:     5,
		BackoffBaseSec: 1,
		BackoffCapSec:  30,
	}
}

func testStrategy(id string, legs ...config.Leg) config.Strategy {
	if len(legs) == 0 {
		legs = []config.Leg{{ExchangeID: "x1", AccountAlias: "primary"}}
	}
	return config.Strategy{
		ID:         id,
		Symbol:     testSymbol,
		GridType:   core.GridArithmetic,
		LowPrice:   config.Dec("100"),
		HighPrice:  config.Dec("200"),
		GridNumber: 5,
		Investment: config.Dec("1000"),
		RiskControls: config.RiskControls{
			MaxPriceDeviation: config.Dec("50"),
			StopLoss:          config.Dec("90"),
		},
		Legs: legs,
	}
}

func hedgedStrategy(id string) config.Strategy {
	return testStrategy(id,
		config.Leg{ExchangeID: "x1", AccountAlias: "primary"},
		config.Leg{ExchangeID: "x2", AccountAlias: "hedge", HedgeMode: core.HedgeOpposite, HedgeRatio: config.Dec("1")},
	)
}

type fixture struct {
	primary *exchange.Paper
	hedge   *exchange.Paper
	rt      *Runtime
	st      *store.Store
	bus     *alert.Bus
	deps    Deps
	cfg     config.Strategy
}

func newFixture(t *testing.T, cfg config.Strategy, hcfg config.Hedge) *fixture {
	t.Helper()
	st, err := store.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	bus := alert.NewBus(zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Close(ctx)
	})
	f := &fixture{
		primary: exchange.NewPaper("paper", "primary"),
		hedge:   exchange.NewPaper("paper", "hedge"),
		st:      st,
		bus:     bus,
		cfg:     cfg,
	}
	f.deps = Deps{Log: zap.NewNop(), Bus: bus, Store: st, Hedge: hcfg}
	rt, err := NewRuntime(cfg, f.adapters(), f.deps)
	require.NoError(t, err)
	f.rt = rt
	return f
}

func (f *fixture) adapters() map[string]exchange.Adapter {
	return map[string]exchange.Adapter{"primary": f.primary, "hedge": f.hedge}
}

func TestFreshStartArmsLevelsBySide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))

	require.NoError(t, f.rt.Init(ctx))
	require.Len(t, f.rt.levels, 5)

	// Buys strictly below 150, sells strictly above, the 150 level waits.
	for _, tc := range []struct {
		idx   int
		side  core.Side
		state core.LevelState
	}{
		{0, core.Buy, core.LevelOpen},
		{1, core.Buy, core.LevelOpen},
		{2, core.Buy, core.LevelEmpty},
		{3, core.Sell, core.LevelOpen},
		{4, core.Sell, core.LevelOpen},
	} {
		lvl := f.rt.levels[tc.idx]
		require.Equal(t, tc.side, lvl.Side, "level %d side", tc.idx)
		require.Equal(t, tc.state, lvl.State, "level %d state", tc.idx)
	}

	open, err := f.primary.OpenOrders(ctx, testSymbol)
	require.NoError(t, err)
	require.Len(t, open, 4)

	// First grid snapshot is on disk already.
	snap, ok, err := f.st.Load("s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Levels, 5)
	require.Equal(t, string(StatusRunning), snap.Status)
}

func TestRecentersWhenPriceOutsideRange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("300"))

	require.NoError(t, f.rt.Init(ctx))

	// Span of 100 kept, window centred on 300.
	require.True(t, f.rt.spec.Low.Equal(d("250")), "low %s", f.rt.spec.Low)
	require.True(t, f.rt.spec.High.Equal(d("350")), "high %s", f.rt.spec.High)
}

func TestBuyFillFlipsAdjacentAndClosesRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// Market drops to 125, the level-1 buy fills.
	f.primary.SetPrice(testSymbol, d("125"))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, core.LevelFilled, f.rt.levels[1].State)
	sell := f.rt.levels[2]
	require.Equal(t, core.Sell, sell.Side)
	require.Equal(t, core.LevelOpen, sell.State)
	require.True(t, sell.PairCost.Equal(d("125")), "pair cost %s", sell.PairCost)

	pos := f.rt.positions["primary"]
	require.NotNil(t, pos)
	require.True(t, pos.NetSize.Equal(d("1.6")), "net %s", pos.NetSize)

	// Market recovers to 150, the paired sell fills and the trip closes.
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, 1, f.rt.completedTrades)
	// (150 - 125) * 1.6 with zero fees.
	require.True(t, f.rt.totalProfit.Equal(d("40")), "profit %s", f.rt.totalProfit)
	require.True(t, f.rt.positions["primary"].NetSize.IsZero())
	// Both legs of the trip are back in rotation; the buy re-armed below 150.
	require.Equal(t, core.LevelOpen, f.rt.levels[1].State)
	require.Equal(t, core.Buy, f.rt.levels[1].Side)
	require.Equal(t, core.LevelEmpty, f.rt.levels[2].State)
}

func TestSellFillAdoptsRestingBuyAsClosingLeg(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// Price lifts to 160 and the waiting level-2 buy arms below it.
	f.primary.SetPrice(testSymbol, d("160"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, core.LevelOpen, f.rt.levels[2].State)
	require.Equal(t, core.Buy, f.rt.levels[2].Side)

	// The level-3 sell fills while its pair slot is occupied by that resting
	// buy; the buy adopts the entry and becomes the closing leg.
	f.primary.SetPrice(testSymbol, d("175"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, core.LevelFilled, f.rt.levels[3].State)
	require.True(t, f.rt.levels[3].PairCost.IsZero())
	require.True(t, f.rt.levels[2].PairCost.Equal(d("175")), "pair cost %s", f.rt.levels[2].PairCost)

	// Price falls back to 150, the adopted buy fills and the trip closes.
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, 1, f.rt.completedTrades)
	// (175 - 150) * 1.333333 with zero fees.
	require.True(t, f.rt.totalProfit.Equal(d("33.333325")), "profit %s", f.rt.totalProfit)
	require.Equal(t, core.LevelEmpty, f.rt.levels[2].State)
	require.Equal(t, core.LevelOpen, f.rt.levels[3].State)
	require.Equal(t, core.Sell, f.rt.levels[3].Side)

	// Another full oscillation keeps the grid cycling instead of stranding
	// levels in the filled state.
	f.primary.SetPrice(testSymbol, d("175"))
	require.NoError(t, f.rt.TryTick(ctx))
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, 2, f.rt.completedTrades)
	for i, lvl := range f.rt.levels {
		require.NotEqual(t, core.LevelFilled, lvl.State, "level %d stranded", i)
	}
}

func TestFillAgainstUnflippedNeighborClosesTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// Placements fail transiently, so the level-2 buy sticks at pending and
	// the level-3 sell's flip has nowhere to land.
	f.primary.PlaceHook = func(core.Order) error { return core.ErrNetwork }
	f.primary.SetPrice(testSymbol, d("160"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, core.LevelPendingOpen, f.rt.levels[2].State)

	f.primary.SetPrice(testSymbol, d("175"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, core.LevelFilled, f.rt.levels[3].State)
	require.True(t, f.rt.levels[3].PairCost.Equal(d("175")), "entry parked on opener, got %s", f.rt.levels[3].PairCost)

	// Placement recovers at 150; the retried buy is marketable, fills, and
	// closes the neighbor's parked trip.
	f.primary.PlaceHook = nil
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, 1, f.rt.completedTrades)
	require.True(t, f.rt.totalProfit.Equal(d("33.333325")), "profit %s", f.rt.totalProfit)
	require.Equal(t, core.LevelEmpty, f.rt.levels[2].State)
	require.True(t, f.rt.levels[3].PairCost.IsZero())
	require.NotEqual(t, core.LevelFilled, f.rt.levels[3].State)
}

func TestFillClosesParkedEntryBeforeAnyFlipRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// A sell entry parked on level 3 (its flip never landed) and a fill on
	// the pair slot delivered before any flip retry, as after a restart that
	// resolves resting orders straight from the snapshot.
	f.rt.levels[3].State = core.LevelFilled
	f.rt.levels[3].OrderID = ""
	f.rt.levels[3].PairCost = d("175")
	f.rt.levels[3].PairQty = d("1.142857")
	f.rt.levels[2].Side = core.Buy
	f.rt.levels[2].State = core.LevelOpen

	f.rt.applyFill(ctx, &f.rt.levels[2], exchange.StatusInfo{
		Order:       core.Order{ID: "buy-close-1", Symbol: testSymbol, Status: core.OrderFilled, Qty: d("1.333333")},
		ExecutedQty: d("1.333333"),
		AvgPrice:    d("150"),
	})

	require.Equal(t, 1, f.rt.completedTrades)
	require.True(t, f.rt.totalProfit.Equal(d("33.333325")), "profit %s", f.rt.totalProfit)
	require.Equal(t, core.LevelEmpty, f.rt.levels[2].State)
	require.Equal(t, core.LevelEmpty, f.rt.levels[3].State)
	require.True(t, f.rt.levels[3].PairCost.IsZero())
}

func TestDuplicateFillDeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	info := exchange.StatusInfo{
		Order: core.Order{
			ID:     "dup-1",
			Symbol: testSymbol,
			Status: core.OrderFilled,
			Qty:    d("1.6"),
		},
		ExecutedQty: d("1.6"),
		AvgPrice:    d("125"),
	}
	f.rt.applyFill(ctx, &f.rt.levels[1], info)
	net := f.rt.positions["primary"].NetSize
	trades := len(f.rt.recentTrades)

	f.rt.applyFill(ctx, &f.rt.levels[1], info)

	require.True(t, f.rt.positions["primary"].NetSize.Equal(net))
	require.Equal(t, trades, len(f.rt.recentTrades))
}

func TestHedgeLegMirrorsPrimaryFill(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hedgedStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	f.hedge.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	f.primary.SetPrice(testSymbol, d("125"))
	f.hedge.SetPrice(testSymbol, d("125"))
	require.NoError(t, f.rt.TryTick(ctx))

	// Opposite mode: primary long 1.6, hedge short 1.6.
	hedgePos, err := f.hedge.Position(ctx, testSymbol)
	require.NoError(t, err)
	require.True(t, hedgePos.NetSize.Equal(d("-1.6")), "hedge net %s", hedgePos.NetSize)
	require.Equal(t, StatusRunning, f.rt.status)
	require.False(t, f.rt.hedges[0].Link().LastReconciledAt.IsZero())
}

func TestHedgeReconcileCorrectsDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, hedgedStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	f.hedge.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	f.primary.SetPrice(testSymbol, d("125"))
	f.hedge.SetPrice(testSymbol, d("125"))
	require.NoError(t, f.rt.TryTick(ctx))

	// Something external knocks the hedge off by 0.5.
	_, err := f.hedge.PlaceOrder(ctx, core.Order{
		ClientID: "external-1",
		Symbol:   testSymbol,
		Side:     core.Buy,
		Type:     core.Market,
		Qty:      d("0.5"),
	})
	require.NoError(t, err)

	require.NoError(t, f.rt.TryTick(ctx))

	hedgePos, err := f.hedge.Position(ctx, testSymbol)
	require.NoError(t, err)
	require.True(t, hedgePos.NetSize.Equal(d("-1.6")), "hedge net %s", hedgePos.NetSize)
	require.Equal(t, StatusRunning, f.rt.status)
}

func TestHedgeDesyncDegradesStrategy(t *testing.T) {
	ctx := context.Background()
	hcfg := defaultHedgeCfg()
	hcfg.MaxRetries = 0
	f := newFixture(t, hedgedStrategy("s1"), hcfg)
	f.primary.SetPrice(testSymbol, d("150"))
	f.hedge.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// The hedge venue rejects everything.
	f.hedge.PlaceHook = func(core.Order) error { return core.ErrNetwork }
	f.primary.SetPrice(testSymbol, d("125"))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, StatusDegraded, f.rt.status)
	require.True(t, f.rt.hedges[0].Desynced())
	require.Contains(t, f.rt.statusReason, "hedge desync")
}

func TestHedgeDesyncHaltsWhenConfigured(t *testing.T) {
	ctx := context.Background()
	hcfg := defaultHedgeCfg()
	hcfg.MaxRetries = 0
	hcfg.HaltOnDesync = true
	f := newFixture(t, hedgedStrategy("s1"), hcfg)
	f.primary.SetPrice(testSymbol, d("150"))
	f.hedge.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	f.hedge.PlaceHook = func(core.Order) error { return core.ErrNetwork }
	f.primary.SetPrice(testSymbol, d("125"))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, StatusStopped, f.rt.status)
}

func TestDeviationBreachHaltsAndCancelsOrders(t *testing.T) {
	ctx := context.Background()
	cfg := testStrategy("s1")
	cfg.RiskControls.MaxPriceDeviation = config.Dec("0.5")
	f := newFixture(t, cfg, defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	// 1% below the band, past the 0.5% limit.
	f.primary.SetPrice(testSymbol, d("99"))
	require.NoError(t, f.rt.TryTick(ctx))

	require.Equal(t, StatusStopped, f.rt.status)
	require.Contains(t, f.rt.statusReason, "deviation")
	open, err := f.primary.OpenOrders(ctx, testSymbol)
	require.NoError(t, err)
	require.Empty(t, open)

	// Halt is idempotent; a further tick changes nothing.
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, StatusStopped, f.rt.status)

	snap, ok, err := f.st.Load("s1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, string(StatusStopped), snap.Status)
}

func TestRecoveryAppliesOfflineFillsWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))
	require.NoError(t, f.rt.TryTick(ctx))

	// While the process is "down" the level-1 buy fills and an orphan from a
	// crashed placement lingers on the book.
	f.primary.SetPrice(testSymbol, d("125"))
	_, err := f.primary.PlaceOrder(ctx, core.Order{
		ClientID: "grid-s1-99-1",
		Symbol:   testSymbol,
		Side:     core.Buy,
		Type:     core.Limit,
		Price:    d("90"),
		Qty:      d("1"),
	})
	require.NoError(t, err)

	rt2, err := NewRuntime(f.cfg, f.adapters(), f.deps)
	require.NoError(t, err)
	require.NoError(t, rt2.Init(ctx))

	// The offline fill was applied exactly once.
	require.Equal(t, core.LevelFilled, rt2.levels[1].State)
	require.True(t, rt2.positions["primary"].NetSize.Equal(d("1.6")), "net %s", rt2.positions["primary"].NetSize)

	// The orphan is gone; surviving orders were adopted, not replaced.
	open, err := f.primary.OpenOrders(ctx, testSymbol)
	require.NoError(t, err)
	for _, ord := range open {
		require.NotEqual(t, "grid-s1-99-1", ord.ClientID)
	}
	require.Len(t, open, 3)

	// The next tick arms the flip sell carrying the entry cost.
	require.NoError(t, rt2.TryTick(ctx))
	require.Equal(t, core.LevelOpen, rt2.levels[2].State)
	require.Equal(t, core.Sell, rt2.levels[2].Side)
	require.True(t, rt2.levels[2].PairCost.Equal(d("125")))
}

func TestHaltedStrategyStaysHaltedAcrossRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testStrategy("s1")
	cfg.RiskControls.MaxPriceDeviation = config.Dec("0.5")
	f := newFixture(t, cfg, defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))
	f.primary.SetPrice(testSymbol, d("99"))
	require.NoError(t, f.rt.TryTick(ctx))
	require.Equal(t, StatusStopped, f.rt.status)

	rt2, err := NewRuntime(cfg, f.adapters(), f.deps)
	require.NoError(t, err)
	require.NoError(t, rt2.Init(ctx))
	require.Equal(t, StatusStopped, rt2.status)

	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, rt2.TryTick(ctx))
	open, err := f.primary.OpenOrders(ctx, testSymbol)
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestSchedulerTicksStrategiesAndStops(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))

	eng := New(zap.NewNop(), f.bus, f.st, nil, 20*time.Millisecond, 2)
	eng.Add(f.rt)
	require.NoError(t, eng.Start(ctx))

	require.Eventually(t, func() bool {
		statuses := eng.Status()
		return len(statuses) == 1 && !statuses[0].LastTickAt.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	stats := eng.Stats()
	require.Equal(t, 1, stats.Strategies)
	require.Equal(t, 1, stats.Running)

	grids := eng.Grids()
	require.Len(t, grids, 1)
	require.Len(t, grids[0].Levels, 5)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(stopCtx))
}

func TestStatsCountsActiveOrders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	f.primary.SetPrice(testSymbol, d("150"))
	require.NoError(t, f.rt.Init(ctx))

	eng := New(zap.NewNop(), f.bus, f.st, nil, time.Second, 1)
	eng.Add(f.rt)

	// Two buys and two sells armed at start; the 150 level waits.
	require.Equal(t, 4, eng.Stats().ActiveOrders)
	require.Equal(t, 4, eng.Status()[0].ActiveOrders)
}

func TestSeenFillTrackingStaysBounded(t *testing.T) {
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	for i := 0; i < seenFillCap+100; i++ {
		f.rt.markSeen(fmt.Sprintf("ord-%d", i))
	}
	require.Len(t, f.rt.seenFills, seenFillCap)
	require.Len(t, f.rt.seenOrder, seenFillCap)
	_, evicted := f.rt.seenFills["ord-0"]
	require.False(t, evicted, "oldest entry should age out")
	_, kept := f.rt.seenFills[fmt.Sprintf("ord-%d", seenFillCap+99)]
	require.True(t, kept)
}

func TestTradesQueryUnknownStrategy(t *testing.T) {
	f := newFixture(t, testStrategy("s1"), defaultHedgeCfg())
	eng := New(zap.NewNop(), f.bus, f.st, nil, time.Second, 1)
	eng.Add(f.rt)
	_, err := eng.Trades("nope", 10)
	require.ErrorIs(t, err, ErrUnknownStrategy)
}
