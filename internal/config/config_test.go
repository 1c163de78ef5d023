package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"grid-hedge/internal/core"
)

const strategiesYAML = `
strategies:
  - id: eth-grid-1
    symbol: ETHUSDT
    grid_type: arithmetic
    low_price: "100"
    high_price: "200"
    grid_number: 5
    investment: "1000"
    leverage: 2
    risk_controls:
      max_price_deviation: "5"
      stop_loss: "10"
    legs:
      - exchange_id: binance
        account_alias: main
        position_side: long
      - exchange_id: binance
        account_alias: hedge
        position_side: short
        hedge_mode: opposite
        hedge_ratio: "1"
  - id: broken
    symbol: ETHUSDT
    low_price: "300"
    high_price: "200"
    grid_number: 5
    investment: "1000"
    legs:
      - exchange_id: binance
        account_alias: main
`

func writeStrategies(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "strategies.yml")
	require.NoError(t, os.WriteFile(path, []byte(strategiesYAML), 0o644))
	return path
}

func TestLoadStrategies(t *testing.T) {
	strategies, err := LoadStrategies(writeStrategies(t))
	require.NoError(t, err)
	require.Len(t, strategies, 2)

	s := strategies[0]
	require.NoError(t, s.Validate())
	require.Equal(t, "eth-grid-1", s.ID)
	require.Equal(t, core.GridArithmetic, s.GridType)
	require.True(t, s.LowPrice.Equal(Dec("100").Decimal))
	require.True(t, s.RiskControls.MaxPriceDeviation.Equal(Dec("5").Decimal))

	require.Equal(t, "main", s.Primary().AccountAlias)
	hedges := s.HedgeLegs()
	require.Len(t, hedges, 1)
	require.Equal(t, core.HedgeOpposite, hedges[0].HedgeMode)
	require.True(t, hedges[0].HedgeRatio.Equal(Dec("1").Decimal))
}

func TestValidateRejectsInvertedRange(t *testing.T) {
	strategies, err := LoadStrategies(writeStrategies(t))
	require.NoError(t, err)
	require.ErrorIs(t, strategies[1].Validate(), core.ErrInvalidConfig)
}

func TestValidateRejectsBadLegs(t *testing.T) {
	base := Strategy{
		ID:         "s",
		Symbol:     "ETHUSDT",
		LowPrice:   Dec("100"),
		HighPrice:  Dec("200"),
		GridNumber: 4,
		Investment: Dec("100"),
	}

	noLegs := base
	require.ErrorIs(t, noLegs.Validate(), core.ErrInvalidConfig)

	badRatio := base
	badRatio.Legs = []Leg{
		{AccountAlias: "main"},
		{AccountAlias: "hedge", HedgeMode: core.HedgeOpposite, HedgeRatio: Dec("0")},
	}
	require.ErrorIs(t, badRatio.Validate(), core.ErrInvalidConfig)

	badMode := base
	badMode.Legs = []Leg{
		{AccountAlias: "main"},
		{AccountAlias: "hedge", HedgeMode: "inverse", HedgeRatio: Dec("1")},
	}
	require.ErrorIs(t, badMode.Validate(), core.ErrInvalidConfig)
}

func TestLoadAppDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgYAML := `
engine:
  tick_interval_sec: 2
exchanges:
  - id: binance
    alias: main
    driver: paper
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(cfgYAML), 0o644))

	cfg, err := LoadApp(dir)
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Engine.TickIntervalSec)
	require.Equal(t, 4, cfg.Engine.Workers)
	require.Equal(t, 5, cfg.Hedge.MaxRetries)
	require.True(t, cfg.Hedge.ToleranceDec().Equal(Dec("0.0001").Decimal))
	require.Len(t, cfg.Exchanges, 1)
	require.Equal(t, "main", cfg.Exchanges[0].Alias)
}
