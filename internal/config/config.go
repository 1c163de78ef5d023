package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"grid-hedge/internal/core"
)

// App is the runtime configuration of the engine process. Strategy
// definitions live in a separate YAML file (see LoadStrategies) so they can
// keep decimal precision; everything here is plain scalars.
type App struct {
	Engine    Engine     `mapstructure:"engine"`
	Logger    Logger     `mapstructure:"logger"`
	Server    Server     `mapstructure:"server"`
	State     State      `mapstructure:"state"`
	Database  Database   `mapstructure:"database"`
	Hedge     Hedge      `mapstructure:"hedge"`
	Alert     Alert      `mapstructure:"alert"`
	Exchanges []Exchange `mapstructure:"exchanges"`
}

// Alert configures external event delivery. The log stream is always on;
// telegram is opt-in.
type Alert struct {
	TelegramEnabled bool   `mapstructure:"telegram_enabled"`
	TelegramToken   string `mapstructure:"telegram_token"`
	TelegramChatID  string `mapstructure:"telegram_chat_id"`
	TelegramBaseURL string `mapstructure:"telegram_base_url"`
}

type Engine struct {
	TickIntervalSec int    `mapstructure:"tick_interval_sec"`
	Workers         int    `mapstructure:"workers"`
	DryRun          bool   `mapstructure:"dry_run"`
	StrategiesFile  string `mapstructure:"strategies_file"`
}

func (e Engine) TickInterval() time.Duration {
	return time.Duration(e.TickIntervalSec) * time.Second
}

type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Server struct {
	Port int `mapstructure:"port"`
}

type State struct {
	Dir string `mapstructure:"dir"`
}

type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Hedge holds the reconciliation knobs. Tolerance and retry behavior are
// explicit configuration, never inferred from position size.
type Hedge struct {
	Tolerance      string `mapstructure:"tolerance"`
	MaxRetries     int    `mapstructure:"max_retries"`
	BackoffBaseSec int    `mapstructure:"backoff_base_sec"`
	BackoffCapSec  int    `mapstructure:"backoff_cap_sec"`
	HaltOnDesync   bool   `mapstructure:"halt_on_desync"`
	CloseOnHalt    bool   `mapstructure:"close_on_halt"`
}

func (h Hedge) ToleranceDec() decimal.Decimal {
	d, err := decimal.NewFromString(h.Tolerance)
	if err != nil {
		return decimal.RequireFromString("0.0001")
	}
	return d
}

func (h Hedge) BackoffBase() time.Duration {
	return time.Duration(h.BackoffBaseSec) * time.Second
}

func (h Hedge) BackoffCap() time.Duration {
	return time.Duration(h.BackoffCapSec) * time.Second
}

// Exchange describes one exchange account the engine trades through.
// Alias is how strategies refer to it; two strategies naming the same alias
// share one adapter and one rate limiter.
type Exchange struct {
	ID             string  `mapstructure:"id"`
	Alias          string  `mapstructure:"alias"`
	Driver         string  `mapstructure:"driver"`
	APIKey         string  `mapstructure:"api_key"`
	APISecret      string  `mapstructure:"api_secret"`
	BaseURL        string  `mapstructure:"base_url"`
	WSBaseURL      string  `mapstructure:"ws_base_url"`
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// BreakerThreshold is the consecutive transient failures tolerated before
	// the account's circuit opens; zero takes the default.
	BreakerThreshold   int `mapstructure:"breaker_threshold"`
	BreakerCooldownSec int `mapstructure:"breaker_cooldown_sec"`
}

func (e Exchange) BreakerCooldown() time.Duration {
	return time.Duration(e.BreakerCooldownSec) * time.Second
}

// LoadApp reads the app config from the given directory, with environment
// variables overriding file values.
func LoadApp(path string) (App, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("engine.tick_interval_sec", 3)
	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.strategies_file", "./configs/strategies.yml")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("server.port", 8080)
	v.SetDefault("state.dir", "./data")
	v.SetDefault("database.dsn", "./data/trades.db")
	v.SetDefault("hedge.tolerance", "0.0001")
	v.SetDefault("hedge.max_retries", 5)
	v.SetDefault("hedge.backoff_base_sec", 1)
	v.SetDefault("hedge.backoff_cap_sec", 30)

	var cfg App
	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Leg binds a strategy to one exchange account. The first leg of a strategy
// is the primary; subsequent legs with a hedge mode mirror it.
type Leg struct {
	ExchangeID   string            `yaml:"exchange_id"`
	AccountAlias string            `yaml:"account_alias"`
	PositionSide core.PositionSide `yaml:"position_side"`
	HedgeMode    core.HedgeMode    `yaml:"hedge_mode"`
	HedgeRatio   Decimal           `yaml:"hedge_ratio"`
}

type RiskControls struct {
	// MaxPriceDeviation is a percentage of the grid span; see RiskMonitor.
	MaxPriceDeviation Decimal `yaml:"max_price_deviation"`
	// StopLoss is the tolerated loss as a percentage of investment.
	StopLoss Decimal `yaml:"stop_loss"`
}

type Strategy struct {
	ID           string        `yaml:"id"`
	Symbol       string        `yaml:"symbol"`
	GridType     core.GridType `yaml:"grid_type"`
	LowPrice     Decimal       `yaml:"low_price"`
	HighPrice    Decimal       `yaml:"high_price"`
	GridNumber   int           `yaml:"grid_number"`
	Investment   Decimal       `yaml:"investment"`
	Leverage     int           `yaml:"leverage"`
	RiskControls RiskControls  `yaml:"risk_controls"`
	Legs         []Leg         `yaml:"legs"`
}

// Primary returns the leg orders are placed on.
func (s Strategy) Primary() Leg {
	return s.Legs[0]
}

// HedgeLegs returns the legs that mirror the primary.
func (s Strategy) HedgeLegs() []Leg {
	var out []Leg
	for _, leg := range s.Legs[1:] {
		if leg.HedgeMode == core.HedgeOpposite || leg.HedgeMode == core.HedgeSame {
			out = append(out, leg)
		}
	}
	return out
}

// Validate re-checks the numeric invariants the external loader should have
// enforced. A failing strategy is rejected on its own; others still load.
func (s Strategy) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: id required", core.ErrInvalidConfig)
	}
	if s.Symbol == "" {
		return fmt.Errorf("%w: %s: symbol required", core.ErrInvalidConfig, s.ID)
	}
	if s.GridNumber < 2 {
		return fmt.Errorf("%w: %s: grid_number must be >= 2, got %d", core.ErrInvalidConfig, s.ID, s.GridNumber)
	}
	if s.LowPrice.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: %s: low_price must be > 0", core.ErrInvalidConfig, s.ID)
	}
	if s.LowPrice.Cmp(s.HighPrice.Decimal) >= 0 {
		return fmt.Errorf("%w: %s: low_price %s must be < high_price %s",
			core.ErrInvalidConfig, s.ID, s.LowPrice, s.HighPrice)
	}
	if s.Investment.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("%w: %s: investment must be > 0", core.ErrInvalidConfig, s.ID)
	}
	if s.Leverage < 0 {
		return fmt.Errorf("%w: %s: leverage must be >= 0", core.ErrInvalidConfig, s.ID)
	}
	if len(s.Legs) == 0 {
		return fmt.Errorf("%w: %s: at least one leg binding required", core.ErrInvalidConfig, s.ID)
	}
	for i, leg := range s.Legs {
		if leg.AccountAlias == "" {
			return fmt.Errorf("%w: %s: leg %d: account_alias required", core.ErrInvalidConfig, s.ID, i)
		}
		if i == 0 {
			continue
		}
		switch leg.HedgeMode {
		case core.HedgeOpposite, core.HedgeSame:
			if leg.HedgeRatio.Cmp(decimal.Zero) <= 0 {
				return fmt.Errorf("%w: %s: leg %d: hedge_ratio must be > 0", core.ErrInvalidConfig, s.ID, i)
			}
		case core.HedgeNone, "":
		default:
			return fmt.Errorf("%w: %s: leg %d: unknown hedge_mode %q", core.ErrInvalidConfig, s.ID, i, leg.HedgeMode)
		}
	}
	return nil
}

type strategiesFile struct {
	Strategies []Strategy `yaml:"strategies"`
}

// LoadStrategies parses the strategy definition file. Validation is left to
// the caller so one bad entry does not reject the rest.
func LoadStrategies(path string) ([]Strategy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f strategiesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse strategies %s: %w", path, err)
	}
	return f.Strategies, nil
}
