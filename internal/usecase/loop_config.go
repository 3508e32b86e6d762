package usecase

import (
	"fmt"
	"strings"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
)

const (
	DefaultCycleInterval         = 10 * time.Second
	DefaultShutdownCloseAttempts = 3
	DefaultMaxSlippagePct        = 0.005
)

// SignalParams control entry scoring.
type SignalParams struct {
	EntryThreshold float64 `yaml:"entry_threshold" json:"entry_threshold"`
	HistorySize    int     `yaml:"history_size" json:"history_size"`
}

// Credentials authenticate against the live exchange.
type Credentials struct {
	APIKey    string
	APISecret string
}

func (c Credentials) Present() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// LoopConfig is everything the trading loop needs. Zero values are replaced
// by the defaults of DefaultLoopConfig, except credentials.
type LoopConfig struct {
	Symbols               []string      `yaml:"symbols" json:"symbols"`
	CycleInterval         time.Duration `yaml:"cycle_interval" json:"cycle_interval"`
	OrderTimeout          time.Duration `yaml:"order_timeout" json:"order_timeout"`
	ShutdownCloseAttempts int           `yaml:"shutdown_close_attempts" json:"shutdown_close_attempts"`

	Risk   RiskLimits   `yaml:"risk" json:"risk"`
	Exits  ExitRules    `yaml:"exits" json:"exits"`
	Signal SignalParams `yaml:"signal" json:"signal"`
	Orders OrderRules   `yaml:"orders" json:"orders"`

	LiveTrading bool        `yaml:"-" json:"live_trading"`
	Credentials Credentials `yaml:"-" json:"-"`
}

// DefaultLoopConfig documents the safe defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Symbols:               []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		CycleInterval:         DefaultCycleInterval,
		OrderTimeout:          DefaultOrderTimeout,
		ShutdownCloseAttempts: DefaultShutdownCloseAttempts,
		Risk: RiskLimits{
			MaxPositionNotional: 50,
			MaxTotalExposure:    200,
			MaxPositions:        4,
			DailyLossLimit:      25,
		},
		Exits: ExitRules{
			TakeProfitPct:   0.012,
			StopLossPct:     0.005,
			TrailingStopPct: 0.003,
			TrailingArmPct:  0.006,
		},
		Signal: SignalParams{
			EntryThreshold: 0.85,
			HistorySize:    DefaultHistorySize,
		},
		Orders: OrderRules{
			DefaultQtyStep:     0.000001,
			DefaultMinNotional: 5,
			MaxSlippagePct:     DefaultMaxSlippagePct,
		},
	}
}

// WithDefaults fills every zero value from DefaultLoopConfig.
func (c LoopConfig) WithDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if len(c.Symbols) == 0 {
		c.Symbols = d.Symbols
	}
	setDuration(&c.CycleInterval, d.CycleInterval)
	setDuration(&c.OrderTimeout, d.OrderTimeout)
	setInt(&c.ShutdownCloseAttempts, d.ShutdownCloseAttempts)

	setFloat(&c.Risk.MaxPositionNotional, d.Risk.MaxPositionNotional)
	setFloat(&c.Risk.MaxTotalExposure, d.Risk.MaxTotalExposure)
	setInt(&c.Risk.MaxPositions, d.Risk.MaxPositions)
	setFloat(&c.Risk.DailyLossLimit, d.Risk.DailyLossLimit)

	setFloat(&c.Exits.TakeProfitPct, d.Exits.TakeProfitPct)
	setFloat(&c.Exits.StopLossPct, d.Exits.StopLossPct)
	setFloat(&c.Exits.TrailingStopPct, d.Exits.TrailingStopPct)
	setFloat(&c.Exits.TrailingArmPct, d.Exits.TrailingArmPct)

	setFloat(&c.Signal.EntryThreshold, d.Signal.EntryThreshold)
	setInt(&c.Signal.HistorySize, d.Signal.HistorySize)

	setFloat(&c.Orders.DefaultQtyStep, d.Orders.DefaultQtyStep)
	setFloat(&c.Orders.DefaultMinNotional, d.Orders.DefaultMinNotional)
	setFloat(&c.Orders.MaxSlippagePct, d.Orders.MaxSlippagePct)
	return c
}

// Validate rejects inconsistent thresholds and missing live credentials.
func (c LoopConfig) Validate() error {
	if c.LiveTrading && !c.Credentials.Present() {
		return domain.ErrMissingCredentials
	}

	var problems []string
	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}
	check(len(c.Symbols) > 0, "symbols must not be empty")
	check(c.CycleInterval > 0, "cycle_interval must be positive")
	check(c.OrderTimeout > 0, "order_timeout must be positive")
	check(c.Risk.MaxPositionNotional > 0, "risk.max_position_notional must be positive")
	check(c.Risk.MaxTotalExposure >= c.Risk.MaxPositionNotional, "risk.max_total_exposure must be >= max_position_notional")
	check(c.Risk.MaxPositions > 0, "risk.max_positions must be positive")
	check(c.Risk.DailyLossLimit > 0, "risk.daily_loss_limit must be positive")
	check(isFraction(c.Exits.TakeProfitPct), "exits.take_profit_pct must be in (0,1)")
	check(isFraction(c.Exits.StopLossPct), "exits.stop_loss_pct must be in (0,1)")
	check(isFraction(c.Exits.TrailingStopPct), "exits.trailing_stop_pct must be in (0,1)")
	check(c.Exits.TrailingArmPct >= 0 && c.Exits.TrailingArmPct < 1, "exits.trailing_arm_pct must be in [0,1)")
	check(c.Signal.EntryThreshold >= 0.5 && c.Signal.EntryThreshold <= 1, "signal.entry_threshold must be in [0.5,1]")
	check(c.Signal.HistorySize >= minSignalObservations, fmt.Sprintf("signal.history_size must be >= %d", minSignalObservations))
	check(c.Orders.MaxSlippagePct >= 0 && c.Orders.MaxSlippagePct < 0.1, "orders.max_slippage_pct must be in [0,0.1)")
	check(c.Orders.DefaultMinNotional <= c.Risk.MaxPositionNotional, "orders.default_min_notional must be <= risk.max_position_notional")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func isFraction(x float64) bool { return x > 0 && x < 1 }

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
