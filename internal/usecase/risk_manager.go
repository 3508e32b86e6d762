package usecase

import (
	"fmt"
	"sync/atomic"

	"github.com/vitos/crypto_autotrader/internal/domain"
)

// RiskLimits are the hard safety limits enforced by RiskManager.
type RiskLimits struct {
	MaxPositionNotional float64 `yaml:"max_position_notional" json:"max_position_notional"`
	MaxTotalExposure    float64 `yaml:"max_total_exposure" json:"max_total_exposure"`
	MaxPositions        int     `yaml:"max_positions" json:"max_positions"`
	DailyLossLimit      float64 `yaml:"daily_loss_limit" json:"daily_loss_limit"` // positive amount in quote currency
}

// Violation explains why an admission check failed.
type Violation struct {
	Code string
	Msg  string
}

// Admission is the result of RiskManager.Check.
type Admission struct {
	Allowed    bool
	Violations []Violation
}

func (a *Admission) add(code, msg string) {
	a.Violations = append(a.Violations, Violation{Code: code, Msg: msg})
	a.Allowed = false
}

// RiskManager tracks aggregate exposure, open position count and realized
// daily P&L. Everything except the kill switch is mutated only by the
// trading loop's goroutine.
type RiskManager struct {
	limits RiskLimits

	exposure      float64
	openPositions int
	dailyPnL      float64
	killSwitch    atomic.Bool
}

func NewRiskManager(limits RiskLimits) *RiskManager {
	return &RiskManager{limits: limits}
}

func (r *RiskManager) Limits() RiskLimits { return r.limits }

// CanOpen reports whether a new position of candidateNotional may open.
func (r *RiskManager) CanOpen(candidateNotional float64) bool {
	return r.Check(candidateNotional).Allowed
}

// Check runs every admission rule and collects all violations.
func (r *RiskManager) Check(candidateNotional float64) Admission {
	a := Admission{Allowed: true}

	if r.openPositions >= r.limits.MaxPositions {
		a.add("TOO_MANY_POSITIONS",
			fmt.Sprintf("open positions %d >= max %d", r.openPositions, r.limits.MaxPositions))
	}
	if r.exposure+candidateNotional > r.limits.MaxTotalExposure {
		a.add("EXPOSURE_LIMIT",
			fmt.Sprintf("exposure %.2f + %.2f exceeds max %.2f", r.exposure, candidateNotional, r.limits.MaxTotalExposure))
	}
	if r.DailyLossBreached() {
		a.add("DAILY_LOSS_LIMIT",
			fmt.Sprintf("daily pnl %.2f <= -%.2f", r.dailyPnL, r.limits.DailyLossLimit))
	}
	if r.killSwitch.Load() {
		a.add("KILL_SWITCH", "kill switch is active")
	}
	return a
}

// RecordOpen adds a filled position to exposure.
func (r *RiskManager) RecordOpen(notional float64) {
	r.exposure += notional
	r.openPositions++
}

// RecordFill replaces the notional reserved for a pending entry with the
// notional it actually filled at.
func (r *RiskManager) RecordFill(reserved, filled float64) {
	r.exposure += filled - reserved
	if r.exposure < 1e-9 {
		r.exposure = 0
	}
}

// RecordClose releases a position's notional and books its realized P&L.
func (r *RiskManager) RecordClose(notional, realizedPnL float64) {
	r.exposure -= notional
	if r.exposure < 1e-9 {
		r.exposure = 0
	}
	if r.openPositions > 0 {
		r.openPositions--
	}
	r.dailyPnL += realizedPnL
}

// RecordPartialClose books a partial fill on a position that stays open.
func (r *RiskManager) RecordPartialClose(notional, realizedPnL float64) {
	r.exposure -= notional
	if r.exposure < 1e-9 {
		r.exposure = 0
	}
	r.dailyPnL += realizedPnL
}

// DailyLossBreached is true once realized daily P&L is at or below the loss limit.
func (r *RiskManager) DailyLossBreached() bool {
	return r.dailyPnL <= -r.limits.DailyLossLimit
}

// TriggerKillSwitch is irreversible for the life of the process. It is safe
// to call from any goroutine.
func (r *RiskManager) TriggerKillSwitch() {
	r.killSwitch.Store(true)
}

func (r *RiskManager) KillSwitchActive() bool {
	return r.killSwitch.Load()
}

func (r *RiskManager) Snapshot() domain.RiskSnapshot {
	return domain.RiskSnapshot{
		Exposure:      r.exposure,
		OpenPositions: r.openPositions,
		DailyPnL:      r.dailyPnL,
		KillSwitch:    r.killSwitch.Load(),
	}
}
