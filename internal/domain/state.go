package domain

import "time"

// EngineState is the lifecycle stage of the trading loop.
type EngineState string

const (
	EngineIdle                 EngineState = "IDLE"
	EngineAwaitingConfirmation EngineState = "AWAITING_CONFIRMATION"
	EngineRunning              EngineState = "RUNNING"
	EngineStopping             EngineState = "STOPPING"
	EngineStopped              EngineState = "STOPPED"
)

type StopReason string

const (
	StopRequested      StopReason = "STOP_REQUESTED"
	StopDailyLossLimit StopReason = "DAILY_LOSS_LIMIT"
	StopKillSwitch     StopReason = "KILL_SWITCH"
	StopCancelled      StopReason = "CONTEXT_CANCELLED"
)

// RiskSnapshot is a read-only copy of the risk manager's state.
type RiskSnapshot struct {
	Exposure      float64 `json:"exposure"`
	OpenPositions int     `json:"open_positions"`
	DailyPnL      float64 `json:"daily_pnl"`
	KillSwitch    bool    `json:"kill_switch"`
}

// EngineSnapshot is published by the trading loop after every cycle.
type EngineSnapshot struct {
	State      EngineState  `json:"state"`
	StopReason StopReason   `json:"stop_reason,omitempty"`
	Cycle      int64        `json:"cycle"`
	Risk       RiskSnapshot `json:"risk"`
	Positions  []Position   `json:"positions"`
	Trades     int          `json:"trades"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Report summarises a finished trading session.
type Report struct {
	Trades     int        `json:"trades"`
	Wins       int        `json:"wins"`
	Losses     int        `json:"losses"`
	HitRate    float64    `json:"hit_rate"`
	TotalPnL   float64    `json:"total_pnl"`
	StopReason StopReason `json:"stop_reason,omitempty"`
	Unclosed   []Position `json:"unclosed,omitempty"`
}

// Summarize builds a report from a trade history. A trade with pnl > 0 is a win.
func Summarize(trades []Trade) Report {
	var r Report
	for _, t := range trades {
		r.Trades++
		r.TotalPnL += t.PnL
		if t.PnL > 0 {
			r.Wins++
		} else {
			r.Losses++
		}
	}
	if r.Trades > 0 {
		r.HitRate = float64(r.Wins) / float64(r.Trades)
	}
	return r
}
