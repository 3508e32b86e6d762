package domain

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionState is the lifecycle stage of a single position.
type PositionState string

const (
	PositionOpening PositionState = "OPENING"
	PositionOpen    PositionState = "OPEN"
	PositionClosing PositionState = "CLOSING"
	PositionClosed  PositionState = "CLOSED"
)

type ExitReason string

const (
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
	ExitStopLoss     ExitReason = "STOP_LOSS"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitShutdown     ExitReason = "SHUTDOWN"
)

// Position represents one open long exposure held by the engine.
type Position struct {
	ID         string        `json:"id"`
	Symbol     string        `json:"symbol"`
	EntryPrice float64       `json:"entry_price"`
	Quantity   float64       `json:"quantity"`
	EntryTime  time.Time     `json:"entry_time"`
	PeakPrice  float64       `json:"peak_price"` // high-water mark since entry
	Notional   float64       `json:"notional"`   // entry price * quantity at open
	State      PositionState `json:"state"`

	// PendingOrderID is the client order id of an order whose outcome is not
	// known yet. OPENING and CLOSING positions carry one until reconciled.
	PendingOrderID string     `json:"pending_order_id,omitempty"`
	PendingReason  ExitReason `json:"pending_reason,omitempty"`

	// CloseAttempts counts failed closing orders; the position stays OPEN meanwhile.
	CloseAttempts int `json:"close_attempts"`

	// Partial closes already booked against this position.
	ClosedQuantity float64 `json:"closed_quantity,omitempty"`
	ExitValue      float64 `json:"exit_value,omitempty"`
	RealizedPnL    float64 `json:"realized_pnl,omitempty"`
}

// PnLPct returns the fractional return of the position at price.
func (p *Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// Trade is the immutable record produced when a position closes.
type Trade struct {
	PositionID string     `json:"position_id"`
	Symbol     string     `json:"symbol"`
	EntryPrice float64    `json:"entry_price"`
	ExitPrice  float64    `json:"exit_price"`
	Quantity   float64    `json:"quantity"`
	PnL        float64    `json:"pnl"`
	PnLPct     float64    `json:"pnl_pct"`
	EntryTime  time.Time  `json:"entry_time"`
	Timestamp  time.Time  `json:"timestamp"`
	Reason     ExitReason `json:"reason"`
}

// OrderRequest is a market order handed to the execution gateway.
// Quantity must already be rounded to the instrument step. ClientOrderID is
// unique per order and stays the same across resubmissions of it, so a
// gateway can tell a retry from a new order.
type OrderRequest struct {
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      float64 `json:"quantity"`
	ClientOrderID string  `json:"client_order_id"`
	// MaxSlippagePct bounds the fill price against the last price, as a fraction.
	MaxSlippagePct float64 `json:"max_slippage_pct,omitempty"`
}

// Fill is the gateway's report of an executed market order.
type Fill struct {
	OrderID        string  `json:"order_id"`
	FilledPrice    float64 `json:"filled_price"`
	FilledQuantity float64 `json:"filled_quantity"`
}
