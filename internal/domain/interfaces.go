package domain

import (
	"context"
	"time"
)

// MarketData returns current prices for a batch of symbols in one call.
// Missing symbols or zero prices mean "no data this cycle" for that symbol.
type MarketData interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// ExecutionGateway places market orders on a single exchange.
type ExecutionGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*Fill, error)
	GetBalance(ctx context.Context) (float64, error)
}

// InstrumentCatalog is optionally implemented by gateways that can report
// per-symbol order constraints.
type InstrumentCatalog interface {
	GetInstrumentRules(ctx context.Context, symbols []string) (map[string]InstrumentRules, error)
}

// OrderTracker is optionally implemented by gateways that can look an
// order up by the client order id it was submitted with. GetOrder returns
// ErrOrderNotFound when the exchange never accepted the order,
// ErrOrderUnsettled while it is still working and ErrOrderNotFilled when it
// ended without execution.
type OrderTracker interface {
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Fill, error)
}

// AuditSink is an append-only event store.
type AuditSink interface {
	Append(ctx context.Context, eventType string, payload map[string]any) error
}

// TradeRepository persists closed trades.
type TradeRepository interface {
	SaveTrade(ctx context.Context, trade *Trade) error
	ListTrades(ctx context.Context, limit int) ([]*Trade, error)
}

// ConfirmationRequest is shown to the operator before capital is deployed.
type ConfirmationRequest struct {
	Balance        float64
	Symbols        []string
	MaxPosition    float64
	MaxExposure    float64
	MaxPositions   int
	DailyLossLimit float64
	LiveTrading    bool
}

// Confirmer blocks until an operator accepts or rejects a trading session.
type Confirmer interface {
	Confirm(ctx context.Context, req ConfirmationRequest) (bool, error)
}

// Metrics receives engine measurements.
type Metrics interface {
	ObserveCycle(d time.Duration)
	SetRisk(snap RiskSnapshot)
	TradeClosed(reason ExitReason, pnl float64)
	GatewayError(op string)
}
