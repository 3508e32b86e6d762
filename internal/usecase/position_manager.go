package usecase

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/id"
	"go.uber.org/zap"
)

// ExitRules are the percentage exit triggers, expressed as fractions (0.012 = 1.2%).
type ExitRules struct {
	TakeProfitPct   float64 `yaml:"take_profit_pct" json:"take_profit_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct" json:"stop_loss_pct"`
	TrailingStopPct float64 `yaml:"trailing_stop_pct" json:"trailing_stop_pct"`
	TrailingArmPct  float64 `yaml:"trailing_arm_pct" json:"trailing_arm_pct"`
}

// Evaluate returns the exit reason for a position with the given entry and
// peak at the current price. Take profit beats stop loss beats trailing stop.
func (r ExitRules) Evaluate(entry, peak, current float64) (domain.ExitReason, bool) {
	if entry <= 0 || current <= 0 {
		return "", false
	}
	pnlPct := (current - entry) / entry

	drawdown := 0.0
	if peak > 0 {
		drawdown = (peak - current) / peak
	}

	switch {
	case pnlPct >= r.TakeProfitPct:
		return domain.ExitTakeProfit, true
	case pnlPct <= -r.StopLossPct:
		return domain.ExitStopLoss, true
	case pnlPct > r.TrailingArmPct && drawdown > r.TrailingStopPct:
		return domain.ExitTrailingStop, true
	}
	return "", false
}

// PositionManager owns the set of open positions, at most one per symbol.
// It is driven exclusively by the trading loop's goroutine.
type PositionManager struct {
	executor *TradeExecutor
	risk     *RiskManager
	audit    *Auditor
	trades   domain.TradeRepository
	metrics  domain.Metrics
	rules    ExitRules
	logger   *zap.Logger
	now      func() time.Time

	open    map[string]*domain.Position
	history []domain.Trade
}

func NewPositionManager(
	executor *TradeExecutor,
	risk *RiskManager,
	audit *Auditor,
	trades domain.TradeRepository,
	metrics domain.Metrics,
	rules ExitRules,
	logger *zap.Logger,
) *PositionManager {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PositionManager{
		executor: executor,
		risk:     risk,
		audit:    audit,
		trades:   trades,
		metrics:  metrics,
		rules:    rules,
		logger:   logger,
		now:      time.Now,
		open:     make(map[string]*domain.Position),
	}
}

func (m *PositionManager) HasPosition(symbol string) bool {
	_, ok := m.open[symbol]
	return ok
}

func (m *PositionManager) OpenCount() int { return len(m.open) }

// Positions returns copies of the open positions ordered by symbol.
func (m *PositionManager) Positions() []domain.Position {
	out := make([]domain.Position, 0, len(m.open))
	for _, sym := range m.symbols() {
		out = append(out, *m.open[sym])
	}
	return out
}

// Trades returns the closed trade history.
func (m *PositionManager) Trades() []domain.Trade {
	out := make([]domain.Trade, len(m.history))
	copy(out, m.history)
	return out
}

func (m *PositionManager) symbols() []string {
	syms := make([]string, 0, len(m.open))
	for s := range m.open {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	return syms
}

// Open buys qty of symbol, holding reserved against the exposure limit while
// the order is pending. The position enters the open set once the gateway
// confirms a fill. When the order's outcome is unknown it enters as OPENING
// and waits for Reconcile; any other failure creates nothing.
func (m *PositionManager) Open(ctx context.Context, symbol string, qty, reserved float64, signal SignalReading) (*domain.Position, error) {
	if m.HasPosition(symbol) {
		return nil, fmt.Errorf("position already open for %s", symbol)
	}

	pos := &domain.Position{
		ID:       id.New(),
		Symbol:   symbol,
		Quantity: qty,
		State:    domain.PositionOpening,
	}

	fill, err := m.executor.Buy(ctx, symbol, qty)
	var pending *PendingOrderError
	if errors.As(err, &pending) {
		pos.PendingOrderID = pending.Request.ClientOrderID
		pos.Notional = reserved
		pos.EntryTime = m.now()
		m.open[symbol] = pos
		m.risk.RecordOpen(reserved)
		m.recordUnsettled(ctx, pos, domain.SideBuy, err)
		return nil, err
	}
	if err != nil {
		m.audit.Record(ctx, EventEntryFailed,
			fmt.Sprintf("Entry failed for %s: %v", symbol, err),
			map[string]any{"symbol": symbol, "quantity": qty, "error": err.Error()})
		return nil, err
	}

	m.fillEntry(pos, fill)
	m.open[symbol] = pos
	m.risk.RecordOpen(pos.Notional)
	m.recordOpened(ctx, pos, fill, signal)

	cp := *pos
	return &cp, nil
}

func (m *PositionManager) fillEntry(pos *domain.Position, fill *domain.Fill) {
	pos.EntryPrice = fill.FilledPrice
	pos.Quantity = fill.FilledQuantity
	pos.PeakPrice = fill.FilledPrice
	pos.Notional = fill.FilledPrice * fill.FilledQuantity
	pos.EntryTime = m.now()
	pos.State = domain.PositionOpen
	pos.PendingOrderID = ""
}

func (m *PositionManager) recordOpened(ctx context.Context, pos *domain.Position, fill *domain.Fill, signal SignalReading) {
	m.audit.Record(ctx, EventPositionOpened,
		fmt.Sprintf("Opened %s: %.8f @ %.8f (notional %.2f, confidence %.3f)",
			pos.Symbol, pos.Quantity, pos.EntryPrice, pos.Notional, signal.Confidence),
		map[string]any{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"entry_price": pos.EntryPrice,
			"quantity":    pos.Quantity,
			"notional":    pos.Notional,
			"confidence":  signal.Confidence,
			"velocity":    signal.Velocity,
			"order_id":    fill.OrderID,
		})
}

func (m *PositionManager) recordUnsettled(ctx context.Context, pos *domain.Position, side domain.Side, err error) {
	m.logger.Warn("Order outcome unknown, will reconcile",
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(side)),
		zap.String("client_order_id", pos.PendingOrderID),
		zap.Error(err))
	m.audit.Record(ctx, EventOrderUnsettled,
		fmt.Sprintf("%s order for %s not settled, reconciling next cycle: %v", side, pos.Symbol, err),
		map[string]any{
			"position_id":     pos.ID,
			"symbol":          pos.Symbol,
			"side":            string(side),
			"quantity":        pos.Quantity,
			"client_order_id": pos.PendingOrderID,
			"error":           err.Error(),
		})
}

// Reconcile looks up every order whose outcome was unknown when it was sent.
// A filled entry becomes OPEN, a filled exit closes the position, and an
// order the exchange never executed is released. Orders still working stay
// pending for the next call. It returns ctx.Err() when ctx is cancelled.
func (m *PositionManager) Reconcile(ctx context.Context) error {
	for _, sym := range m.symbols() {
		pos := m.open[sym]
		if pos.PendingOrderID == "" {
			continue
		}

		fill, err := m.executor.Lookup(ctx, sym, pos.PendingOrderID)
		switch {
		case err == nil:
			m.settle(ctx, pos, fill)
		case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrOrderNotFilled):
			m.release(ctx, pos, err)
		default:
			m.logger.Info("Order still pending",
				zap.String("symbol", sym),
				zap.String("client_order_id", pos.PendingOrderID),
				zap.Error(err))
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *PositionManager) settle(ctx context.Context, pos *domain.Position, fill *domain.Fill) {
	clientID := pos.PendingOrderID
	m.audit.Record(ctx, EventOrderReconciled,
		fmt.Sprintf("Pending order for %s filled: %.8f @ %.8f", pos.Symbol, fill.FilledQuantity, fill.FilledPrice),
		map[string]any{
			"position_id":     pos.ID,
			"symbol":          pos.Symbol,
			"client_order_id": clientID,
			"order_id":        fill.OrderID,
			"outcome":         "FILLED",
		})

	if pos.State == domain.PositionOpening {
		reserved := pos.Notional
		m.fillEntry(pos, fill)
		m.risk.RecordFill(reserved, pos.Notional)
		m.recordOpened(ctx, pos, fill, SignalReading{})
		return
	}

	reason := pos.PendingReason
	pos.PendingOrderID = ""
	pos.PendingReason = ""
	m.applyCloseFill(ctx, pos, reason, fill)
}

func (m *PositionManager) release(ctx context.Context, pos *domain.Position, cause error) {
	m.audit.Record(ctx, EventOrderReconciled,
		fmt.Sprintf("Pending order for %s did not execute: %v", pos.Symbol, cause),
		map[string]any{
			"position_id":     pos.ID,
			"symbol":          pos.Symbol,
			"client_order_id": pos.PendingOrderID,
			"outcome":         "NOT_EXECUTED",
			"error":           cause.Error(),
		})

	if pos.State == domain.PositionOpening {
		delete(m.open, pos.Symbol)
		m.risk.RecordClose(pos.Notional, 0)
		m.audit.Record(ctx, EventEntryFailed,
			fmt.Sprintf("Entry failed for %s: %v", pos.Symbol, cause),
			map[string]any{"symbol": pos.Symbol, "quantity": pos.Quantity, "error": cause.Error()})
		return
	}

	pos.State = domain.PositionOpen
	pos.PendingOrderID = ""
	pos.PendingReason = ""
	pos.CloseAttempts++
}

// EvaluateExits updates peaks and closes every position whose exit rule
// fires. Symbols without a price this cycle are skipped, as are positions
// with a pending order. It stops early and returns ctx.Err() when ctx is
// cancelled after an exchange call.
func (m *PositionManager) EvaluateExits(ctx context.Context, prices map[string]float64) error {
	for _, sym := range m.symbols() {
		pos := m.open[sym]
		price := prices[sym]
		if price <= 0 || pos.State != domain.PositionOpen {
			continue
		}

		pos.PeakPrice = math.Max(pos.PeakPrice, price)

		reason, ok := m.rules.Evaluate(pos.EntryPrice, pos.PeakPrice, price)
		if !ok {
			continue
		}

		m.logger.Info("Exit triggered",
			zap.String("symbol", sym),
			zap.String("reason", string(reason)),
			zap.Float64("price", price),
			zap.Float64("pnl_pct", pos.PnLPct(price)))

		if err := m.Close(ctx, sym, reason, price); err != nil {
			m.logger.Warn("Exit close failed",
				zap.String("symbol", sym),
				zap.String("reason", string(reason)),
				zap.Error(err))
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Close submits a closing order for symbol. On failure the position remains
// OPEN and will be re-evaluated on the next pass. When the order's outcome
// is unknown the position stays CLOSING until Reconcile resolves it.
func (m *PositionManager) Close(ctx context.Context, symbol string, reason domain.ExitReason, lastPrice float64) error {
	pos, ok := m.open[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	if pos.PendingOrderID != "" {
		return fmt.Errorf("%s has a pending order %s: %w", symbol, pos.PendingOrderID, domain.ErrOrderUnsettled)
	}

	pos.State = domain.PositionClosing
	fill, err := m.executor.Sell(ctx, symbol, pos.Quantity, lastPrice)
	var pending *PendingOrderError
	if errors.As(err, &pending) {
		pos.PendingOrderID = pending.Request.ClientOrderID
		pos.PendingReason = reason
		m.recordUnsettled(ctx, pos, domain.SideSell, err)
		return err
	}
	if err != nil {
		pos.State = domain.PositionOpen
		pos.CloseAttempts++
		m.audit.Record(ctx, EventCloseFailed,
			fmt.Sprintf("Close failed for %s (%s), position stays open: %v", symbol, reason, err),
			map[string]any{
				"position_id": pos.ID,
				"symbol":      symbol,
				"reason":      string(reason),
				"attempts":    pos.CloseAttempts,
				"error":       err.Error(),
			})
		return err
	}

	m.applyCloseFill(ctx, pos, reason, fill)
	return nil
}

// applyCloseFill books a sell fill against pos, closing it when nothing
// tradable remains.
func (m *PositionManager) applyCloseFill(ctx context.Context, pos *domain.Position, reason domain.ExitReason, fill *domain.Fill) {
	symbol := pos.Symbol
	filled := math.Min(fill.FilledQuantity, pos.Quantity)
	pnl := (fill.FilledPrice - pos.EntryPrice) * filled
	pos.ClosedQuantity += filled
	pos.ExitValue += fill.FilledPrice * filled
	pos.RealizedPnL += pnl

	remaining := m.executor.RoundQuantity(symbol, pos.Quantity-filled)
	if remaining > 0 {
		released := pos.EntryPrice * filled
		pos.Quantity = remaining
		pos.Notional -= released
		pos.State = domain.PositionOpen
		m.risk.RecordPartialClose(released, pnl)
		m.audit.Record(ctx, EventClosePartial,
			fmt.Sprintf("Partial close of %s (%s): %.8f filled, %.8f still open", symbol, reason, filled, remaining),
			map[string]any{
				"position_id": pos.ID,
				"symbol":      symbol,
				"reason":      string(reason),
				"filled":      filled,
				"remaining":   remaining,
				"fill_price":  fill.FilledPrice,
				"pnl":         pnl,
			})
		return
	}

	m.risk.RecordClose(pos.Notional, pnl)
	pos.State = domain.PositionClosed
	delete(m.open, symbol)

	trade := m.buildTrade(pos, reason)
	m.history = append(m.history, trade)
	m.metrics.TradeClosed(reason, trade.PnL)

	if m.trades != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditWriteTimeout)
		if err := m.trades.SaveTrade(saveCtx, &trade); err != nil {
			m.logger.Error("Failed to persist trade", zap.String("position_id", pos.ID), zap.Error(err))
		}
		cancel()
	}

	m.audit.Record(ctx, EventPositionClosed,
		fmt.Sprintf("Closed %s (%s): %.8f @ %.8f -> %.8f, pnl %.4f (%.2f%%)",
			symbol, reason, trade.Quantity, trade.EntryPrice, trade.ExitPrice, trade.PnL, trade.PnLPct*100),
		map[string]any{
			"position_id": trade.PositionID,
			"symbol":      symbol,
			"reason":      string(reason),
			"entry_price": trade.EntryPrice,
			"exit_price":  trade.ExitPrice,
			"quantity":    trade.Quantity,
			"pnl":         trade.PnL,
			"pnl_pct":     trade.PnLPct,
			"order_id":    fill.OrderID,
		})
}

func (m *PositionManager) buildTrade(pos *domain.Position, reason domain.ExitReason) domain.Trade {
	exitPrice := 0.0
	if pos.ClosedQuantity > 0 {
		exitPrice = pos.ExitValue / pos.ClosedQuantity
	}
	pnlPct := 0.0
	if cost := pos.EntryPrice * pos.ClosedQuantity; cost > 0 {
		pnlPct = pos.RealizedPnL / cost
	}
	return domain.Trade{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.ClosedQuantity,
		PnL:        pos.RealizedPnL,
		PnLPct:     pnlPct,
		EntryTime:  pos.EntryTime,
		Timestamp:  m.now(),
		Reason:     reason,
	}
}

// CloseAll force-closes every open position with reason SHUTDOWN, making up
// to attempts passes. Each pass first reconciles pending orders. Positions
// that could not be closed, pending ones included, are returned.
func (m *PositionManager) CloseAll(ctx context.Context, attempts int, prices map[string]float64) []domain.Position {
	if attempts <= 0 {
		attempts = 1
	}
	last := make(map[string]float64, len(prices))
	for k, v := range prices {
		last[k] = v
	}
	for pass := 0; pass < attempts && len(m.open) > 0; pass++ {
		if err := m.Reconcile(ctx); err != nil {
			break
		}
		for _, sym := range m.symbols() {
			if m.open[sym].PendingOrderID != "" {
				continue
			}
			err := m.Close(ctx, sym, domain.ExitShutdown, last[sym])
			if errors.Is(err, domain.ErrBelowMinNotional) {
				// Let the exchange decide on the next pass.
				last[sym] = 0
			}
		}
	}
	return m.Positions()
}

// Report summarises the closed trades.
func (m *PositionManager) Report() domain.Report {
	return domain.Summarize(m.history)
}
