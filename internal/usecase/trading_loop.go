package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
)

const priceRetryDelay = 250 * time.Millisecond

// Dependencies are the collaborators of the trading loop.
type Dependencies struct {
	Market    domain.MarketData
	Gateway   domain.ExecutionGateway
	Audit     *Auditor
	Trades    domain.TradeRepository
	Confirmer domain.Confirmer
	Metrics   domain.Metrics
}

// TradingLoop drives one cycle at a time: fetch prices, evaluate exits,
// score and admit entries, publish status, sleep. Risk state and the open
// position set are only touched from the goroutine that calls Run.
type TradingLoop struct {
	cfg       LoopConfig
	market    domain.MarketData
	executor  *TradeExecutor
	risk      *RiskManager
	positions *PositionManager
	history   *PriceHistoryStore
	signals   *SignalEngine
	audit     *Auditor
	confirmer domain.Confirmer
	metrics   domain.Metrics
	logger    *zap.Logger
	now       func() time.Time

	lastPrices map[string]float64
	cycle      int64

	mu         sync.RWMutex
	state      domain.EngineState
	stopReason domain.StopReason
	snapshot   domain.EngineSnapshot
	halt       context.CancelFunc

	started  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	killCh   chan struct{}
	killOnce sync.Once
}

func NewTradingLoop(cfg LoopConfig, deps Dependencies, logger *zap.Logger) *TradingLoop {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	audit := deps.Audit
	if audit == nil {
		audit = NewAuditor(nil, logger, 0)
	}

	risk := NewRiskManager(cfg.Risk)
	executor := NewTradeExecutor(deps.Gateway, cfg.Orders, cfg.OrderTimeout, metrics, logger)
	history := NewPriceHistoryStore(cfg.Signal.HistorySize)

	return &TradingLoop{
		cfg:        cfg,
		market:     deps.Market,
		executor:   executor,
		risk:       risk,
		positions:  NewPositionManager(executor, risk, audit, deps.Trades, metrics, cfg.Exits, logger),
		history:    history,
		signals:    NewSignalEngine(history),
		audit:      audit,
		confirmer:  deps.Confirmer,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
		lastPrices: make(map[string]float64),
		state:      domain.EngineIdle,
		stopCh:     make(chan struct{}),
		killCh:     make(chan struct{}),
	}
}

func (l *TradingLoop) Config() LoopConfig { return l.cfg }

func (l *TradingLoop) State() domain.EngineState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Snapshot returns the status published at the end of the last cycle.
func (l *TradingLoop) Snapshot() domain.EngineSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := l.snapshot
	s.Positions = append([]domain.Position(nil), l.snapshot.Positions...)
	return s
}

// RequestStop asks the loop to finish the current cycle and shut down.
func (l *TradingLoop) RequestStop() {
	l.stopOnce.Do(func() {
		l.audit.Record(context.Background(), EventStopRequested, "Graceful stop requested", nil)
		close(l.stopCh)
	})
}

// EmergencyStop sets the kill switch. The running cycle is abandoned at the
// next checkpoint after the exchange call in flight returns.
func (l *TradingLoop) EmergencyStop(reason string) {
	l.killOnce.Do(func() {
		l.risk.TriggerKillSwitch()
		l.audit.Record(context.Background(), EventKillSwitch,
			fmt.Sprintf("Kill switch activated: %s", reason),
			map[string]any{"reason": reason})
		close(l.killCh)

		l.mu.RLock()
		halt := l.halt
		l.mu.RUnlock()
		if halt != nil {
			halt()
		}
	})
}

// Run validates configuration, checks funds, waits for confirmation, trades
// until a stop condition holds and finally closes every position. It
// returns the session report, or an error if trading never started.
func (l *TradingLoop) Run(ctx context.Context) (*domain.Report, error) {
	if !l.started.CompareAndSwap(false, true) {
		return nil, domain.ErrAlreadyRunning
	}

	if err := l.cfg.Validate(); err != nil {
		l.reject(ctx, "configuration error", err)
		return nil, err
	}

	// The kill switch cancels haltCtx. Exchange calls are detached from it
	// and only observe it between calls.
	haltCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	l.mu.Lock()
	l.halt = cancel
	l.mu.Unlock()
	select {
	case <-l.killCh:
		cancel()
	default:
	}

	if err := l.start(haltCtx); err != nil {
		l.reject(ctx, "start aborted", err)
		return nil, err
	}

	l.setState(domain.EngineRunning, "")
	l.audit.Record(ctx, EventEngineConfirmed, "Trading confirmed, loop running",
		map[string]any{"symbols": l.cfg.Symbols, "interval": l.cfg.CycleInterval.String()})

	reason := l.loop(ctx, haltCtx)
	return l.shutdown(ctx, reason), nil
}

func (l *TradingLoop) start(ctx context.Context) error {
	if err := l.executor.LoadRules(ctx, l.cfg.Symbols); err != nil {
		l.logger.Warn("Using default instrument rules", zap.Error(err))
	}

	balance, err := l.executor.Balance(ctx)
	if err != nil {
		return fmt.Errorf("fetch balance: %w", err)
	}
	if balance < l.cfg.Risk.MaxPositionNotional {
		return fmt.Errorf("%w: balance %.2f below position size %.2f",
			domain.ErrInsufficientFunds, balance, l.cfg.Risk.MaxPositionNotional)
	}

	l.setState(domain.EngineAwaitingConfirmation, "")
	l.audit.Record(ctx, EventEngineStarting,
		fmt.Sprintf("Awaiting confirmation to trade %d symbols with balance %.2f", len(l.cfg.Symbols), balance),
		map[string]any{"balance": balance, "symbols": l.cfg.Symbols, "live": l.cfg.LiveTrading})

	if l.confirmer == nil {
		return domain.ErrNotConfirmed
	}
	ok, err := l.confirmer.Confirm(ctx, domain.ConfirmationRequest{
		Balance:        balance,
		Symbols:        l.cfg.Symbols,
		MaxPosition:    l.cfg.Risk.MaxPositionNotional,
		MaxExposure:    l.cfg.Risk.MaxTotalExposure,
		MaxPositions:   l.cfg.Risk.MaxPositions,
		DailyLossLimit: l.cfg.Risk.DailyLossLimit,
		LiveTrading:    l.cfg.LiveTrading,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNotConfirmed, err)
	}
	if !ok || ctx.Err() != nil {
		return domain.ErrNotConfirmed
	}
	return nil
}

func (l *TradingLoop) reject(ctx context.Context, msg string, err error) {
	l.setState(domain.EngineStopped, "")
	l.audit.Record(ctx, EventEngineRejected, fmt.Sprintf("Engine not started, %s: %v", msg, err),
		map[string]any{"error": err.Error()})
}

// loop runs cycles until a stop condition holds and returns its reason.
func (l *TradingLoop) loop(ctx, haltCtx context.Context) domain.StopReason {
	for {
		if reason, stop := l.stopCondition(ctx); stop {
			return reason
		}

		l.runCycle(haltCtx)

		if reason, stop := l.stopCondition(ctx); stop {
			return reason
		}

		t := time.NewTimer(l.cfg.CycleInterval)
		select {
		case <-t.C:
		case <-l.stopCh:
		case <-haltCtx.Done():
		}
		t.Stop()
	}
}

// stopCondition is checked at the top of every cycle and right after it.
func (l *TradingLoop) stopCondition(ctx context.Context) (domain.StopReason, bool) {
	select {
	case <-l.killCh:
		return domain.StopKillSwitch, true
	default:
	}
	if l.risk.KillSwitchActive() {
		return domain.StopKillSwitch, true
	}
	if ctx.Err() != nil {
		return domain.StopCancelled, true
	}
	select {
	case <-l.stopCh:
		return domain.StopRequested, true
	default:
	}
	if l.risk.DailyLossBreached() {
		return domain.StopDailyLossLimit, true
	}
	return "", false
}

// runCycle is one pass: prices, exits, entries, status. Cancellation of
// ctx (kill switch) is checked after every exchange call.
func (l *TradingLoop) runCycle(ctx context.Context) {
	started := l.now()
	l.cycle++
	defer func() {
		l.metrics.ObserveCycle(l.now().Sub(started))
		l.publish()
	}()

	prices, err := l.fetchPrices(ctx)
	if err != nil {
		l.audit.Record(ctx, EventPriceFetchFailed, fmt.Sprintf("Price fetch failed, skipping cycle %d: %v", l.cycle, err),
			map[string]any{"cycle": l.cycle, "error": err.Error()})
		return
	}
	if ctx.Err() != nil {
		return
	}

	for sym, p := range prices {
		if p > 0 {
			l.history.Record(sym, p)
			l.lastPrices[sym] = p
		}
	}

	if err := l.positions.Reconcile(ctx); err != nil {
		return
	}
	if err := l.positions.EvaluateExits(ctx, prices); err != nil {
		return
	}

	l.evaluateEntries(ctx, prices)
	if ctx.Err() != nil {
		return
	}

	risk := l.risk.Snapshot()
	l.metrics.SetRisk(risk)
	l.audit.Record(ctx, EventStatus,
		fmt.Sprintf("Cycle %d: %d open, exposure %.2f, daily pnl %.2f", l.cycle, risk.OpenPositions, risk.Exposure, risk.DailyPnL),
		map[string]any{
			"cycle":          l.cycle,
			"open_positions": risk.OpenPositions,
			"exposure":       risk.Exposure,
			"daily_pnl":      risk.DailyPnL,
			"trades":         len(l.positions.history),
		})
}

func (l *TradingLoop) fetchPrices(ctx context.Context) (map[string]float64, error) {
	var prices map[string]float64
	err := callOnceWithRetry(ctx, l.cfg.OrderTimeout, priceRetryDelay, func(callCtx context.Context) error {
		p, err := l.market.GetPrices(callCtx, l.cfg.Symbols)
		if err != nil {
			return err
		}
		prices = p
		return nil
	}, func(attempt int, err error) {
		l.metrics.GatewayError("prices")
		l.logger.Warn("Price fetch failed", zap.Int("attempt", attempt), zap.Error(err))
	})
	if prices == nil && err == nil {
		prices = map[string]float64{}
	}
	return prices, err
}

func (l *TradingLoop) evaluateEntries(ctx context.Context, prices map[string]float64) {
	for _, sym := range l.cfg.Symbols {
		if l.positions.HasPosition(sym) {
			continue
		}
		price := prices[sym]
		if price <= 0 {
			continue
		}

		reading := l.signals.Score(sym)
		if reading.Confidence < l.cfg.Signal.EntryThreshold || reading.Velocity <= 0 {
			continue
		}

		qty, err := l.executor.PlanBuy(sym, l.cfg.Risk.MaxPositionNotional, price)
		if err != nil {
			l.audit.Record(ctx, EventEntrySkipped, fmt.Sprintf("Entry for %s skipped: %v", sym, err),
				map[string]any{"symbol": sym, "price": price, "error": err.Error()})
			continue
		}

		// Admission uses the slippage-reserved cost so a fill within the
		// tolerance cannot push booked exposure over the limit.
		candidate := l.executor.ReservedNotional(qty, price)
		if adm := l.risk.Check(candidate); !adm.Allowed {
			l.logger.Debug("Entry not admitted",
				zap.String("symbol", sym),
				zap.Float64("notional", candidate),
				zap.Any("violations", adm.Violations))
			continue
		}

		if _, err := l.positions.Open(ctx, sym, qty, candidate, reading); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Warn("Entry failed", zap.String("symbol", sym), zap.Error(err))
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// shutdown closes everything that is still open and produces the report.
func (l *TradingLoop) shutdown(ctx context.Context, reason domain.StopReason) *domain.Report {
	l.setState(domain.EngineStopping, reason)
	l.audit.Record(ctx, EventEngineStopping,
		fmt.Sprintf("Stopping (%s), closing %d open positions", reason, l.positions.OpenCount()),
		map[string]any{"reason": string(reason), "open_positions": l.positions.OpenCount()})

	closeCtx := context.WithoutCancel(ctx)
	unclosed := l.positions.CloseAll(closeCtx, l.cfg.ShutdownCloseAttempts, l.lastPrices)

	report := l.positions.Report()
	report.StopReason = reason
	report.Unclosed = unclosed

	for _, p := range unclosed {
		l.audit.Record(closeCtx, EventCloseFailed,
			fmt.Sprintf("Position %s on %s could not be closed at shutdown", p.ID, p.Symbol),
			map[string]any{"position_id": p.ID, "symbol": p.Symbol, "quantity": p.Quantity})
	}

	l.metrics.SetRisk(l.risk.Snapshot())
	l.setState(domain.EngineStopped, reason)
	l.publish()

	l.audit.Record(closeCtx, EventEngineStopped,
		fmt.Sprintf("Stopped (%s): %d trades, %d wins, %d losses, hit rate %.1f%%, total pnl %.4f",
			reason, report.Trades, report.Wins, report.Losses, report.HitRate*100, report.TotalPnL),
		map[string]any{
			"reason":    string(reason),
			"trades":    report.Trades,
			"wins":      report.Wins,
			"losses":    report.Losses,
			"hit_rate":  report.HitRate,
			"total_pnl": report.TotalPnL,
			"unclosed":  len(unclosed),
		})
	return &report
}

func (l *TradingLoop) setState(state domain.EngineState, reason domain.StopReason) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = state
	if reason != "" {
		l.stopReason = reason
	}
	l.snapshot.State = state
	l.snapshot.StopReason = l.stopReason
}

func (l *TradingLoop) publish() {
	snap := domain.EngineSnapshot{
		Cycle:     l.cycle,
		Risk:      l.risk.Snapshot(),
		Positions: l.positions.Positions(),
		Trades:    len(l.positions.history),
		UpdatedAt: l.now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	snap.State = l.state
	snap.StopReason = l.stopReason
	l.snapshot = snap
}
