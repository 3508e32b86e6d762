package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/id"
	"go.uber.org/zap"
)

const (
	DefaultOrderTimeout = 10 * time.Second
	orderRetryDelay     = 250 * time.Millisecond
)

// OrderRules are the fallbacks used for symbols the exchange did not describe,
// plus the slippage reserved on every entry. A buy sized with MaxSlippagePct
// books at most its planned notional as long as the fill stays within it.
type OrderRules struct {
	DefaultQtyStep     float64 `yaml:"default_qty_step" json:"default_qty_step"`
	DefaultMinNotional float64 `yaml:"default_min_notional" json:"default_min_notional"`
	MaxSlippagePct     float64 `yaml:"max_slippage_pct" json:"max_slippage_pct"`
}

// PendingOrderError is returned when an order was sent but its outcome is
// unknown. The order must be looked up by ClientOrderID before anything
// else is sent for the symbol.
type PendingOrderError struct {
	Request domain.OrderRequest
	Err     error
}

func (e *PendingOrderError) Error() string {
	return fmt.Sprintf("%s %s %.8f (client id %s) pending: %v",
		e.Request.Side, e.Request.Symbol, e.Request.Quantity, e.Request.ClientOrderID, e.Err)
}

func (e *PendingOrderError) Unwrap() error { return e.Err }

// TradeExecutor adapts an ExecutionGateway for the engine: it rounds
// quantities, refuses orders under the minimum notional, bounds every call
// with a timeout and retries a failed call at most once.
type TradeExecutor struct {
	gateway    domain.ExecutionGateway
	defaults   OrderRules
	rules      map[string]domain.InstrumentRules
	timeout    time.Duration
	retryDelay time.Duration
	metrics    domain.Metrics
	logger     *zap.Logger
}

func NewTradeExecutor(gateway domain.ExecutionGateway, defaults OrderRules, timeout time.Duration, metrics domain.Metrics, logger *zap.Logger) *TradeExecutor {
	if timeout <= 0 {
		timeout = DefaultOrderTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeExecutor{
		gateway:    gateway,
		defaults:   defaults,
		rules:      make(map[string]domain.InstrumentRules),
		timeout:    timeout,
		retryDelay: orderRetryDelay,
		metrics:    metrics,
		logger:     logger,
	}
}

// LoadRules fetches instrument constraints when the gateway can provide them.
func (e *TradeExecutor) LoadRules(ctx context.Context, symbols []string) error {
	catalog, ok := e.gateway.(domain.InstrumentCatalog)
	if !ok {
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rules, err := catalog.GetInstrumentRules(callCtx, symbols)
	if err != nil {
		return fmt.Errorf("load instrument rules: %w", err)
	}
	for symbol, r := range rules {
		e.rules[symbol] = r
	}
	return nil
}

// Rules returns the constraints for symbol, falling back to the defaults.
func (e *TradeExecutor) Rules(symbol string) domain.InstrumentRules {
	r, ok := e.rules[symbol]
	if !ok {
		r = domain.InstrumentRules{Symbol: symbol}
	}
	if r.QtyStep <= 0 {
		r.QtyStep = e.defaults.DefaultQtyStep
	}
	if r.MinNotional <= 0 {
		r.MinNotional = e.defaults.DefaultMinNotional
	}
	return r
}

// RoundQuantity floors qty to the instrument step.
func (e *TradeExecutor) RoundQuantity(symbol string, qty float64) float64 {
	return roundDownToStep(qty, e.Rules(symbol).QtyStep)
}

// PlanBuy converts a notional budget at price into an order quantity.
// It returns ErrBelowMinNotional when the rounded order is too small.
func (e *TradeExecutor) PlanBuy(symbol string, notional, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%s: %w", symbol, domain.ErrNoPrice)
	}
	qty := e.RoundQuantity(symbol, notional/(price*(1+e.defaults.MaxSlippagePct)))
	if err := e.checkNotional(symbol, qty, price); err != nil {
		return 0, err
	}
	return qty, nil
}

// ReservedNotional is the worst-case cost of buying qty at price once the
// allowed slippage is added.
func (e *TradeExecutor) ReservedNotional(qty, price float64) float64 {
	return qty * price * (1 + e.defaults.MaxSlippagePct)
}

func (e *TradeExecutor) checkNotional(symbol string, qty, price float64) error {
	minNotional := e.Rules(symbol).MinNotional
	if qty <= 0 || qty*price < minNotional {
		return fmt.Errorf("%s qty %.8f @ %.8f (min %.2f): %w", symbol, qty, price, minNotional, domain.ErrBelowMinNotional)
	}
	return nil
}

func (e *TradeExecutor) Buy(ctx context.Context, symbol string, qty float64) (*domain.Fill, error) {
	return e.submit(ctx, domain.OrderRequest{
		Symbol:         symbol,
		Side:           domain.SideBuy,
		Quantity:       qty,
		MaxSlippagePct: e.defaults.MaxSlippagePct,
	})
}

// Sell closes qty of symbol. lastPrice, when known, is used to refuse
// orders below the minimum notional before they reach the exchange.
func (e *TradeExecutor) Sell(ctx context.Context, symbol string, qty, lastPrice float64) (*domain.Fill, error) {
	qty = e.RoundQuantity(symbol, qty)
	if lastPrice > 0 {
		if err := e.checkNotional(symbol, qty, lastPrice); err != nil {
			return nil, err
		}
	} else if qty <= 0 {
		return nil, fmt.Errorf("%s: %w", symbol, domain.ErrBelowMinNotional)
	}
	return e.submit(ctx, domain.OrderRequest{Symbol: symbol, Side: domain.SideSell, Quantity: qty})
}

func (e *TradeExecutor) Balance(ctx context.Context) (float64, error) {
	var balance float64
	err := e.withRetry(ctx, "balance", func(callCtx context.Context) error {
		b, err := e.gateway.GetBalance(callCtx)
		if err != nil {
			return err
		}
		balance = b
		return nil
	})
	return balance, err
}

// Lookup asks the gateway for the outcome of an earlier order. Gateways that
// cannot look orders up leave it pending.
func (e *TradeExecutor) Lookup(ctx context.Context, symbol, clientOrderID string) (*domain.Fill, error) {
	tracker, ok := e.gateway.(domain.OrderTracker)
	if !ok {
		return nil, fmt.Errorf("%s %s: gateway cannot look up orders: %w", symbol, clientOrderID, domain.ErrOrderUnsettled)
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	fill, err := tracker.GetOrder(callCtx, symbol, clientOrderID)
	if err != nil {
		return nil, err
	}
	if fill == nil || fill.FilledQuantity <= 0 || fill.FilledPrice <= 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, clientOrderID, domain.ErrOrderNotFilled)
	}
	return fill, nil
}

// submit sends req under one client order id. A retry reuses the id, so a
// gateway that already accepted the first attempt resumes it instead of
// placing a second order.
func (e *TradeExecutor) submit(ctx context.Context, req domain.OrderRequest) (*domain.Fill, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = id.New()
	}

	var fill *domain.Fill
	err := e.withRetry(ctx, "order_"+string(req.Side), func(callCtx context.Context) error {
		f, err := e.gateway.SubmitOrder(callCtx, req)
		if err != nil {
			return err
		}
		if f == nil || f.FilledQuantity <= 0 || f.FilledPrice <= 0 {
			return fmt.Errorf("empty fill for %s %s", req.Side, req.Symbol)
		}
		fill = f
		return nil
	})
	if errors.Is(err, domain.ErrOrderUnsettled) {
		return nil, &PendingOrderError{Request: req, Err: err}
	}
	if err != nil {
		return nil, fmt.Errorf("%s %s %.8f: %w", req.Side, req.Symbol, req.Quantity, err)
	}
	return fill, nil
}

func (e *TradeExecutor) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	return callOnceWithRetry(ctx, e.timeout, e.retryDelay, fn, func(attempt int, err error) {
		e.metrics.GatewayError(op)
		e.logger.Warn("Gateway call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

func roundDownToStep(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	s := decimal.NewFromFloat(step)
	f, _ := q.Div(s).Floor().Mul(s).Float64()
	return f
}
