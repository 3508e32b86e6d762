package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
)

// Exchange is a venue that serves prices and executes orders.
type Exchange interface {
	domain.MarketData
	domain.ExecutionGateway
}

// Guarded puts circuit breakers in front of an Exchange: one for market
// data, one for account and order calls. While a breaker is open calls fail
// immediately with gobreaker.ErrOpenState, which callers treat as transient.
type Guarded struct {
	inner   Exchange
	market  *gobreaker.CircuitBreaker
	trading *gobreaker.CircuitBreaker
}

func NewGuarded(inner Exchange, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guarded{
		inner:   inner,
		market:  newBreaker("market", logger),
		trading: newBreaker("trading", logger),
	}
}

func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.MaxRequests = 1
	st.Interval = 60 * time.Second
	st.Timeout = 30 * time.Second
	st.IsSuccessful = healthyOutcome
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		logger.Warn("Circuit breaker state change",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
	}
	return gobreaker.NewCircuitBreaker(st)
}

// healthyOutcome keeps order-level results that prove the venue answered
// from counting as breaker failures.
func healthyOutcome(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrOrderNotFound) ||
		errors.Is(err, domain.ErrOrderNotFilled) ||
		errors.Is(err, domain.ErrInsufficientFunds)
}

func (g *Guarded) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	res, err := g.market.Execute(func() (interface{}, error) {
		return g.inner.GetPrices(ctx, symbols)
	})
	if err != nil {
		return nil, err
	}
	return res.(map[string]float64), nil
}

func (g *Guarded) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Fill, error) {
	res, err := g.trading.Execute(func() (interface{}, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Fill), nil
}

func (g *Guarded) GetBalance(ctx context.Context) (float64, error) {
	res, err := g.trading.Execute(func() (interface{}, error) {
		return g.inner.GetBalance(ctx)
	})
	if err != nil {
		return 0, err
	}
	return res.(float64), nil
}

// GetInstrumentRules passes through when the wrapped exchange has a catalog.
func (g *Guarded) GetInstrumentRules(ctx context.Context, symbols []string) (map[string]domain.InstrumentRules, error) {
	catalog, ok := g.inner.(domain.InstrumentCatalog)
	if !ok {
		return map[string]domain.InstrumentRules{}, nil
	}
	return catalog.GetInstrumentRules(ctx, symbols)
}

// GetOrder passes order lookups through the trading breaker.
func (g *Guarded) GetOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Fill, error) {
	tracker, ok := g.inner.(domain.OrderTracker)
	if !ok {
		return nil, fmt.Errorf("order %s: lookups unsupported: %w", clientOrderID, domain.ErrOrderUnsettled)
	}
	res, err := g.trading.Execute(func() (interface{}, error) {
		return tracker.GetOrder(ctx, symbol, clientOrderID)
	})
	if err != nil {
		return nil, err
	}
	return res.(*domain.Fill), nil
}

// State reports the breaker states, keyed by breaker name.
func (g *Guarded) State() map[string]string {
	return map[string]string{
		"market":  g.market.State().String(),
		"trading": g.trading.State().String(),
	}
}
