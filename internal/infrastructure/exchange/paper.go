package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/id"
	"go.uber.org/zap"
)

// PaperGateway simulates fee-free market fills at the latest price from a
// MarketData source against a simulated quote balance.
type PaperGateway struct {
	market domain.MarketData
	logger *zap.Logger

	mu       sync.Mutex
	balance  float64
	holdings map[string]float64
	orders   map[string]*domain.Fill
}

func NewPaperGateway(market domain.MarketData, balance float64, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperGateway{
		market:   market,
		logger:   logger,
		balance:  balance,
		holdings: make(map[string]float64),
		orders:   make(map[string]*domain.Fill),
	}
}

func (p *PaperGateway) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	return p.market.GetPrices(ctx, symbols)
}

// SubmitOrder fills req immediately. A request whose ClientOrderID already
// filled returns that fill again.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Fill, error) {
	if fill, err := p.GetOrder(ctx, req.Symbol, req.ClientOrderID); err == nil {
		return fill, nil
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("paper order for %s: quantity must be positive", req.Symbol)
	}
	prices, err := p.market.GetPrices(ctx, []string{req.Symbol})
	if err != nil {
		return nil, fmt.Errorf("paper price for %s: %w", req.Symbol, err)
	}
	price := prices[req.Symbol]
	if price <= 0 {
		return nil, fmt.Errorf("paper order for %s: %w", req.Symbol, domain.ErrNoPrice)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	qty := req.Quantity
	switch req.Side {
	case domain.SideBuy:
		cost := qty * price
		if cost > p.balance {
			return nil, fmt.Errorf("paper buy %s cost %.2f > balance %.2f: %w", req.Symbol, cost, p.balance, domain.ErrInsufficientFunds)
		}
		p.balance -= cost
		p.holdings[req.Symbol] += qty
	case domain.SideSell:
		held := p.holdings[req.Symbol]
		if held <= 0 {
			return nil, fmt.Errorf("paper sell %s: nothing held", req.Symbol)
		}
		if qty > held {
			qty = held
		}
		p.holdings[req.Symbol] = held - qty
		p.balance += qty * price
	default:
		return nil, fmt.Errorf("paper order: unknown side %q", req.Side)
	}

	fill := &domain.Fill{OrderID: "paper-" + id.New(), FilledPrice: price, FilledQuantity: qty}
	if req.ClientOrderID != "" {
		p.orders[req.ClientOrderID] = fill
	}
	p.logger.Info("Paper fill",
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", qty),
		zap.Float64("price", price),
		zap.Float64("balance", p.balance))
	return fill, nil
}

// GetOrder returns the fill of a paper order by client order id.
func (p *PaperGateway) GetOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fill, ok := p.orders[clientOrderID]
	if !ok || clientOrderID == "" {
		return nil, fmt.Errorf("paper order %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	cp := *fill
	return &cp, nil
}

func (p *PaperGateway) GetBalance(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Holding returns the simulated base quantity held for symbol.
func (p *PaperGateway) Holding(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holdings[symbol]
}

// GetInstrumentRules uses the market source's catalog when it has one, so
// paper orders obey the same lot sizes as live ones.
func (p *PaperGateway) GetInstrumentRules(ctx context.Context, symbols []string) (map[string]domain.InstrumentRules, error) {
	if catalog, ok := p.market.(domain.InstrumentCatalog); ok {
		return catalog.GetInstrumentRules(ctx, symbols)
	}
	return map[string]domain.InstrumentRules{}, nil
}
