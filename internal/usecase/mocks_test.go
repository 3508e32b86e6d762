package usecase_test

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vitos/crypto_autotrader/internal/domain"
)

var errExchange = errors.New("exchange unavailable")

// MockMarket serves one price map per call and repeats the last one once
// the sequence is exhausted.
type MockMarket struct {
	mu       sync.Mutex
	Sequence []map[string]float64
	Err      error
	OnCall   func(call int)
	calls    int
	last     map[string]float64
}

func (m *MockMarket) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	m.mu.Lock()
	m.calls++
	call := m.calls
	var prices map[string]float64
	if m.Err == nil && len(m.Sequence) > 0 {
		i := call - 1
		if i >= len(m.Sequence) {
			i = len(m.Sequence) - 1
		}
		prices = m.Sequence[i]
		m.last = prices
	}
	err := m.Err
	hook := m.OnCall
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(prices))
	for k, v := range prices {
		out[k] = v
	}
	return out, nil
}

func (m *MockMarket) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockMarket) Last(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[symbol]
}

// MockGateway fills market orders at the price returned by PriceOf.
type MockGateway struct {
	mu      sync.Mutex
	Balance float64
	PriceOf func(symbol string) float64

	// FailBuys and FailSells make the next N calls of that side fail.
	FailBuys  int
	FailSells int
	// PartialSells makes the next N sells fill half the requested quantity.
	PartialSells int
	BalanceErr   error

	// Unsettled makes the next N orders report an unknown outcome. GetOrder
	// then answers them with PendingOutcome, or a fill when it is nil.
	Unsettled      int
	PendingOutcome error
	Lookups        int

	Orders  []domain.OrderRequest
	pending map[string]domain.OrderRequest
}

func (g *MockGateway) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Orders = append(g.Orders, req)

	if g.Unsettled > 0 {
		g.Unsettled--
		if g.pending == nil {
			g.pending = make(map[string]domain.OrderRequest)
		}
		g.pending[req.ClientOrderID] = req
		return nil, fmt.Errorf("order %s: %w", req.ClientOrderID, domain.ErrOrderUnsettled)
	}

	switch req.Side {
	case domain.SideBuy:
		if g.FailBuys > 0 {
			g.FailBuys--
			return nil, errExchange
		}
	case domain.SideSell:
		if g.FailSells > 0 {
			g.FailSells--
			return nil, errExchange
		}
	}

	qty := req.Quantity
	if req.Side == domain.SideSell && g.PartialSells > 0 {
		g.PartialSells--
		qty = req.Quantity / 2
	}
	return g.fill(req, qty), nil
}

func (g *MockGateway) fill(req domain.OrderRequest, qty float64) *domain.Fill {
	price := 100.0
	if g.PriceOf != nil {
		price = g.PriceOf(req.Symbol)
	}
	return &domain.Fill{
		OrderID:        "order-" + string(req.Side),
		FilledPrice:    price,
		FilledQuantity: qty,
	}
}

func (g *MockGateway) GetOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Lookups++
	req, ok := g.pending[clientOrderID]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	if g.PendingOutcome != nil {
		return nil, g.PendingOutcome
	}
	delete(g.pending, clientOrderID)
	return g.fill(req, req.Quantity), nil
}

func (g *MockGateway) GetBalance(ctx context.Context) (float64, error) {
	if g.BalanceErr != nil {
		return 0, g.BalanceErr
	}
	return g.Balance, nil
}

func (g *MockGateway) OrdersBySide(side domain.Side) []domain.OrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []domain.OrderRequest
	for _, o := range g.Orders {
		if o.Side == side {
			out = append(out, o)
		}
	}
	return out
}

// MockCatalogGateway also describes instruments.
type MockCatalogGateway struct {
	MockGateway
	Rules map[string]domain.InstrumentRules
}

func (g *MockCatalogGateway) GetInstrumentRules(ctx context.Context, symbols []string) (map[string]domain.InstrumentRules, error) {
	return g.Rules, nil
}

// MockAuditSink
type MockAuditSink struct {
	mu       sync.Mutex
	Types    []string
	Payloads []map[string]any
	Err      error
}

func (s *MockAuditSink) Append(ctx context.Context, eventType string, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Types = append(s.Types, eventType)
	s.Payloads = append(s.Payloads, payload)
	return s.Err
}

func (s *MockAuditSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Types...)
}

func (s *MockAuditSink) Count(eventType string) int {
	n := 0
	for _, t := range s.Events() {
		if t == eventType {
			n++
		}
	}
	return n
}

// MockTradeRepo
type MockTradeRepo struct {
	mu     sync.Mutex
	Trades []*domain.Trade
}

func (r *MockTradeRepo) SaveTrade(ctx context.Context, trade *domain.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *trade
	r.Trades = append(r.Trades, &cp)
	return nil
}

func (r *MockTradeRepo) ListTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*domain.Trade(nil), r.Trades...), nil
}

// MockConfirmer
type MockConfirmer struct {
	Answer  bool
	Err     error
	Request domain.ConfirmationRequest
	Called  bool
}

func (c *MockConfirmer) Confirm(ctx context.Context, req domain.ConfirmationRequest) (bool, error) {
	c.Called = true
	c.Request = req
	return c.Answer, c.Err
}
