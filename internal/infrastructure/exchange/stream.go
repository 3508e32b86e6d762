package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
)

const (
	streamPingInterval   = 20 * time.Second
	streamReadTimeout    = 30 * time.Second
	streamReconnectDelay = 2 * time.Second
	DefaultStreamMaxAge  = 30 * time.Second
)

var ErrNoStreamPrice = errors.New("no fresh stream price")

type cachedTicker struct {
	domain.Ticker
	at time.Time
}

// TickerStream keeps the latest Bybit public ticker per symbol and serves
// GetPrices from that cache. Run owns the connection and reconnects until
// its context is cancelled.
type TickerStream struct {
	wsURL   string
	symbols []string
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	prices map[string]cachedTicker

	writeMu sync.Mutex
}

func NewTickerStream(wsURL string, symbols []string, maxAge time.Duration, logger *zap.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if maxAge <= 0 {
		maxAge = DefaultStreamMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TickerStream{
		wsURL:   wsURL,
		symbols: symbols,
		maxAge:  maxAge,
		logger:  logger,
		now:     time.Now,
		prices:  make(map[string]cachedTicker),
	}
}

// Run connects, subscribes and reads until ctx is done.
func (s *TickerStream) Run(ctx context.Context) error {
	for {
		if err := s.connect(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Ticker stream disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(streamReconnectDelay):
			s.logger.Info("Ticker stream reconnecting")
		}
	}
}

func (s *TickerStream) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		args[i] = "tickers." + sym
	}
	if err := s.write(conn, map[string]any{"op": "subscribe", "args": args}); err != nil {
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(connCtx, conn)

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(msg)
	}
}

func (s *TickerStream) keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(streamPingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// Unblocks ReadMessage.
			conn.Close()
			return
		case <-t.C:
			if err := s.write(conn, map[string]any{"op": "ping"}); err != nil {
				s.logger.Warn("Ticker stream ping failed", zap.Error(err))
			}
		}
	}
}

func (s *TickerStream) write(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

type tickerMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

func (s *TickerStream) handle(msg []byte) {
	var m tickerMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		s.logger.Debug("Ignoring stream message", zap.Error(err))
		return
	}
	if !strings.HasPrefix(m.Topic, "tickers.") {
		return
	}
	symbol := m.Data.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(m.Topic, "tickers.")
	}
	price, err := strconv.ParseFloat(m.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}

	s.mu.Lock()
	s.prices[symbol] = cachedTicker{Ticker: domain.Ticker{Symbol: symbol, LastPrice: price}, at: s.now()}
	s.mu.Unlock()
}

// GetPrices returns cached prices younger than maxAge. Stale or missing
// symbols are left out; if none is fresh the call fails.
func (s *TickerStream) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make(map[string]float64, len(symbols))
	for _, sym := range symbols {
		t, ok := s.prices[sym]
		if !ok || now.Sub(t.at) > s.maxAge {
			continue
		}
		prices[sym] = t.LastPrice
	}
	if len(prices) == 0 && len(symbols) > 0 {
		return nil, fmt.Errorf("%w for %s", ErrNoStreamPrice, strings.Join(symbols, ","))
	}
	return prices, nil
}
