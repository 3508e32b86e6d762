package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/spot"

	category          = "spot"
	recvWindow        = 5000
	quoteCoin         = "USDT"
	fillPollInterval  = 200 * time.Millisecond
	defaultRequestsPS = 10

	// Bybit accepts a percent slippage tolerance with two decimals.
	minSlippageTolerancePct = 0.01
)

// BybitAdapter talks to the Bybit v5 REST API for spot trading. It
// implements domain.MarketData, domain.ExecutionGateway and
// domain.InstrumentCatalog and domain.OrderTracker.
//
// Orders carry the request's ClientOrderID as orderLinkId. A second
// SubmitOrder with an id already sent looks the order up first and only
// places it again when the exchange has no record of it.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	client    *http.Client
	limiter   *rate.Limiter
	logger    *zap.Logger
	now       func() time.Time

	mu   sync.Mutex
	sent map[string]bool
}

func NewBybitAdapter(apiKey, apiSecret, baseURL string, requestsPerSecond float64, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsPS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   strings.TrimRight(baseURL, "/"),
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		logger:    logger,
		now:       time.Now,
		sent:      make(map[string]bool),
	}
}

// envelope is the common v5 response wrapper.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// --- REST API ---

func (b *BybitAdapter) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

// sendRequest performs a v5 call and returns the decoded result payload.
// Private calls are signed; GET parameters travel in the query string.
func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, query url.Values, payload map[string]any, private bool) (json.RawMessage, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	var paramsStr string
	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	}
	target := b.baseURL + path
	if len(query) > 0 {
		paramsStr = query.Encode()
		target += "?" + paramsStr
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if private {
		if b.apiKey == "" || b.apiSecret == "" {
			return nil, domain.ErrMissingCredentials
		}
		timestamp := b.now().UnixMilli()
		req.Header.Set("X-BAPI-API-KEY", b.apiKey)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-BAPI-SIGN", b.sign(paramsStr, timestamp))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("bybit decode %s: %w", path, err)
	}
	if env.RetCode != 0 {
		return nil, fmt.Errorf("bybit %s error %d: %s", path, env.RetCode, env.RetMsg)
	}
	return env.Result, nil
}

// GetPrices fetches all spot tickers in one request and keeps the requested
// symbols. Symbols the exchange did not return are absent from the map.
func (b *BybitAdapter) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	query := url.Values{"category": {category}}
	if len(symbols) == 1 {
		query.Set("symbol", symbols[0])
	}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/tickers", query, nil, false)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}
	prices := make(map[string]float64, len(symbols))
	for _, t := range result.List {
		if !wanted[t.Symbol] {
			continue
		}
		p, err := strconv.ParseFloat(t.LastPrice, 64)
		if err != nil || p <= 0 {
			b.logger.Warn("Ignoring invalid ticker price",
				zap.String("symbol", t.Symbol),
				zap.String("last_price", t.LastPrice))
			continue
		}
		prices[t.Symbol] = p
	}
	return prices, nil
}

// SubmitOrder places a spot market order for a base-coin quantity and waits
// for the exchange to report its executed quantity and average price. If ctx
// ends first the error wraps domain.ErrOrderUnsettled: the order may still
// fill and must be looked up by its client order id.
func (b *BybitAdapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.Fill, error) {
	linkID := req.ClientOrderID
	if linkID != "" && b.wasSent(linkID) {
		fill, err := b.GetOrder(ctx, req.Symbol, linkID)
		switch {
		case err == nil:
			return fill, nil
		case errors.Is(err, domain.ErrOrderUnsettled):
			b.logger.Info("Resuming order already on the exchange",
				zap.String("symbol", req.Symbol),
				zap.String("order_link_id", linkID))
			return b.waitForFill(ctx, req.Symbol, "", linkID)
		case !errors.Is(err, domain.ErrOrderNotFound):
			return nil, err
		}
	}

	side := "Buy"
	if req.Side == domain.SideSell {
		side = "Sell"
	}
	payload := map[string]any{
		"category":   category,
		"symbol":     req.Symbol,
		"side":       side,
		"orderType":  "Market",
		"qty":        decimal.NewFromFloat(req.Quantity).String(),
		"marketUnit": "baseCoin",
	}
	if linkID != "" {
		payload["orderLinkId"] = linkID
		b.markSent(linkID)
	}
	if tol := decimal.NewFromFloat(req.MaxSlippagePct * 100).Round(2); tol.GreaterThanOrEqual(decimal.NewFromFloat(minSlippageTolerancePct)) {
		payload["slippageToleranceType"] = "Percent"
		payload["slippageTolerance"] = tol.String()
	}

	raw, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", nil, payload, true)
	if err != nil {
		if linkID != "" && ctx.Err() != nil {
			// The request may have reached the exchange before ctx ended.
			return nil, fmt.Errorf("order %s: %w: %w", linkID, domain.ErrOrderUnsettled, err)
		}
		return nil, err
	}
	var created struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, err
	}
	if created.OrderID == "" {
		return nil, fmt.Errorf("bybit order create returned no order id for %s", req.Symbol)
	}

	b.logger.Info("Order submitted",
		zap.String("symbol", req.Symbol),
		zap.String("side", side),
		zap.Float64("qty", req.Quantity),
		zap.String("order_id", created.OrderID),
		zap.String("order_link_id", linkID))

	return b.waitForFill(ctx, req.Symbol, created.OrderID, linkID)
}

// GetOrder reports the outcome of an order placed with clientOrderID.
func (b *BybitAdapter) GetOrder(ctx context.Context, symbol, clientOrderID string) (*domain.Fill, error) {
	o, err := b.queryOrder(ctx, symbol, "", clientOrderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("order %s: %w", clientOrderID, domain.ErrOrderNotFound)
	}
	if !o.terminal() {
		return nil, fmt.Errorf("order %s %s: %w", clientOrderID, o.OrderStatus, domain.ErrOrderUnsettled)
	}
	b.forget(clientOrderID)
	return o.fill()
}

// waitForFill polls the order until it reaches a terminal status. Failed
// polls are retried; only ctx ends the wait early.
func (b *BybitAdapter) waitForFill(ctx context.Context, symbol, orderID, linkID string) (*domain.Fill, error) {
	ref := orderID
	if ref == "" {
		ref = linkID
	}
	for {
		o, err := b.queryOrder(ctx, symbol, orderID, linkID)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				b.logger.Warn("Order status poll failed", zap.String("order", ref), zap.Error(err))
			}
		case o != nil && o.terminal():
			if linkID != "" {
				b.forget(linkID)
			}
			return o.fill()
		}

		t := time.NewTimer(fillPollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("order %s: %w: %w", ref, domain.ErrOrderUnsettled, ctx.Err())
		case <-t.C:
		}
	}
}

type orderRecord struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	OrderStatus string `json:"orderStatus"`
	AvgPrice    string `json:"avgPrice"`
	CumExecQty  string `json:"cumExecQty"`
}

func (o *orderRecord) terminal() bool {
	switch o.OrderStatus {
	case "Filled", "PartiallyFilledCanceled", "Cancelled", "Rejected", "Deactivated":
		return true
	}
	return false
}

func (o *orderRecord) fill() (*domain.Fill, error) {
	qty, _ := strconv.ParseFloat(o.CumExecQty, 64)
	price, _ := strconv.ParseFloat(o.AvgPrice, 64)
	if qty <= 0 || price <= 0 {
		return nil, fmt.Errorf("order %s %s: %w", o.OrderID, o.OrderStatus, domain.ErrOrderNotFilled)
	}
	return &domain.Fill{OrderID: o.OrderID, FilledPrice: price, FilledQuantity: qty}, nil
}

// queryOrder looks an order up by exchange id or, when orderID is empty, by
// orderLinkId. A nil record means the exchange does not know the order.
func (b *BybitAdapter) queryOrder(ctx context.Context, symbol, orderID, linkID string) (*orderRecord, error) {
	query := url.Values{
		"category": {category},
		"symbol":   {symbol},
	}
	if orderID != "" {
		query.Set("orderId", orderID)
	} else {
		query.Set("orderLinkId", linkID)
	}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/order/realtime", query, nil, true)
	if err != nil {
		return nil, err
	}

	var result struct {
		List []orderRecord `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	return &result.List[0], nil
}

func (b *BybitAdapter) markSent(linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent[linkID] = true
}

func (b *BybitAdapter) wasSent(linkID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sent[linkID]
}

func (b *BybitAdapter) forget(linkID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sent, linkID)
}

// GetBalance returns the wallet balance of the quote coin in the unified account.
func (b *BybitAdapter) GetBalance(ctx context.Context) (float64, error) {
	query := url.Values{"accountType": {"UNIFIED"}, "coin": {quoteCoin}}
	raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/account/wallet-balance", query, nil, true)
	if err != nil {
		return 0, err
	}

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, err
	}
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			if c.Coin != quoteCoin {
				continue
			}
			balance, _ := strconv.ParseFloat(c.WalletBalance, 64)
			locked, _ := strconv.ParseFloat(c.Locked, 64)
			return balance - locked, nil
		}
	}
	return 0, nil
}

// GetInstrumentRules reads lot size filters for the given symbols.
func (b *BybitAdapter) GetInstrumentRules(ctx context.Context, symbols []string) (map[string]domain.InstrumentRules, error) {
	rules := make(map[string]domain.InstrumentRules, len(symbols))
	for _, symbol := range symbols {
		query := url.Values{"category": {category}, "symbol": {symbol}}
		raw, err := b.sendRequest(ctx, http.MethodGet, "/v5/market/instruments-info", query, nil, false)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", symbol, err)
		}

		var result struct {
			List []struct {
				Symbol        string `json:"symbol"`
				LotSizeFilter struct {
					BasePrecision string `json:"basePrecision"`
					MinOrderAmt   string `json:"minOrderAmt"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, err
		}
		if len(result.List) == 0 {
			continue
		}

		item := result.List[0]
		step, _ := strconv.ParseFloat(item.LotSizeFilter.BasePrecision, 64)
		minAmt, _ := strconv.ParseFloat(item.LotSizeFilter.MinOrderAmt, 64)
		rules[symbol] = domain.InstrumentRules{
			Symbol:      symbol,
			QtyStep:     step,
			MinNotional: minAmt,
		}
	}
	return rules, nil
}
