package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitos/crypto_autotrader/internal/config"
	"github.com/vitos/crypto_autotrader/internal/domain"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/exchange"
	"github.com/vitos/crypto_autotrader/internal/infrastructure/logger"
	"go.uber.org/zap"
)

// venue is the exchange side of one trading session.
type venue struct {
	market  domain.MarketData
	gateway domain.ExecutionGateway
	// stream is set when prices come from the websocket; its Run must be
	// started by the caller.
	stream *exchange.TickerStream
	rest   *exchange.Guarded
}

// buildVenue wires the Bybit REST adapter behind circuit breakers and, in
// paper mode, a simulated gateway that fills at REST prices.
func buildVenue(cfg *config.Config, log *zap.Logger) *venue {
	ex := cfg.Exchange
	apiKey, apiSecret := ex.APIKey, ex.APISecret
	if !cfg.Live() {
		apiKey, apiSecret = "", ""
	}
	adapter := exchange.NewBybitAdapter(apiKey, apiSecret, ex.RESTEndpoint, ex.RequestsPerSecond, log.Named("bybit"))
	rest := exchange.NewGuarded(adapter, log.Named("breaker"))

	v := &venue{market: rest, gateway: rest, rest: rest}
	if !cfg.Live() {
		paper := exchange.NewPaperGateway(rest, ex.PaperBalance, log.Named("paper"))
		v.market = paper
		v.gateway = paper
	}
	if ex.PriceSource == config.PriceSourceStream {
		v.stream = exchange.NewTickerStream(ex.WSEndpoint, cfg.Trading.Symbols, exchange.DefaultStreamMaxAge, log.Named("stream"))
		v.market = v.stream
	}
	return v
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.Logging.File == "" {
		return logger.NewLogger(cfg.Logging.Level)
	}
	if err := ensureDir(cfg.Logging.File); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
