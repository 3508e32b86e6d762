package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_autotrader/internal/domain"
	"go.uber.org/zap"
)

// Engine is the part of the trading loop the control server drives.
type Engine interface {
	Snapshot() domain.EngineSnapshot
	RequestStop()
	EmergencyStop(reason string)
}

type Server struct {
	router    *http.ServeMux
	server    *http.Server
	engine    Engine
	tradeRepo domain.TradeRepository
	metrics   http.Handler
	logger    *zap.Logger
}

func NewServer(
	port int,
	engine Engine,
	tradeRepo domain.TradeRepository,
	metrics http.Handler,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:    http.NewServeMux(),
		engine:    engine,
		tradeRepo: tradeRepo,
		metrics:   metrics,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	// Health
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Engine status and trades
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /trades", s.handleTrades)

	// Control
	s.router.HandleFunc("POST /stop", s.handleStop)
	s.router.HandleFunc("POST /emergency-stop", s.handleEmergencyStop)

	// Metrics
	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics)
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Start() error {
	s.logger.Info("Starting control server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
