package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitos/crypto_trade_engine/internal/domain"
	"go.uber.org/zap"
)

// ReportSource returns the last report published by the engine.
type ReportSource interface {
	Latest() *domain.Report
}

// Server is a read-only JSON view of the running engine.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	reports   ReportSource
	tradeRepo domain.TradeRepository
	logger    *zap.Logger
}

func NewServer(
	port int,
	reports ReportSource,
	tradeRepo domain.TradeRepository,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		reports:   reports,
		tradeRepo: tradeRepo,
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
	s.router.HandleFunc("GET /healthz", s.handleHealth)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.HandleFunc("GET /positions", s.handlePositions)

	// Trades
	s.router.HandleFunc("GET /trades", s.handleTrades)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("Starting web server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
