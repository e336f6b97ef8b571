package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
	"github.com/vitos/position_guard/internal/usecase"
)

// Server exposes the guard's derived state as JSON. The dashboard and CLI
// consumers are read-only; the only mutating endpoints are the operator's
// manual close and the external decision process's override intake, both
// behind the auth token.
type Server struct {
	router    *http.ServeMux
	server    *http.Server
	service   *usecase.GuardService
	recon     *usecase.ReconciliationMonitor
	stats     *usecase.StatsAggregator
	trades    domain.TradeRepository
	authToken string
	logger    *zap.Logger
}

func NewServer(
	port int,
	service *usecase.GuardService,
	recon *usecase.ReconciliationMonitor,
	trades domain.TradeRepository,
	authToken string,
	logger *zap.Logger,
) *Server {
	s := &Server{
		router:    http.NewServeMux(),
		service:   service,
		recon:     recon,
		stats:     usecase.NewStatsAggregator(),
		trades:    trades,
		authToken: authToken,
		logger:    logger,
	}
	s.routes()
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	// Read-only derived state
	s.router.HandleFunc("GET /api/positions", s.handlePositions)
	s.router.HandleFunc("GET /api/trades", s.handleTrades)
	s.router.HandleFunc("GET /api/stats", s.handleStats)
	s.router.HandleFunc("GET /api/reconciliation", s.handleReconciliation)

	// Operator / external collaborator intake
	s.router.HandleFunc("POST /api/positions", s.handleOpenEvent)
	s.router.HandleFunc("POST /api/close/{symbol}", s.handleManualClose)
	s.router.HandleFunc("POST /api/override", s.handleOverride)

	// Status
	s.router.HandleFunc("GET /status", s.handleStatus)
	s.router.Handle("GET /metrics", promhttp.Handler())
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
