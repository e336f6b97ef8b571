package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/position_guard/internal/domain"
)

type positionView struct {
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	Quantity        float64   `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	Leverage        int       `json:"leverage"`
	OpenedAt        time.Time `json:"opened_at"`
	PnlPercent      float64   `json:"pnl_percent"`
	PeakPnlPercent  float64   `json:"peak_pnl_percent"`
	TrailingFloor   *float64  `json:"trailing_floor_percent"`
	CompletedStages []float64 `json:"completed_stages"`
	// ActionPending positions are visually distinguished by consumers:
	// automation for them is halted until an operator resolves it.
	ActionPending bool `json:"action_pending"`
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) authorized(r *http.Request) bool {
	return s.authToken != "" && r.Header.Get("X-Auth-Token") == s.authToken
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions := s.service.Ledger().Snapshot()
	views := make([]positionView, 0, len(positions))
	for _, p := range positions {
		price, _ := s.service.LatestPrice(p.Symbol)
		if price == 0 {
			price = p.CurrentPrice
		}
		views = append(views, positionView{
			Symbol:          p.Symbol,
			Side:            string(p.Side),
			Quantity:        p.Quantity,
			EntryPrice:      p.EntryPrice,
			CurrentPrice:    price,
			Leverage:        p.Leverage,
			OpenedAt:        p.OpenedAt,
			PnlPercent:      p.PnlPercent(price),
			PeakPnlPercent:  p.PeakPnlPercent,
			TrailingFloor:   p.TrailingFloorPercent,
			CompletedStages: p.CompletedStages,
			ActionPending:   p.Status == domain.StatusActionPending,
		})
	}
	s.writeJSON(w, views)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	trades, err := s.trades.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	// The aggregator walks the whole close log; bound the read generously.
	trades, err := s.trades.ListTrades(r.Context(), 100000)
	if err != nil {
		s.logger.Error("Failed to load trade log", zap.Error(err))
		http.Error(w, "Failed to load trade log", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, s.stats.Aggregate(trades))
}

func (s *Server) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	report := s.recon.Latest()
	if report == nil {
		http.Error(w, "No audit has run yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, report)
}

// handleOpenEvent records an open-trade event from the external decision
// process; the new position enters protection on the next tick.
func (s *Server) handleOpenEvent(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Symbol     string  `json:"symbol"`
		Side       string  `json:"side"`
		Quantity   float64 `json:"quantity"`
		EntryPrice float64 `json:"entry_price"`
		Leverage   int     `json:"leverage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	side := domain.Side(req.Side)
	if req.Symbol == "" || req.Quantity <= 0 || req.EntryPrice <= 0 || req.Leverage < 1 ||
		(side != domain.SideLong && side != domain.SideShort) {
		http.Error(w, "Invalid open event", http.StatusBadRequest)
		return
	}

	pos := &domain.Position{
		Symbol:       req.Symbol,
		Side:         side,
		Quantity:     req.Quantity,
		EntryPrice:   req.EntryPrice,
		CurrentPrice: req.EntryPrice,
		Leverage:     req.Leverage,
	}
	if err := s.service.RecordOpen(r.Context(), pos); err != nil {
		if errors.Is(err, domain.ErrDuplicatePosition) {
			http.Error(w, "Position already open for symbol", http.StatusConflict)
			return
		}
		s.logger.Error("Failed to record open event", zap.String("symbol", req.Symbol), zap.Error(err))
		http.Error(w, "Failed to record open event", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, map[string]string{"status": "open", "symbol": req.Symbol})
}

func (s *Server) handleManualClose(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	symbol := r.PathValue("symbol")

	if err := s.service.ManualClose(r.Context(), symbol); err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			http.Error(w, "No open position for symbol", http.StatusNotFound)
			return
		}
		s.logger.Error("Manual close failed", zap.String("symbol", symbol), zap.Error(err))
		http.Error(w, "Close failed", http.StatusBadGateway)
		return
	}
	s.writeJSON(w, map[string]string{"status": "closed", "symbol": symbol})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req struct {
		Symbol string `json:"symbol"`
		Token  string `json:"override_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Symbol == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !s.service.RegisterOverride(req.Symbol, req.Token) {
		http.Error(w, "Overrides are disabled", http.StatusForbidden)
		return
	}
	s.writeJSON(w, map[string]string{"status": "registered", "symbol": req.Symbol, "scope": "single-tick"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":         "ok",
		"open_positions": s.service.Ledger().OpenCount(),
		"last_close_at":  s.service.Ledger().LastCloseAt(),
	})
}
