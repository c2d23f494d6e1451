package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const maxTradesLimit = 1000

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report := s.reports.Latest()
	if report == nil {
		http.Error(w, "No report yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	report := s.reports.Latest()
	if report == nil {
		http.Error(w, "No report yet", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, report.Held)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	if s.tradeRepo == nil {
		http.Error(w, "Trade log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradesLimit)
	}

	trades, err := s.tradeRepo.ListTrades(r.Context(), limit)
	if err != nil {
		s.logger.Error("Failed to list trades", zap.Error(err))
		http.Error(w, "Failed to list trades", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, trades)
}
