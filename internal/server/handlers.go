package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aristath/marketfeed/internal/domain"
	"github.com/aristath/marketfeed/internal/utils"
)

// maxSymbolsPerRequest bounds one batch request
const maxSymbolsPerRequest = 200

// BatchResponse wraps the per-symbol results of a batch request
type BatchResponse[T any] struct {
	Results map[string]domain.Result[T] `json:"results"`
	Count   int                         `json:"count"`
	Failed  int                         `json:"failed"`
}

func newBatchResponse[T any](results map[string]domain.Result[T]) BatchResponse[T] {
	resp := BatchResponse[T]{Results: results, Count: len(results)}
	for _, r := range results {
		if !r.OK() {
			resp.Failed++
		}
	}
	return resp
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   "marketfeed",
		"read_only": s.service.IsReadOnly(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.symbolsParam(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	results, err := s.service.GetRealtimePrices(r.Context(), symbols, force)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.symbolsParam(w, r)
	if !ok {
		return
	}

	window := 0
	if raw := r.URL.Query().Get("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "window must be an integer between 1 and 1000")
			return
		}
		window = n
	}

	results, err := s.service.GetTrendData(r.Context(), symbols, window)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request) {
	var asOf time.Time
	if raw := r.URL.Query().Get("date"); raw != "" {
		t, err := time.Parse(domain.MarketDateLayout, raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be formatted as YYYY-MM-DD")
			return
		}
		asOf = t
	}

	results, err := s.service.GetIndicesData(r.Context(), asOf)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleValuations(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.symbolsParam(w, r)
	if !ok {
		return
	}
	results, err := s.service.GetValuations(r.Context(), symbols)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleETFNAV(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.symbolsParam(w, r)
	if !ok {
		return
	}
	results, err := s.service.GetETFNAV(r.Context(), symbols)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleSectors(w http.ResponseWriter, r *http.Request) {
	symbols, ok := s.symbolsParam(w, r)
	if !ok {
		return
	}
	results, err := s.service.GetSectorData(r.Context(), symbols)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBatchResponse(results))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.GetCacheStats(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if s.service.IsReadOnly() {
		s.writeError(w, http.StatusForbidden, "cache cannot be cleared in read-only mode")
		return
	}
	if err := s.service.ClearCache(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// symbolsParam reads the comma-separated symbols query parameter. It writes a 400 and
// returns false when the list is empty or too long.
func (s *Server) symbolsParam(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	symbols := utils.ParseCSV(r.URL.Query().Get("symbols"))

	switch {
	case len(symbols) == 0:
		s.writeError(w, http.StatusBadRequest, "symbols parameter is required")
		return nil, false
	case len(symbols) > maxSymbolsPerRequest:
		s.writeError(w, http.StatusBadRequest, "too many symbols in one request")
		return nil, false
	}
	return symbols, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrUnsupported):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		// Client went away, nothing useful can be written
		return
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.log.Warn().Err(err).Int("status", status).Msg("Request failed")
	s.writeError(w, status, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
