// Package api serves the engine's query surface as JSON over HTTP. All
// endpoints are read-only; control stays with the engine process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"grid-hedge/internal/core"
	"grid-hedge/internal/engine"
)

const defaultTradeLimit = 50

// Queries is the slice of the engine the API needs.
type Queries interface {
	Status() []engine.StrategyStatus
	Stats() engine.Stats
	Grids() []engine.GridView
	Trades(strategyID string, limit int) ([]core.Trade, error)
}

type Server struct {
	log     *zap.Logger
	queries Queries
	http    *http.Server
}

func NewServer(log *zap.Logger, queries Queries, port int) *Server {
	s := &Server{
		log:     log.Named("api"),
		queries: queries,
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/grids", s.handleGrids)
		r.Get("/trades", s.handleTrades)
	})
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run it in a goroutine.
func (s *Server) Start() error {
	s.log.Info("api listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"strategies": s.queries.Status()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.queries.Stats())
}

func (s *Server) handleGrids(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"grids": s.queries.Grids()})
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	strategyID := r.URL.Query().Get("strategy_id")
	if strategyID == "" {
		s.writeError(w, http.StatusBadRequest, "strategy_id required")
		return
	}
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	trades, err := s.queries.Trades(strategyID, limit)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownStrategy) {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.log.Error("trades query", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "trade history unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"strategy_id": strategyID,
		"trades":      trades,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
