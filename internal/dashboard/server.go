// Package dashboard exposes a read-only JSON API over the trade journal and
// the live account: open positions, spread history, statistics and the
// current volatility skew.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/afontaine/volarb/internal/broker"
	"github.com/afontaine/volarb/internal/storage"
	"github.com/afontaine/volarb/internal/volatility"
)

type Server struct {
	router     *chi.Mux
	server     *http.Server
	storage    storage.Interface
	broker     broker.Broker
	estimator  *volatility.Estimator
	logger     *logrus.Logger
	port       int
	authToken  string
	currencies []string
}

type Config struct {
	Port       int
	AuthToken  string
	Currencies []string
}

// Statistics is the journal summary served by /api/stats, augmented with
// the live open-position count.
type Statistics struct {
	storage.Statistics
	OpenPositions int `json:"open_positions"`
}

func NewServer(cfg Config, store storage.Interface, b broker.Broker, estimator *volatility.Estimator, logger *logrus.Logger) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		storage:    store,
		broker:     b,
		estimator:  estimator,
		logger:     logger,
		port:       cfg.Port,
		authToken:  cfg.AuthToken,
		currencies: cfg.Currencies,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/spreads", s.handleGetSpreads)
	s.router.Get("/api/closes", s.handleGetCloses)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/api/account/{currency}", s.handleGetAccount)
	s.router.Get("/api/skew/{currency}/{expiry}", s.handleGetSkew)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.openPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch positions")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, positions)
}

func (s *Server) handleGetSpreads(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.storage.Spreads())
}

func (s *Server) handleGetCloses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.storage.Closes())
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats := Statistics{Statistics: s.storage.GetStatistics()}

	positions, err := s.openPositions(r.Context())
	if err != nil {
		s.logger.WithError(err).Warn("Failed to count open positions")
	} else {
		stats.OpenPositions = len(positions)
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")

	summary, err := s.broker.GetAccountSummary(r.Context(), currency)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch account summary")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, summary)
}

func (s *Server) handleGetSkew(w http.ResponseWriter, r *http.Request) {
	currency := chi.URLParam(r, "currency")
	expiry := chi.URLParam(r, "expiry")

	report, err := s.estimator.AnalyzeSkew(r.Context(), currency, expiry)
	if err != nil {
		s.logger.WithError(err).Error("Failed to analyze skew")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, report)
}

func (s *Server) openPositions(ctx context.Context) ([]broker.Position, error) {
	var out []broker.Position
	for _, currency := range s.currencies {
		positions, err := s.broker.GetPositions(ctx, currency)
		if err != nil {
			return nil, fmt.Errorf("fetching %s positions: %w", currency, err)
		}
		out = append(out, positions...)
	}
	return out, nil
}
