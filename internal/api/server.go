// Package api provides the HTTP API exposing host actions and live readings.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-eagle/internal/billing"
	"github.com/resident-x/go-eagle/internal/config"
	"github.com/resident-x/go-eagle/internal/domain"
	"github.com/resident-x/go-eagle/internal/session"
)

// Controller is the set of host actions served by the API.
type Controller interface {
	Stats() session.SessionStats
	Variables(ctx context.Context) (map[string]string, error)
	LastReading() *domain.CanonicalReading
	StartPeak(ctx context.Context) (bool, error)
	EndPeak(ctx context.Context) (bool, error)
	ResetPeriod(ctx context.Context) (*billing.ResetResult, error)
	SetPulse(ctx context.Context, seconds int) (int, bool, error)
	SetSeason(ctx context.Context, season string) (bool, error)
	PollNow(ctx context.Context) error
}

// Server represents the HTTP API server.
type Server struct {
	config     *config.Config
	server     *http.Server
	router     *mux.Router
	controller Controller
	hub        *Hub
	cors       *cors.Cors
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	startTime  time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg *config.Config, controller Controller) *Server {
	logger := log.With().Str("component", "api").Logger()

	apiServer := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		controller: controller,
		hub:        NewHub(logger),
		logger:     logger,
		startTime:  time.Now(),
		cors: cors.New(cors.Options{
			AllowedOrigins: cfg.API.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}),
	}
	apiServer.upgrader = websocket.Upgrader{CheckOrigin: apiServer.checkOrigin}

	apiServer.setupRoutes()

	return apiServer
}

// setupRoutes configures all API endpoint handlers.
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/variables", s.handleVariables).Methods("GET")
	api.HandleFunc("/reading", s.handleReading).Methods("GET")

	api.HandleFunc("/peak/start", s.handleStartPeak).Methods("POST")
	api.HandleFunc("/peak/end", s.handleEndPeak).Methods("POST")
	api.HandleFunc("/period/reset", s.handleResetPeriod).Methods("POST")
	api.HandleFunc("/pulse", s.handleSetPulse).Methods("PUT")
	api.HandleFunc("/season", s.handleSetSeason).Methods("PUT")
	api.HandleFunc("/poll", s.handlePollNow).Methods("POST")

	api.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// Hub returns the websocket hub; it receives every successful reading.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the router wrapped with the CORS policy.
func (s *Server) Handler() http.Handler {
	return s.cors.Handler(s.router)
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.API.Host, s.config.API.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("host", s.config.API.Host).
			Int("port", s.config.API.Port).
			Msg("Starting HTTP API server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server and closes websocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping HTTP API server")

	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if s.server != nil {
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown error: %w", err)
		}
	}

	return nil
}

// handleStatus returns server and session status information.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]interface{}{
		"status":            "ok",
		"version":           "dev",
		"uptime":            time.Since(s.startTime).String(),
		"session":           s.controller.Stats(),
		"websocket_clients": s.hub.Count(),
	}

	s.writeJSON(w, status, http.StatusOK)
}

// handleVariables returns every stored variable.
func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	vars, err := s.controller.Variables(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}

	s.writeJSON(w, map[string]interface{}{
		"variables": vars,
		"count":     len(vars),
	}, http.StatusOK)
}

// handleReading returns the most recent canonical reading.
func (s *Server) handleReading(w http.ResponseWriter, _ *http.Request) {
	reading := s.controller.LastReading()
	if reading == nil {
		s.writeError(w, "No readings available yet", http.StatusNotFound)
		return
	}
	s.writeJSON(w, reading, http.StatusOK)
}

func (s *Server) handleStartPeak(w http.ResponseWriter, r *http.Request) {
	changed, err := s.controller.StartPeak(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"period": domain.PeriodPeak.String(), "changed": changed}, http.StatusOK)
}

func (s *Server) handleEndPeak(w http.ResponseWriter, r *http.Request) {
	changed, err := s.controller.EndPeak(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"period": domain.PeriodOffPeak.String(), "changed": changed}, http.StatusOK)
}

func (s *Server) handleResetPeriod(w http.ResponseWriter, r *http.Request) {
	result, err := s.controller.ResetPeriod(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"prior_peak_kwh":         result.PriorPeakKWH,
		"prior_off_peak_kwh":     result.PriorOffPeakKWH,
		"delivered_prior_period": result.DeliveredPriorPeriod,
		"peak_rate":              result.Rates.Peak,
		"off_peak_rate":          result.Rates.OffPeak,
	}, http.StatusOK)
}

type pulseRequest struct {
	Seconds *int `json:"seconds"`
}

func (s *Server) handleSetPulse(w http.ResponseWriter, r *http.Request) {
	var req pulseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds == nil {
		s.writeError(w, "Body must be {\"seconds\": N}", http.StatusBadRequest)
		return
	}

	seconds, changed, err := s.controller.SetPulse(r.Context(), *req.Seconds)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"seconds": seconds, "changed": changed}, http.StatusOK)
}

type seasonRequest struct {
	Season string `json:"season"`
}

func (s *Server) handleSetSeason(w http.ResponseWriter, r *http.Request) {
	var req seasonRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Season == "" {
		s.writeError(w, "Body must be {\"season\": \"name\"}", http.StatusBadRequest)
		return
	}

	changed, err := s.controller.SetSeason(r.Context(), req.Season)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"season": req.Season, "changed": changed}, http.StatusOK)
}

func (s *Server) handlePollNow(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.PollNow(r.Context()); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, map[string]interface{}{"polled": true, "session": s.controller.Stats()}, http.StatusOK)
}

// writeActionError maps controller errors onto status codes.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNoReading):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrMissingConfiguration):
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, err.Error(), status)
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode error response")
	}
}
