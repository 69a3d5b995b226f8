package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/1inch/swap-coordinator/internal/config"
	"github.com/1inch/swap-coordinator/internal/coordinator"
	"github.com/1inch/swap-coordinator/internal/registry"
	"github.com/1inch/swap-coordinator/internal/types"
)

// SwapService interface for swap operations
type SwapService interface {
	Initiate(ctx context.Context, p coordinator.InitiateParams) (*types.SwapRecord, error)
	Advance(ctx context.Context, swapID string) (*types.SwapRecord, error)
	Run(ctx context.Context, swapID string) (*types.SwapRecord, error)
	Status(ctx context.Context, swapID string) (*types.SwapRecord, error)
	List(ctx context.Context, activeOnly bool) ([]*types.SwapRecord, error)
	Cancel(ctx context.Context, swapID string) (*types.SwapRecord, error)
	ForceRefund(ctx context.Context, swapID string) (*types.SwapRecord, error)
	Purge(ctx context.Context, swapID string) error
	Recover(ctx context.Context) (*coordinator.SweepReport, error)
}

// Server represents the HTTP API server
type Server struct {
	server          *http.Server
	config          config.API
	swaps           SwapService
	metrics         http.Handler
	defaultSlippage decimal.Decimal
	router          *mux.Router
}

// NewServer creates a new API server. metricsHandler may be nil.
func NewServer(cfg config.API, swaps SwapService, metricsHandler http.Handler, defaultSlippage decimal.Decimal) *Server {
	if metricsHandler == nil {
		metricsHandler = http.NotFoundHandler()
	}

	s := &Server{
		config:          cfg,
		swaps:           swaps,
		metrics:         metricsHandler,
		defaultSlippage: defaultSlippage,
		router:          mux.NewRouter(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the routed handler with CORS applied
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.router)
}

// Start starts the HTTP server and blocks until ctx is done
func (s *Server) Start(ctx context.Context) error {
	log.Infof("Starting API server on %s", s.server.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down API server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	r := s.router
	r.NotFoundHandler = http.HandlerFunc(s.notFoundHandler)
	r.MethodNotAllowedHandler = http.HandlerFunc(s.methodNotAllowed)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)

	r.HandleFunc("/swaps", s.handleListSwaps).Methods(http.MethodGet)
	r.HandleFunc("/swaps", s.handleInitiate).Methods(http.MethodPost)
	r.HandleFunc("/swaps/{id}", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/swaps/{id}", s.handlePurge).Methods(http.MethodDelete)
	r.HandleFunc("/swaps/{id}/{action:advance|run|cancel|refund}", s.handleAction).Methods(http.MethodPost)

	r.HandleFunc("/recover", s.handleRecover).Methods(http.MethodPost)
}

// CORS middleware
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Health check handler
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "swap-coordinator",
	}

	s.writeJSONResponse(w, http.StatusOK, response)
}

// Handle GET /swaps, ?active=true lists only the swaps a sweep would visit
func (s *Server) handleListSwaps(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"

	records, err := s.swaps.List(r.Context(), activeOnly)
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to list swaps", err)
		return
	}

	response := &SwapsResponse{Swaps: make([]*SwapView, 0, len(records))}
	for _, rec := range records {
		response.Swaps = append(response.Swaps, NewSwapView(rec))
	}
	response.Count = len(response.Swaps)
	s.writeJSONResponse(w, http.StatusOK, response)
}

// Handle POST /swaps
func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}

	legA, err := req.LegA.terms(s.defaultSlippage)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid leg_a", err)
		return
	}
	legB, err := req.LegB.terms(s.defaultSlippage)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid leg_b", err)
		return
	}

	rec, err := s.swaps.Initiate(r.Context(), coordinator.InitiateParams{
		SwapID: req.SwapID,
		LegA:   legA,
		LegB:   legB,
	})
	if err != nil {
		s.writeSwapError(w, "Failed to initiate swap", nil, err)
		return
	}

	s.writeJSONResponse(w, http.StatusCreated, NewSwapView(rec))
}

// Handle GET /swaps/{id}
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.swaps.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeSwapError(w, "Failed to get swap", nil, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, NewSwapView(rec))
}

// Handle POST /swaps/{id}/{action}
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	swapID := vars["id"]

	var (
		rec *types.SwapRecord
		err error
	)
	switch vars["action"] {
	case "advance":
		rec, err = s.swaps.Advance(r.Context(), swapID)
	case "run":
		rec, err = s.swaps.Run(r.Context(), swapID)
	case "cancel":
		rec, err = s.swaps.Cancel(r.Context(), swapID)
	case "refund":
		rec, err = s.swaps.ForceRefund(r.Context(), swapID)
	}
	if err != nil {
		s.writeSwapError(w, fmt.Sprintf("Failed to %s swap", vars["action"]), rec, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, NewSwapView(rec))
}

// Handle DELETE /swaps/{id}
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	swapID := mux.Vars(r)["id"]
	if err := s.swaps.Purge(r.Context(), swapID); err != nil {
		s.writeSwapError(w, "Failed to purge swap", nil, err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]string{
		"status":  "success",
		"swap_id": swapID,
	})
}

// Handle POST /recover
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	report, err := s.swaps.Recover(r.Context())
	if err != nil {
		s.writeErrorResponse(w, http.StatusInternalServerError, "Recovery sweep failed", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, report)
}

// 404 handler
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.writeErrorResponse(w, http.StatusNotFound, "Endpoint not found", nil)
}

// Helper methods
func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeErrorResponse(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
}

// statusFor maps coordinator errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrSwapNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrLeaseHeld), errors.Is(err, registry.ErrSwapExists):
		return http.StatusConflict
	}
	switch types.KindOf(err) {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindTransport:
		return http.StatusBadGateway
	case types.KindChainState, types.KindProtocolViolation, types.KindCriticalStuckFunds:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeSwapError(w http.ResponseWriter, message string, rec *types.SwapRecord, err error) {
	response := map[string]interface{}{
		"error":     message,
		"status":    statusFor(err),
		"timestamp": time.Now().Unix(),
		"details":   err.Error(),
		"kind":      types.KindOf(err),
	}
	if rec != nil {
		response["swap"] = NewSwapView(rec)
	}

	log.WithError(err).Warnf("API Error: %s", message)
	s.writeJSONResponse(w, statusFor(err), response)
}

func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	response := map[string]interface{}{
		"error":     message,
		"status":    statusCode,
		"timestamp": time.Now().Unix(),
	}

	if err != nil {
		log.WithError(err).Warnf("API Error: %s", message)
		response["details"] = err.Error()
	}

	s.writeJSONResponse(w, statusCode, response)
}
