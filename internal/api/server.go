// Package api serves the HTTP API for listing plants and triggering their
// actions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"plantcare/internal/care"
	"plantcare/internal/coordinator"
	"plantcare/internal/integration"
	"plantcare/internal/metrics"
	"plantcare/internal/plant"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Plants is the part of the integration the API drives
type Plants interface {
	Coordinators() []*coordinator.Coordinator
	Coordinator(entryID string) (*coordinator.Coordinator, error)
	CreateEntry(name string, opts plant.Options) (plant.Entry, error)
	RemoveEntry(entryID string) error
	MarkDone(entryID string, kind care.TaskKind) error
	SetOption(entryID, key string, value float64) error
	SetSource(entryID string, metric care.Metric, entityID string) error
	Refresh(entryID string) error
	RefreshAll() error
}

// Server provides HTTP API endpoints for the plant care service
type Server struct {
	plants  Plants
	metrics *metrics.Metrics
	logger  *zap.Logger
	router  *mux.Router
	server  *http.Server
}

func NewServer(plants Plants, m *metrics.Metrics, logger *zap.Logger, port int) *Server {
	s := &Server{
		plants:  plants,
		metrics: m,
		logger:  logger.Named("api"),
		router:  mux.NewRouter(),
	}

	r := s.router
	r.Use(s.instrument)
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/api/plants", s.handleListPlants).Methods(http.MethodGet)
	r.HandleFunc("/api/plants", s.handleCreatePlant).Methods(http.MethodPost)
	r.HandleFunc("/api/refresh", s.handleRefreshAll).Methods(http.MethodPost)
	r.HandleFunc("/api/plants/{entry_id}", s.handleGetPlant).Methods(http.MethodGet)
	r.HandleFunc("/api/plants/{entry_id}", s.handleDeletePlant).Methods(http.MethodDelete)
	r.HandleFunc("/api/plants/{entry_id}/tasks/{task}/done", s.handleMarkDone).Methods(http.MethodPost)
	r.HandleFunc("/api/plants/{entry_id}/options/{key}", s.handleSetOption).Methods(http.MethodPut)
	r.HandleFunc("/api/plants/{entry_id}/sources/{metric}", s.handleSetSource).Methods(http.MethodPut)
	r.HandleFunc("/api/plants/{entry_id}/refresh", s.handleRefresh).Methods(http.MethodPost)

	stdLog := zap.NewStdLog(s.logger)
	handler := handlers.RecoveryHandler(handlers.RecoveryLogger(stdLog))(r)
	handler = handlers.LoggingHandler(stdLog.Writer(), handler)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler without access logging
func (s *Server) Handler() http.Handler {
	return s.router
}

// instrument records request metrics under the matched route template
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.WrapHandler(route, next).ServeHTTP(w, r)
	})
}

// PlantResponse is the JSON view of one plant
type PlantResponse struct {
	plant.Entry
	Snapshot          *care.Snapshot `json:"snapshot"`
	LastUpdateSuccess bool           `json:"last_update_success"`
	LastRefresh       *time.Time     `json:"last_refresh,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

func plantResponse(c *coordinator.Coordinator) PlantResponse {
	resp := PlantResponse{
		Entry:             c.Entry(),
		Snapshot:          c.Snapshot(),
		LastUpdateSuccess: c.LastUpdateSuccess(),
	}
	if t := c.LastRefresh(); !t.IsZero() {
		resp.LastRefresh = &t
	}
	if err := c.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return resp
}

// CreatePlantRequest is the body of POST /api/plants
type CreatePlantRequest struct {
	Name    string                 `json:"name"`
	Options map[string]interface{} `json:"options"`
}

// SetOptionRequest is the body of PUT /api/plants/{entry_id}/options/{key}
type SetOptionRequest struct {
	Value *float64 `json:"value"`
}

// SetSourceRequest is the body of PUT /api/plants/{entry_id}/sources/{metric}
type SetSourceRequest struct {
	EntityID string `json:"entity_id"`
}

// ErrorResponse is returned for every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleListPlants(w http.ResponseWriter, r *http.Request) {
	coords := s.plants.Coordinators()
	result := make([]PlantResponse, 0, len(coords))
	for _, c := range coords {
		result = append(result, plantResponse(c))
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetPlant(w http.ResponseWriter, r *http.Request) {
	c, err := s.plants.Coordinator(mux.Vars(r)["entry_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plantResponse(c))
}

func (s *Server) handleCreatePlant(w http.ResponseWriter, r *http.Request) {
	var req CreatePlantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	opts, err := plant.OptionsFromMap(req.Options)
	if err != nil {
		s.writeError(w, err)
		return
	}

	entry, err := s.plants.CreateEntry(req.Name, opts)
	if err != nil {
		s.writeError(w, err)
		return
	}

	c, err := s.plants.Coordinator(entry.EntryID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, plantResponse(c))
}

func (s *Server) handleDeletePlant(w http.ResponseWriter, r *http.Request) {
	if err := s.plants.RemoveEntry(mux.Vars(r)["entry_id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	kind, err := care.ParseTaskKind(vars["task"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.plants.MarkDone(vars["entry_id"], kind); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondPlant(w, vars["entry_id"])
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req SetOptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"value": <number>}`})
		return
	}
	if err := s.plants.SetOption(vars["entry_id"], vars["key"], *req.Value); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondPlant(w, vars["entry_id"])
}

func (s *Server) handleSetSource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metric, err := care.ParseMetric(vars["metric"])
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req SetSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: `body must be {"entity_id": "<entity id>"}`})
		return
	}
	if err := s.plants.SetSource(vars["entry_id"], metric, strings.TrimSpace(req.EntityID)); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondPlant(w, vars["entry_id"])
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entry_id"]
	if err := s.plants.Refresh(entryID); err != nil {
		s.writeError(w, err)
		return
	}
	s.respondPlant(w, entryID)
}

func (s *Server) handleRefreshAll(w http.ResponseWriter, r *http.Request) {
	if err := s.plants.RefreshAll(); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondPlant(w http.ResponseWriter, entryID string) {
	c, err := s.plants.Coordinator(entryID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, plantResponse(c))
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, integration.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, integration.ErrAlreadyConfigured):
		return http.StatusConflict
	case errors.Is(err, care.ErrUnknownTask),
		errors.Is(err, care.ErrUnknownMetric),
		errors.Is(err, plant.ErrUnknownOption),
		errors.Is(err, plant.ErrOutOfRange),
		errors.Is(err, plant.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// handleHealth returns a simple health check response
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"plants": len(s.plants.Coordinators()),
	})
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}
