package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gpufleet/lifecycle-controller/internal/history"
	"github.com/gpufleet/lifecycle-controller/internal/race"
)

// Handler serves the controller's read-only status API: failover history,
// the aggregate recovery report, and live race snapshots.
type Handler struct {
	races   *race.Controller
	history history.Store
	logger  *zap.Logger
}

// NewHandler creates the status API handler.
func NewHandler(races *race.Controller, hist history.Store, logger *zap.Logger) *Handler {
	return &Handler{
		races:   races,
		history: hist,
		logger:  logger,
	}
}

// Routes returns the chi router for the status API.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/failovers", h.listFailovers)
	r.Get("/failovers/report", h.failoverReport)
	r.Get("/failovers/{eventID}", h.getFailover)
	r.Get("/races/{raceID}", h.getRace)
	return r
}

func (h *Handler) listFailovers(w http.ResponseWriter, r *http.Request) {
	events, err := h.history.List(r.Context(), 100)
	if err != nil {
		h.logger.Error("Failed to list failover history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failover history")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) failoverReport(w http.ResponseWriter, r *http.Request) {
	report, err := history.ReportFromStore(r.Context(), h.history)
	if err != nil {
		h.logger.Error("Failed to build failover report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to build failover report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) getFailover(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid event ID")
		return
	}
	event, err := h.history.Get(r.Context(), id)
	if err != nil {
		h.logger.Error("Failed to get failover event", zap.String("event_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get failover event")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "failover event not found")
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *Handler) getRace(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "raceID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid race ID")
		return
	}
	handle, ok := h.races.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "race not found or already finished")
		return
	}
	writeJSON(w, http.StatusOK, handle.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
