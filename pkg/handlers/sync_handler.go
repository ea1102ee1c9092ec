package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/logging"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/repositories"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/services"
	"github.com/ekaya-inc/ekaya-catalog-sync/pkg/upstream"
)

// SyncHandler exposes manual resync and run inspection.
type SyncHandler struct {
	catalog  services.CatalogSync
	runs     repositories.RunRepository
	outcomes repositories.OutcomeRepository
	validate *validator.Validate
	logger   *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(
	catalog services.CatalogSync,
	runs repositories.RunRepository,
	outcomes repositories.OutcomeRepository,
	logger *zap.Logger,
) *SyncHandler {
	return &SyncHandler{
		catalog:  catalog,
		runs:     runs,
		outcomes: outcomes,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sync/resync", h.Resync)
	mux.HandleFunc("GET /api/sync/runs", h.ListRuns)
	mux.HandleFunc("GET /api/sync/runs/{id}", h.GetRun)
	mux.HandleFunc("GET /api/sync/runs/{id}/outcomes", h.ListOutcomes)
	mux.HandleFunc("GET /api/sync/failures", h.ListFailures)
}

type resyncRequest struct {
	Origin   string `json:"origin" validate:"required"`
	SourceID string `json:"source_id" validate:"required"`
}

// Resync handles POST /api/sync/resync
func (h *SyncHandler) Resync(w http.ResponseWriter, r *http.Request) {
	var req resyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_parameters", "origin and source_id are required")
		return
	}

	outcome, err := h.catalog.Resync(r.Context(), req.Origin, req.SourceID)
	if err != nil {
		status, code := resyncErrorStatus(err)
		h.logger.Warn("Manual resync failed",
			zap.String("origin", req.Origin),
			zap.String("source_id", req.SourceID),
			zap.Error(err))
		h.writeError(w, status, code, logging.SanitizeError(err))
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcome); err != nil {
		h.logger.Error("Failed to write resync response", zap.Error(err))
	}
}

func resyncErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrUnknownOrigin):
		return http.StatusNotFound, "unknown_origin"
	case errors.Is(err, apperrors.ErrUnsupportedSchema), errors.Is(err, apperrors.ErrInvalidPayload):
		return http.StatusBadRequest, "invalid_parameters"
	case apperrors.IsFatal(err):
		return http.StatusServiceUnavailable, "not_configured"
	case upstream.StatusCodeOf(err) == http.StatusNotFound:
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusBadGateway, "upstream_error"
	}
}

// ListRuns handles GET /api/sync/runs?job=&limit=
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runs.ListRecent(r.Context(), r.URL.Query().Get("job"), queryLimit(r))
	if err != nil {
		h.logger.Error("Failed to list runs", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list runs")
		return
	}

	if err := WriteJSON(w, http.StatusOK, runs); err != nil {
		h.logger.Error("Failed to write runs response", zap.Error(err))
	}
}

// GetRun handles GET /api/sync/runs/{id}
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r, h.logger)
	if !ok {
		return
	}

	run, err := h.runs.GetByID(r.Context(), runID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Run not found")
			return
		}
		h.logger.Error("Failed to get run", zap.String("run_id", runID.String()), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get run")
		return
	}

	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to write run response", zap.Error(err))
	}
}

// ListOutcomes handles GET /api/sync/runs/{id}/outcomes?limit=
func (h *SyncHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	runID, ok := ParseRunID(w, r, h.logger)
	if !ok {
		return
	}

	outcomes, err := h.outcomes.ListByRun(r.Context(), runID, queryLimit(r))
	if err != nil {
		h.logger.Error("Failed to list outcomes", zap.String("run_id", runID.String()), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list outcomes")
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcomes); err != nil {
		h.logger.Error("Failed to write outcomes response", zap.Error(err))
	}
}

// ListFailures handles GET /api/sync/failures?origin=&limit=
func (h *SyncHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	origin := r.URL.Query().Get("origin")
	if origin == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_parameters", "origin is required")
		return
	}

	outcomes, err := h.outcomes.ListFailures(r.Context(), origin, queryLimit(r))
	if err != nil {
		h.logger.Error("Failed to list failures", zap.String("origin", origin), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to list failures")
		return
	}

	if err := WriteJSON(w, http.StatusOK, outcomes); err != nil {
		h.logger.Error("Failed to write failures response", zap.Error(err))
	}
}

func (h *SyncHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
