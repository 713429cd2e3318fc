package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// HealthHandler serves process liveness and the control health monitor.
type HealthHandler struct {
	health  *services.HealthService
	version string
	logger  *zap.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(health *services.HealthService, version string, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		health:  health,
		version: version,
		logger:  logger,
	}
}

// RegisterRoutes registers the health handler's routes on the given mux.
// The liveness endpoint is unauthenticated; the control monitor is not.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /health", h.Liveness)
	mux.HandleFunc("GET /api/health/controls",
		mw.RequireAuth(mw.RequirePermission(rbac.PermRunGovernanceChecks)(h.ListControls)))
	mux.HandleFunc("POST /api/health/run",
		mw.RequireAuth(mw.RequirePermission(rbac.PermRunGovernanceChecks)(h.RunControls)))
	mux.HandleFunc("POST /api/governance/reviews",
		mw.RequireAuth(mw.RequirePermission(rbac.PermRunGovernanceChecks)(h.RecordReview)))
}

// Liveness handles GET /health
func (h *HealthHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	if err := WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// ListControls handles GET /api/health/controls
func (h *HealthHandler) ListControls(w http.ResponseWriter, r *http.Request) {
	records, err := h.health.List(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: records}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// RunControls handles POST /api/health/run
func (h *HealthHandler) RunControls(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	records, err := h.health.Run(r.Context(), principal)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: records}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type recordReviewRequest struct {
	Notes string `json:"notes"`
}

// RecordReview handles POST /api/governance/reviews
func (h *HealthHandler) RecordReview(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req recordReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.health.RecordGovernanceReview(r.Context(), principal, req.Notes); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Message: "Governance review recorded"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
