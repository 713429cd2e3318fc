package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// EscalationHandler serves the escalation queue.
type EscalationHandler struct {
	escalations *services.EscalationService
	logger      *zap.Logger
}

// NewEscalationHandler creates a new escalation handler.
func NewEscalationHandler(escalations *services.EscalationService, logger *zap.Logger) *EscalationHandler {
	return &EscalationHandler{
		escalations: escalations,
		logger:      logger,
	}
}

// RegisterRoutes registers the escalation handler's routes on the given mux.
func (h *EscalationHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/escalations",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewDashboard)(h.ListOpen)))
	mux.HandleFunc("POST /api/escalations/evaluate",
		mw.RequireAuth(mw.RequirePermission(rbac.PermManageEscalations)(h.Evaluate)))
	mux.HandleFunc("POST /api/escalations/{id}/resolve",
		mw.RequireAuth(mw.RequirePermission(rbac.PermManageEscalations)(h.Resolve)))
}

// ListOpen handles GET /api/escalations
func (h *EscalationHandler) ListOpen(w http.ResponseWriter, r *http.Request) {
	escalations, err := h.escalations.ListOpen(r.Context(), 100)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if escalations == nil {
		escalations = make([]*models.Escalation, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: escalations}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Evaluate handles POST /api/escalations/evaluate
func (h *EscalationHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	raised, err := h.escalations.Evaluate(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if raised == nil {
		raised = make([]*models.Escalation, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: raised}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type resolveEscalationRequest struct {
	Notes string `json:"notes"`
}

// Resolve handles POST /api/escalations/{id}/resolve
func (h *EscalationHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_escalation_id", "Invalid escalation ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req resolveEscalationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.escalations.Resolve(r.Context(), principal, id, req.Notes); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Escalation resolved"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
