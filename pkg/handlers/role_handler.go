package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// RoleHandler serves role assignment management.
type RoleHandler struct {
	roles  *services.RoleService
	logger *zap.Logger
}

// NewRoleHandler creates a new role handler.
func NewRoleHandler(roles *services.RoleService, logger *zap.Logger) *RoleHandler {
	return &RoleHandler{
		roles:  roles,
		logger: logger,
	}
}

// RegisterRoutes registers the role handler's routes on the given mux.
func (h *RoleHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/roles",
		mw.RequireAuth(mw.RequirePermission(rbac.PermManageRoles)(h.ListAssignments)))
	mux.HandleFunc("POST /api/roles",
		mw.RequireAuth(mw.RequirePermission(rbac.PermManageRoles)(h.Grant)))
	mux.HandleFunc("POST /api/roles/revoke",
		mw.RequireAuth(mw.RequirePermission(rbac.PermManageRoles)(h.Revoke)))
}

// ListAssignments handles GET /api/roles
func (h *RoleHandler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	assignments, err := h.roles.Assignments(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: assignments}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type grantRoleRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
}

// Grant handles POST /api/roles
func (h *RoleHandler) Grant(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req grantRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PrincipalID == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.roles.Grant(r.Context(), principal, req.PrincipalID, req.Role); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Message: "Role granted"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type revokeRoleRequest struct {
	PrincipalID string `json:"principal_id"`
	Role        string `json:"role"`
	Reason      string `json:"reason"`
}

// Revoke handles POST /api/roles/revoke
func (h *RoleHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req revokeRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PrincipalID == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.roles.Revoke(r.Context(), principal, req.PrincipalID, req.Role, req.Reason); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Role revoked"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
