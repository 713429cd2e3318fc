package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// mutatePermissions maps each resource type to the permission required to
// change it. The permission check is per type, so it runs in the handler
// rather than as route middleware.
var mutatePermissions = map[string]rbac.Permission{
	models.ResourceCreatorApplication: rbac.PermMutateApplications,
	models.ResourceContentReport:      rbac.PermMutateReports,
	models.ResourceDataRequest:        rbac.PermMutateDataRequests,
}

// ResourceHandler serves claims and status transitions on the managed
// resource tables.
type ResourceHandler struct {
	resources *services.ResourceService
	gate      auth.Gate
	logger    *zap.Logger
}

// NewResourceHandler creates a new resource handler.
func NewResourceHandler(resources *services.ResourceService, gate auth.Gate, logger *zap.Logger) *ResourceHandler {
	return &ResourceHandler{
		resources: resources,
		gate:      gate,
		logger:    logger,
	}
}

// RegisterRoutes registers the resource handler's routes on the given mux.
func (h *ResourceHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/resources/{type}/{id}", mw.RequireAuth(h.Get))
	mux.HandleFunc("POST /api/resources/{type}/{id}/claim", mw.RequireAuth(h.Claim))
	mux.HandleFunc("POST /api/resources/{type}/{id}/release", mw.RequireAuth(h.Release))
	mux.HandleFunc("PATCH /api/resources/{type}/{id}", mw.RequireAuth(h.UpdateStatus))
}

func (h *ResourceHandler) parse(w http.ResponseWriter, r *http.Request, mutating bool) (*models.Principal, string, uuid.UUID, bool) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, "", uuid.Nil, false
	}

	resourceType := r.PathValue("type")
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_resource_id", "Invalid resource ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return nil, "", uuid.Nil, false
	}

	if mutating {
		permission, known := mutatePermissions[resourceType]
		if !known {
			if err := ErrorResponse(w, http.StatusBadRequest, "unknown_resource_type", "Unknown resource type"); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return nil, "", uuid.Nil, false
		}
		if err := h.gate.RequirePermission(principal, permission); err != nil {
			if err := ErrorResponse(w, http.StatusForbidden, "insufficient_permission", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return nil, "", uuid.Nil, false
		}
	}

	return principal, resourceType, id, true
}

// Get handles GET /api/resources/{type}/{id}
func (h *ResourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	_, resourceType, id, ok := h.parse(w, r, false)
	if !ok {
		return
	}

	resource, err := h.resources.Get(r.Context(), resourceType, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resource}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Claim handles POST /api/resources/{type}/{id}/claim
func (h *ResourceHandler) Claim(w http.ResponseWriter, r *http.Request) {
	principal, resourceType, id, ok := h.parse(w, r, true)
	if !ok {
		return
	}

	resource, err := h.resources.Claim(r.Context(), principal, resourceType, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: resource}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Release handles POST /api/resources/{type}/{id}/release
// The force query parameter clears someone else's claim; it requires the
// escalation-management permission.
func (h *ResourceHandler) Release(w http.ResponseWriter, r *http.Request) {
	principal, resourceType, id, ok := h.parse(w, r, true)
	if !ok {
		return
	}

	force := r.URL.Query().Get("force") == "true"
	if force {
		if err := h.gate.RequirePermission(principal, rbac.PermManageEscalations); err != nil {
			if err := ErrorResponse(w, http.StatusForbidden, "insufficient_permission", err.Error()); err != nil {
				h.logger.Error("Failed to write error response", zap.Error(err))
			}
			return
		}
	}

	if err := h.resources.Release(r.Context(), principal, resourceType, id, force); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Claim released"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type updateStatusRequest struct {
	Status string `json:"status"`
	// ExpectedUpdatedAt carries the updated_at the client read. When set,
	// the update only applies if the row has not changed since.
	ExpectedUpdatedAt *time.Time `json:"expected_updated_at"`
}

// UpdateStatus handles PATCH /api/resources/{type}/{id}
func (h *ResourceHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	_, resourceType, id, ok := h.parse(w, r, true)
	if !ok {
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	expected := time.Time{}
	if req.ExpectedUpdatedAt != nil {
		expected = *req.ExpectedUpdatedAt
	}

	if err := h.resources.UpdateStatus(r.Context(), resourceType, id, req.Status, expected); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Status updated"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
