package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/ratelimit"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// idempotencyHeader carries the client-chosen dedup key for mutations.
const idempotencyHeader = "Idempotency-Key"

// ApprovalHandler serves the two-person approval workflow.
type ApprovalHandler struct {
	approvals   *services.ApprovalService
	idempotency *services.IdempotencyService
	limiter     *ratelimit.Limiter
	logger      *zap.Logger
}

// NewApprovalHandler creates a new approval handler.
func NewApprovalHandler(
	approvals *services.ApprovalService,
	idempotency *services.IdempotencyService,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *ApprovalHandler {
	return &ApprovalHandler{
		approvals:   approvals,
		idempotency: idempotency,
		limiter:     limiter,
		logger:      logger,
	}
}

// RegisterRoutes registers the approval handler's routes on the given mux.
func (h *ApprovalHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("POST /api/approvals",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewDashboard)(h.Submit)))
	mux.HandleFunc("GET /api/approvals",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewDashboard)(h.List)))
	mux.HandleFunc("POST /api/approvals/{id}/approve",
		mw.RequireAuth(mw.RequirePermission(rbac.PermApproveRequests)(h.Approve)))
	mux.HandleFunc("POST /api/approvals/{id}/reject",
		mw.RequireAuth(mw.RequirePermission(rbac.PermApproveRequests)(h.Reject)))
}

type submitApprovalRequest struct {
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Payload    map[string]any `json:"payload"`
	Reason     string         `json:"reason"`
	ItemCount  int            `json:"item_count"`
}

// Submit handles POST /api/approvals
func (h *ApprovalHandler) Submit(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if !h.limiter.Allow(principal.ID) {
		if err := ErrorResponse(w, http.StatusTooManyRequests, "rate_limited", "Request budget exhausted"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req submitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}
	if req.ItemCount <= 0 {
		req.ItemCount = 1
	}

	status, body, err := h.idempotency.Execute(r.Context(),
		r.Header.Get(idempotencyHeader), principal.ID, req.Action,
		func(ctx context.Context) (int, []byte, error) {
			return h.submit(ctx, principal, req)
		})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *ApprovalHandler) submit(ctx context.Context, principal *models.Principal, req submitApprovalRequest) (int, []byte, error) {
	request, executed, err := h.approvals.Submit(ctx, principal, services.ApprovalInput{
		Action:     req.Action,
		TargetType: req.TargetType,
		TargetID:   req.TargetID,
		Payload:    req.Payload,
		Reason:     req.Reason,
		ItemCount:  req.ItemCount,
	})
	if err != nil {
		return 0, nil, err
	}

	if executed {
		body, err := json.Marshal(ApiResponse{Success: true, Message: "Action executed"})
		return http.StatusOK, body, err
	}
	body, err := json.Marshal(ApiResponse{Success: true, Data: request})
	return http.StatusAccepted, body, err
}

// List handles GET /api/approvals
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.ApprovalStatusPending
	}

	requests, err := h.approvals.List(r.Context(), status, 100)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if requests == nil {
		requests = make([]*models.ApprovalRequest, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: requests}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Approve handles POST /api/approvals/{id}/approve
func (h *ApprovalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Approve)
}

// Reject handles POST /api/approvals/{id}/reject
func (h *ApprovalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, h.approvals.Reject)
}

func (h *ApprovalHandler) decide(w http.ResponseWriter, r *http.Request,
	decide func(ctx context.Context, principal *models.Principal, id uuid.UUID) (*models.ApprovalRequest, error),
) {
	principal, ok := auth.GetPrincipal(r.Context())
	if !ok {
		if err := ErrorResponse(w, http.StatusUnauthorized, "unauthenticated", "Authentication required"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request_id", "Invalid approval request ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	request, err := decide(r.Context(), principal, id)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: request}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
