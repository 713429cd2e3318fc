package handlers

import (
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

// SessionHandler serves admin session governance.
type SessionHandler struct {
	sessions *services.SessionService
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *services.SessionService, limiter *ratelimit.Limiter, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		limiter:  limiter,
		logger:   logger,
	}
}

// RegisterRoutes registers the session handler's routes on the given mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/sessions",
		mw.RequireAuth(mw.RequirePermission(rbac.PermRevokeSessions)(h.ListActive)))
	mux.HandleFunc("POST /api/sessions/{id}/revoke",
		mw.RequireAuth(mw.RequirePermission(rbac.PermRevokeSessions)(h.Revoke)))
}

// ListActive handles GET /api/sessions
func (h *SessionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListActive(r.Context(), 100)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if sessions == nil {
		sessions = make([]*models.AdminSession, 0)
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: sessions}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

type revokeSessionRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /api/sessions/{id}/revoke
func (h *SessionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
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

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_session_id", "Invalid session ID"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	var req revokeSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err := ErrorResponse(w, http.StatusBadRequest, "invalid_request", "Invalid request body"); err != nil {
			h.logger.Error("Failed to write error response", zap.Error(err))
		}
		return
	}

	if err := h.sessions.Revoke(r.Context(), principal, id, req.Reason); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Message: "Session revoked"}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
