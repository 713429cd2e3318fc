package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/ratelimit"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// AuditHandler serves the audit ledger: recent records, chain verification,
// and signed snapshots.
type AuditHandler struct {
	ledger  *services.LedgerService
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(ledger *services.LedgerService, limiter *ratelimit.Limiter, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		ledger:  ledger,
		limiter: limiter,
		logger:  logger,
	}
}

// RegisterRoutes registers the audit handler's routes on the given mux.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, mw *auth.Middleware) {
	mux.HandleFunc("GET /api/audit",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewAuditLog)(h.ListRecords)))
	mux.HandleFunc("POST /api/audit/verify",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewAuditLog)(h.VerifyChain)))
	mux.HandleFunc("POST /api/audit/snapshots",
		mw.RequireAuth(mw.RequirePermission(rbac.PermExportAuditLog)(h.CreateSnapshot)))
	mux.HandleFunc("GET /api/audit/snapshots/latest",
		mw.RequireAuth(mw.RequirePermission(rbac.PermViewAuditLog)(h.LatestSnapshot)))
}

// ListRecords handles GET /api/audit
func (h *AuditHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := h.ledger.Recent(r.Context(), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: records}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// VerifyChain handles POST /api/audit/verify
func (h *AuditHandler) VerifyChain(w http.ResponseWriter, r *http.Request) {
	result, err := h.ledger.Verify(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: result}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// CreateSnapshot handles POST /api/audit/snapshots
func (h *AuditHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
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

	snapshot, err := h.ledger.Snapshot(r.Context(), principal.ID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: snapshot}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// LatestSnapshot handles GET /api/audit/snapshots/latest
func (h *AuditHandler) LatestSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, valid, err := h.ledger.VerifySnapshot(r.Context())
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	// valid covers both the HMAC signature and the signed hash still being
	// anchored in the live chain.
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: map[string]any{
		"snapshot": snapshot,
		"valid":    valid,
	}}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}
