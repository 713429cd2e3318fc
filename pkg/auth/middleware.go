package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
)

// Gate is the authorization decision surface the middleware delegates to.
// Implemented by services.GateService.
type Gate interface {
	// Authorize resolves the calling principal from request metadata.
	Authorize(ctx context.Context, meta RequestMeta) (*models.Principal, error)
	// RequirePermission returns nil on success or an
	// InsufficientPermissionError otherwise.
	RequirePermission(principal *models.Principal, permission rbac.Permission) error
}

// Middleware provides HTTP authentication middleware.
// It is thin and delegates every decision to the Gate.
type Middleware struct {
	gate   Gate
	tokens *TokenSource
	logger *zap.Logger
}

// NewMiddleware creates a new auth middleware.
func NewMiddleware(gate Gate, tokens *TokenSource, logger *zap.Logger) *Middleware {
	return &Middleware{
		gate:   gate,
		tokens: tokens,
		logger: logger,
	}
}

// RequireAuth resolves and authorizes the calling principal, then stores it
// in the request context for downstream handlers.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := WithRequestID(r.Context(), requestID)

		token, err := m.tokens.Extract(r)
		if err != nil {
			m.writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
			return
		}

		principal, err := m.gate.Authorize(ctx, RequestMeta{
			Token:     token,
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Country:   r.Header.Get("X-Geo-Country"),
			City:      r.Header.Get("X-Geo-City"),
			RequestID: requestID,
		})
		if err != nil {
			m.deny(w, requestID, err)
			return
		}

		ctx = WithPrincipal(ctx, principal)
		next(w, r.WithContext(ctx))
	}
}

// RequirePermission gates a handler behind one permission. Must be applied
// inside RequireAuth.
func (m *Middleware) RequirePermission(permission rbac.Permission) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal, ok := GetPrincipal(r.Context())
			if !ok {
				m.writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
				return
			}
			if err := m.gate.RequirePermission(principal, permission); err != nil {
				m.writeError(w, http.StatusForbidden, "insufficient_permission", err.Error())
				return
			}
			next(w, r)
		}
	}
}

// deny maps gate errors onto HTTP responses without leaking internal detail.
func (m *Middleware) deny(w http.ResponseWriter, requestID string, err error) {
	switch {
	case errors.Is(err, apperrors.ErrUnauthenticated):
		m.writeError(w, http.StatusUnauthorized, "unauthenticated", "Authentication required")
	case errors.Is(err, apperrors.ErrSessionRevoked):
		m.writeError(w, http.StatusUnauthorized, "session_revoked", "Session has been revoked")
	case errors.Is(err, apperrors.ErrForbidden):
		m.writeError(w, http.StatusForbidden, "forbidden", "Access denied")
	default:
		m.logger.Error("Authorization failed",
			zap.String("request_id", requestID),
			zap.Error(err))
		m.writeError(w, http.StatusServiceUnavailable, "service_unavailable", "Service unavailable")
	}
}

func (m *Middleware) writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	}); err != nil {
		m.logger.Error("Failed to write error response", zap.Error(err))
	}
}

// clientIP strips the port from RemoteAddr, honoring X-Forwarded-For when
// the engine sits behind the console's proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
