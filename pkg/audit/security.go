// Package audit provides security event logging for SIEM consumption.
// Events are emitted as structured JSON under a dedicated logger namespace
// so they can be filtered out of the application stream. This channel is
// separate from the hash-chained audit ledger: the ledger is the tamper-
// evident record, this is the hot alerting feed.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/auth"
)

// SecurityEventType categorizes security-relevant events for filtering and alerting.
type SecurityEventType string

const (
	// EventAuthzDenied is logged when the gate rejects a request.
	EventAuthzDenied SecurityEventType = "authz_denied"
	// EventSessionAnomaly is logged when a session anomaly detector fires.
	EventSessionAnomaly SecurityEventType = "session_anomaly"
	// EventBootstrapFired is logged when the super_admin recovery path runs.
	EventBootstrapFired SecurityEventType = "role_bootstrap"
)

// SecurityAuditor logs security events for SIEM consumption.
type SecurityAuditor struct {
	logger *zap.Logger
}

// NewSecurityAuditor creates a new security auditor with a dedicated logger
// namespace for easy filtering in SIEM systems.
func NewSecurityAuditor(logger *zap.Logger) *SecurityAuditor {
	return &SecurityAuditor{logger: logger.Named("security_audit")}
}

// LogDenied records an authorization denial at WARN level.
func (a *SecurityAuditor) LogDenied(ctx context.Context, principalID, reason, ip string) {
	a.logger.Warn("Authorization denied",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventAuthzDenied)),
		zap.String("principal_id", principalID),
		zap.String("reason", reason),
		zap.String("client_ip", ip),
		zap.String("request_id", auth.GetRequestID(ctx)),
		zap.String("severity", "warning"),
	)
}

// LogSessionAnomaly records a fired session anomaly detector at ERROR level
// with "critical" severity for immediate alerting.
func (a *SecurityAuditor) LogSessionAnomaly(ctx context.Context, principalID, detector, ip string) {
	a.logger.Error("Session anomaly detected",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventSessionAnomaly)),
		zap.String("principal_id", principalID),
		zap.String("detector", detector),
		zap.String("client_ip", ip),
		zap.String("request_id", auth.GetRequestID(ctx)),
		zap.String("severity", "critical"),
	)
}

// LogBootstrap records a super_admin bootstrap grant at WARN level. The
// grant is legitimate but rare enough that every firing deserves review.
func (a *SecurityAuditor) LogBootstrap(ctx context.Context, principalID string) {
	a.logger.Warn("super_admin bootstrap fired",
		zap.Time("timestamp", time.Now().UTC()),
		zap.String("event_type", string(EventBootstrapFired)),
		zap.String("principal_id", principalID),
		zap.String("request_id", auth.GetRequestID(ctx)),
		zap.String("severity", "warning"),
	)
}
