package models

import (
	"time"

	"github.com/google/uuid"
)

// AdminSession tracks one distinct session token seen at the gate.
// Revocation is a one-way transition: is_active flips true→false exactly once.
type AdminSession struct {
	ID          uuid.UUID  `json:"id"`
	PrincipalID string     `json:"principal_id"`
	TokenHash   string     `json:"-"` // SHA-256 of the session token; raw tokens are never stored
	IP          string     `json:"ip,omitempty"`
	UserAgent   string     `json:"user_agent,omitempty"`
	Country     string     `json:"country,omitempty"`
	City        string     `json:"city,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	LastSeenAt  time.Time  `json:"last_seen_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	IsActive    bool       `json:"is_active"`
}

// SessionAnomaly names a detector that fired during session governance.
type SessionAnomaly string

const (
	AnomalyConcurrentSessions SessionAnomaly = "concurrent_session_count"
	AnomalyMixedIPs           SessionAnomaly = "concurrent_distinct_ips"
	AnomalyMultiCountry       SessionAnomaly = "multi_country_window"
	AnomalyIPChurn            SessionAnomaly = "ip_churn_window"
)
