package models

import (
	"time"

	"github.com/google/uuid"
)

// Escalation threshold levels and statuses.
const (
	EscalationLevelYellow = "yellow"
	EscalationLevelRed    = "red"

	EscalationStatusOpen     = "open"
	EscalationStatusResolved = "resolved"
)

// Escalation metric names computed by the engine.
const (
	MetricPendingApplications = "pending_applications"
	MetricOverdueReports      = "overdue_reports"
	MetricOverdueDataRequests = "overdue_data_requests"
	MetricSessionAnomaly      = "session_anomaly"
	MetricGovernanceCadence   = "governance_review_overdue"
)

// Escalation is an alert raised when an operational metric crosses a
// configured threshold. Deduplicated per metric within a rolling window so a
// single sustained condition cannot storm the queue.
type Escalation struct {
	ID         uuid.UUID  `json:"id"`
	Metric     string     `json:"metric"`
	Observed   float64    `json:"observed"`
	Level      string     `json:"level"`
	Status     string     `json:"status"`
	Notes      string     `json:"notes,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy *string    `json:"resolved_by,omitempty"`
}

// ThresholdPair is the (yellow, red) boundary for one metric. Red wins when
// both are crossed.
type ThresholdPair struct {
	Yellow float64 `yaml:"yellow" json:"yellow"`
	Red    float64 `yaml:"red" json:"red"`
}

// LevelFor returns the threshold level crossed by value, or "" if none.
func (t ThresholdPair) LevelFor(value float64) string {
	switch {
	case t.Red > 0 && value >= t.Red:
		return EscalationLevelRed
	case t.Yellow > 0 && value >= t.Yellow:
		return EscalationLevelYellow
	default:
		return ""
	}
}
