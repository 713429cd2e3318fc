// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors. Register once at startup.
type Metrics struct {
	AuthzDenials      *prometheus.CounterVec
	LedgerAppends     prometheus.Counter
	LedgerVerifyFails prometheus.Counter
	EscalationsRaised *prometheus.CounterVec
	ApprovalDecisions *prometheus.CounterVec
	ClaimConflicts    prometheus.Counter
	HealthScore       prometheus.Gauge
}

// New creates and registers the engine collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AuthzDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muselink_authz_denials_total",
			Help: "Authorization gate denials by reason.",
		}, []string{"reason"}),
		LedgerAppends: factory.NewCounter(prometheus.CounterOpts{
			Name: "muselink_ledger_appends_total",
			Help: "Audit records appended to the ledger.",
		}),
		LedgerVerifyFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "muselink_ledger_verify_failures_total",
			Help: "Chain verifications that found a corrupted record.",
		}),
		EscalationsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muselink_escalations_raised_total",
			Help: "Escalations created by metric name.",
		}, []string{"metric"}),
		ApprovalDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "muselink_approval_decisions_total",
			Help: "Approval workflow decisions by outcome.",
		}, []string{"outcome"}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "muselink_claim_conflicts_total",
			Help: "Exclusive claim attempts lost to a live holder.",
		}),
		HealthScore: factory.NewGauge(prometheus.GaugeOpts{
			Name: "muselink_control_health_score",
			Help: "Overall control health score (0-100) from the last run.",
		}),
	}
}
