package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/muselink-hq/muselink-engine/pkg/models"
)

func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfigFile(t, map[string]any{"env": "test"})

	cfg, err := Load(path, "v0.0.1-test")
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.Env)
	assert.Equal(t, "v0.0.1-test", cfg.Version)
	assert.Equal(t, 48*time.Hour, cfg.Governance.ApprovalTTL)
	assert.Equal(t, 30*time.Minute, cfg.Governance.ClaimTTL)
	assert.Equal(t, 24*time.Hour, cfg.Governance.EscalationDedupeWindow)

	// Shipped policy defaults.
	require.Contains(t, cfg.Governance.ApprovalPolicy, models.ActionUserDelete)
	assert.True(t, cfg.Governance.ApprovalPolicy[models.ActionUserDelete].Always)
	require.Contains(t, cfg.Governance.EscalationThresholds, models.MetricPendingApplications)
	assert.Equal(t, float64(25), cfg.Governance.EscalationThresholds[models.MetricPendingApplications].Yellow)
}

func TestLoad_AllowListFromEnv(t *testing.T) {
	path := writeConfigFile(t, map[string]any{})
	t.Setenv("ADMIN_ALLOW_LIST", "admin-1, admin-2 ,")

	cfg, err := Load(path, "dev")
	require.NoError(t, err)

	assert.Len(t, cfg.Auth.AllowList, 2)
	_, ok := cfg.Auth.AllowList["admin-1"]
	assert.True(t, ok)
	_, ok = cfg.Auth.AllowList["admin-2"]
	assert.True(t, ok)
}

func TestLoad_JWKSEndpoints(t *testing.T) {
	path := writeConfigFile(t, map[string]any{})
	t.Setenv("JWKS_ENDPOINTS", "https://auth.muselink.io=https://auth.muselink.io/.well-known/jwks.json")

	cfg, err := Load(path, "dev")
	require.NoError(t, err)

	assert.Equal(t,
		"https://auth.muselink.io/.well-known/jwks.json",
		cfg.Auth.JWKSEndpoints["https://auth.muselink.io"])
}

func TestLoad_PolicyOverridesFromYAML(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"governance": map[string]any{
			"approval_policy": map[string]any{
				"user_delete": map[string]any{"always": true},
				"bulk_reject_applications": map[string]any{"bulk_threshold": 5},
			},
			"escalation_thresholds": map[string]any{
				"pending_applications": map[string]any{"yellow": 10, "red": 40},
			},
		},
	})

	cfg, err := Load(path, "dev")
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Governance.ApprovalPolicy[models.ActionBulkReject].BulkThreshold)
	assert.Equal(t, float64(40), cfg.Governance.EscalationThresholds[models.MetricPendingApplications].Red)
	// Overridden tables replace the defaults wholesale.
	assert.NotContains(t, cfg.Governance.EscalationThresholds, models.MetricOverdueReports)
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host: "db", Port: 5433, User: "svc", Password: "pw",
		Database: "engine", SSLMode: "require",
	}
	assert.Equal(t,
		"host=db port=5433 user=svc password=pw dbname=engine sslmode=require",
		db.ConnectionString())
}
