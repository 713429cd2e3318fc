package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/muselink-hq/muselink-engine/pkg/models"
)

// Config holds all configuration for muselink-engine.
// Configuration can come from YAML file (config.yaml) or environment
// variables; environment variables override YAML values. Secrets (database
// password, ledger signing key) must only come from environment variables.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8443"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	Version  string `yaml:"-"` // Set at load time, not from config

	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Governance GovernanceConfig `yaml:"governance"`

	// LedgerSigningKey signs daily audit snapshots. 32-byte base64 key or
	// passphrase. Server will fail to start if this is not set.
	LedgerSigningKey string `yaml:"-" env:"LEDGER_SIGNING_KEY"`
}

// AuthConfig holds authentication-related configuration for the gate.
type AuthConfig struct {
	// EnableVerification controls whether JWT signatures are validated.
	// Set to false for local development without an auth server.
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:""`

	// JWKSEndpoints is the parsed map from JWKSEndpointsStr (not from config file).
	JWKSEndpoints map[string]string `yaml:"-"`

	// AllowListStr is the comma-separated principal ids permitted into the
	// console. Allow-listing is checked before role storage on purpose: role
	// rows are mutable and must not be the sole gate of initial entry.
	AllowListStr string `yaml:"-" env:"ADMIN_ALLOW_LIST"`

	// AllowList is the parsed set from AllowListStr.
	AllowList map[string]struct{} `yaml:"-"`

	// RequireStepUp fails the gate closed unless the session's amr claim
	// includes a strong-factor method.
	RequireStepUp bool `yaml:"require_step_up" env:"AUTH_REQUIRE_STEP_UP" env-default:"false"`

	// CookieName is the session cookie carrying the admin token.
	CookieName string `yaml:"cookie_name" env:"AUTH_COOKIE_NAME" env-default:"muselink_admin"`

	// CookieSigningKey authenticates the session cookie store.
	CookieSigningKey string `yaml:"-" env:"AUTH_COOKIE_SIGNING_KEY"`
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"muselink"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"muselink_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MigrationsPath string `yaml:"migrations_path" env:"MIGRATIONS_PATH" env-default:"migrations"`
}

// GovernanceConfig carries the policy knobs of the engine. Everything here
// is policy data with shipped defaults, not behavior baked into code.
type GovernanceConfig struct {
	// ApprovalTTL is the horizon after which a pending approval expires.
	ApprovalTTL time.Duration `yaml:"approval_ttl" env:"APPROVAL_TTL" env-default:"48h"`

	// ClaimTTL bounds exclusive work-item claims.
	ClaimTTL time.Duration `yaml:"claim_ttl" env:"CLAIM_TTL" env-default:"30m"`

	// EscalationDedupeWindow suppresses repeat escalations for one metric.
	EscalationDedupeWindow time.Duration `yaml:"escalation_dedupe_window" env:"ESCALATION_DEDUPE_WINDOW" env-default:"24h"`

	// GovernanceReviewEvery raises an escalation when no governance review
	// has been logged within the window.
	GovernanceReviewEvery time.Duration `yaml:"governance_review_every" env:"GOVERNANCE_REVIEW_EVERY" env-default:"2160h"` // 90 days

	// RateLimitBudget is the per-principal request budget for destructive,
	// bulk, and snapshot operations within RateLimitWindow.
	RateLimitBudget int           `yaml:"rate_limit_budget" env:"RATE_LIMIT_BUDGET" env-default:"30"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW" env-default:"1m"`

	// GlobalRequestRate caps total requests per second across the whole
	// surface, with GlobalRequestBurst of headroom.
	GlobalRequestRate  int `yaml:"global_request_rate" env:"GLOBAL_REQUEST_RATE" env-default:"50"`
	GlobalRequestBurst int `yaml:"global_request_burst" env:"GLOBAL_REQUEST_BURST" env-default:"100"`

	// Session anomaly detector thresholds.
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions" env:"MAX_CONCURRENT_SESSIONS" env-default:"5"`
	MaxDistinctIPs        int           `yaml:"max_distinct_ips" env:"MAX_DISTINCT_IPS" env-default:"4"`
	IPChurnWindow         time.Duration `yaml:"ip_churn_window" env:"IP_CHURN_WINDOW" env-default:"30m"`
	CountryWindow         time.Duration `yaml:"country_window" env:"COUNTRY_WINDOW" env-default:"24h"`

	// EscalationThresholds maps metric name to its (yellow, red) pair.
	EscalationThresholds map[string]models.ThresholdPair `yaml:"escalation_thresholds"`

	// ApprovalPolicy maps action type to its two-person rule.
	ApprovalPolicy map[string]models.ApprovalRule `yaml:"approval_policy"`
}

// Load reads configuration from the given YAML path with environment
// variable overrides. The version parameter is injected at build time.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.parseComplexFields()
	cfg.Governance.applyDefaults()

	return cfg, nil
}

// parseComplexFields handles fields that need post-processing after loading.
func (c *Config) parseComplexFields() {
	c.Auth.JWKSEndpoints = parsePairs(c.Auth.JWKSEndpointsStr)

	c.Auth.AllowList = make(map[string]struct{})
	for _, id := range strings.Split(c.Auth.AllowListStr, ",") {
		id = strings.TrimSpace(id)
		if id != "" {
			c.Auth.AllowList[id] = struct{}{}
		}
	}
}

// applyDefaults fills the policy tables when the YAML omits them.
func (g *GovernanceConfig) applyDefaults() {
	if len(g.EscalationThresholds) == 0 {
		g.EscalationThresholds = map[string]models.ThresholdPair{
			models.MetricPendingApplications: {Yellow: 25, Red: 100},
			models.MetricOverdueReports:      {Yellow: 12, Red: 50},
			models.MetricOverdueDataRequests: {Yellow: 5, Red: 20},
		}
	}
	if len(g.ApprovalPolicy) == 0 {
		g.ApprovalPolicy = map[string]models.ApprovalRule{
			models.ActionUserDelete:      {Always: true},
			models.ActionUserAnonymize:   {Always: true},
			models.ActionBulkReject:      {BulkThreshold: 20},
			models.ActionBulkCloseReport: {BulkThreshold: 50},
		}
	}
}

// parsePairs parses a "k1=v1,k2=v2" string into a map.
func parsePairs(value string) map[string]string {
	pairs := make(map[string]string)
	if value == "" {
		return pairs
	}
	for _, pair := range strings.Split(value, ",") {
		parts := strings.Split(pair, "=")
		if len(parts) == 2 {
			pairs[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
		}
	}
	return pairs
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
