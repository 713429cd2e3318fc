package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/muselink-hq/muselink-engine/pkg/audit"
	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/database"
	"github.com/muselink-hq/muselink-engine/pkg/handlers"
	"github.com/muselink-hq/muselink-engine/pkg/logging"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/ratelimit"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath, Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.LedgerSigningKey == "" {
		log.Fatal("LEDGER_SIGNING_KEY must be set")
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("port", cfg.Port),
		zap.Bool("auth_verification", cfg.Auth.EnableVerification),
		zap.String("database", cfg.Database.Database))

	ctx := context.Background()

	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	if err := migrationDB.Close(); err != nil {
		logger.Warn("Failed to close migration connection", zap.Error(err))
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	signer, err := crypto.NewLedgerSigner(cfg.LedgerSigningKey)
	if err != nil {
		logger.Fatal("Failed to create ledger signer", zap.Error(err))
	}

	validator, err := auth.NewJWKSClient(&auth.JWKSConfig{
		EnableVerification: cfg.Auth.EnableVerification,
		JWKSEndpoints:      cfg.Auth.JWKSEndpoints,
	})
	if err != nil {
		logger.Fatal("Failed to create JWKS client", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	limiter := ratelimit.New(cfg.Governance.RateLimitBudget, cfg.Governance.RateLimitWindow, time.Now)
	security := audit.NewSecurityAuditor(logger)
	tokens := auth.NewTokenSource(cfg.Auth.CookieSigningKey, cfg.Auth.CookieName, cfg.Env != "local")

	auditRepo := repositories.NewAuditRepository(db)
	roleRepo := repositories.NewRoleRepository(db)
	approvalRepo := repositories.NewApprovalRepository(db)
	resourceRepo := repositories.NewResourceRepository(db)
	sessionRepo := repositories.NewSessionRepository(db)
	escalationRepo := repositories.NewEscalationRepository(db)
	healthRepo := repositories.NewHealthRepository(db)
	idempotencyRepo := repositories.NewIdempotencyRepository(db)

	ledger := services.NewLedgerService(auditRepo, signer, m, logger)
	escalations := services.NewEscalationService(escalationRepo, resourceRepo, cfg.Governance, m, logger)
	sessions := services.NewSessionService(sessionRepo, escalations, ledger, security, cfg.Governance, logger)
	gate := services.NewGateService(validator, roleRepo, sessions, ledger, security, cfg.Auth, m, logger)
	roles := services.NewRoleService(roleRepo, ledger, logger)
	resources := services.NewResourceService(resourceRepo, cfg.Governance, m, logger)
	approvals := services.NewApprovalService(approvalRepo, ledger, cfg.Governance, m, logger)
	idempotency := services.NewIdempotencyService(idempotencyRepo, logger)
	health := services.NewHealthService(healthRepo, roleRepo, resourceRepo, ledger, escalations, limiter, cfg.Governance, m, logger)

	registerExecutors(approvals, resourceRepo)

	mw := auth.NewMiddleware(gate, tokens, logger)
	mux := http.NewServeMux()

	handlers.NewHealthHandler(health, cfg.Version, logger).RegisterRoutes(mux, mw)
	handlers.NewAuditHandler(ledger, limiter, logger).RegisterRoutes(mux, mw)
	handlers.NewRoleHandler(roles, logger).RegisterRoutes(mux, mw)
	handlers.NewApprovalHandler(approvals, idempotency, limiter, logger).RegisterRoutes(mux, mw)
	handlers.NewResourceHandler(resources, gate, logger).RegisterRoutes(mux, mw)
	handlers.NewSessionHandler(sessions, limiter, logger).RegisterRoutes(mux, mw)
	handlers.NewEscalationHandler(escalations, logger).RegisterRoutes(mux, mw)
	mux.Handle("GET /metrics", promhttp.Handler())

	throttle := rate.NewLimiter(
		rate.Limit(cfg.Governance.GlobalRequestRate),
		cfg.Governance.GlobalRequestBurst)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting muselink-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, withThrottle(throttle, mux)); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}

// withThrottle sheds load across the whole surface before any handler work.
func withThrottle(limiter *rate.Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerExecutors binds the deferred action of each approvable action
// type. Deletion and anonymization are fulfilled asynchronously by the data
// pipeline; the engine's job is recording the authorized request.
func registerExecutors(approvals *services.ApprovalService, resources repositories.ResourceRepository) {
	approvals.RegisterExecutor(models.ActionUserDelete,
		func(ctx context.Context, request *models.ApprovalRequest) error {
			_, err := resources.EnqueueDataRequest(ctx, request.TargetID, "erasure")
			return err
		})
	approvals.RegisterExecutor(models.ActionUserAnonymize,
		func(ctx context.Context, request *models.ApprovalRequest) error {
			_, err := resources.EnqueueDataRequest(ctx, request.TargetID, "anonymization")
			return err
		})
	approvals.RegisterExecutor(models.ActionBulkReject,
		bulkStatusExecutor(resources, models.ResourceCreatorApplication, "rejected"))
	approvals.RegisterExecutor(models.ActionBulkCloseReport,
		bulkStatusExecutor(resources, models.ResourceContentReport, "dismissed"))
}

// bulkStatusExecutor applies one terminal status to every id in the payload.
func bulkStatusExecutor(resources repositories.ResourceRepository, resourceType, status string) services.ApprovalExecutor {
	return func(ctx context.Context, request *models.ApprovalRequest) error {
		for _, id := range payloadIDs(request.Payload) {
			if err := resources.UpdateStatus(ctx, resourceType, id, status); err != nil {
				return err
			}
		}
		return nil
	}
}

func payloadIDs(payload map[string]any) []uuid.UUID {
	raw, _ := payload["ids"].([]any)
	ids := make([]uuid.UUID, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
