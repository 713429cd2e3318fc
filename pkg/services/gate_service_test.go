package services

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/audit"
	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
)

type gateFixture struct {
	gate        *GateService
	roleRepo    *mockRoleRepo
	sessionRepo *mockSessionRepo
	auditRepo   *mockAuditRepo
}

func newGateFixture(validator auth.TokenValidator, authCfg config.AuthConfig) *gateFixture {
	auditRepo := &mockAuditRepo{}
	roleRepo := newMockRoleRepo()
	sessionRepo := newMockSessionRepo()

	logger := zap.NewNop()
	cfg := testGovernanceConfig()
	ledger := newTestLedger(auditRepo)
	security := audit.NewSecurityAuditor(logger)
	escalations := NewEscalationService(&mockEscalationRepo{}, newMockResourceRepo(), cfg, newTestMetrics(), logger)
	sessions := NewSessionService(sessionRepo, escalations, ledger, security, cfg, logger)

	return &gateFixture{
		gate:        NewGateService(validator, roleRepo, sessions, ledger, security, authCfg, newTestMetrics(), logger),
		roleRepo:    roleRepo,
		sessionRepo: sessionRepo,
		auditRepo:   auditRepo,
	}
}

func claimsFor(subject string, amr ...string) *auth.Claims {
	return &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Email:            subject + "@muselink.io",
		SessionID:        "sess-" + subject,
		AMR:              amr,
	}
}

func TestGateRejectsInvalidToken(t *testing.T) {
	f := newGateFixture(&mockValidator{err: assert.AnError}, config.AuthConfig{})

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "bad"})
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestGateRejectsMissingSubject(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("")}, config.AuthConfig{})

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestGateEnforcesAllowList(t *testing.T) {
	authCfg := config.AuthConfig{
		AllowList: map[string]struct{}{"admin-ok": {}},
	}
	f := newGateFixture(&mockValidator{claims: claimsFor("admin-other")}, authCfg)

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

func TestGateRequiresStepUpWhenConfigured(t *testing.T) {
	authCfg := config.AuthConfig{RequireStepUp: true}

	f := newGateFixture(&mockValidator{claims: claimsFor("admin-1", "pwd")}, authCfg)
	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	f = newGateFixture(&mockValidator{claims: claimsFor("admin-1", "pwd", "mfa")}, authCfg)
	require.NoError(t, f.roleRepo.Assign(context.Background(), "admin-1", models.RoleViewer))
	principal, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "admin-1", principal.ID)
}

func TestGateRejectsRevokedSession(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("admin-1")}, config.AuthConfig{})
	require.NoError(t, f.roleRepo.Assign(context.Background(), "admin-1", models.RoleViewer))

	session := &models.AdminSession{
		PrincipalID: "admin-1",
		TokenHash:   crypto.HashToken("tok"),
		IsActive:    false,
	}
	require.NoError(t, f.sessionRepo.Create(context.Background(), session))
	f.sessionRepo.sessions[session.TokenHash].IsActive = false

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.ErrorIs(t, err, apperrors.ErrSessionRevoked)
}

func TestGateBootstrapsFirstAdmin(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("founder")}, config.AuthConfig{})

	principal, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok", IP: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleSuperAdmin}, principal.Roles)

	// The grant was persisted and audited.
	roles, err := f.roleRepo.RolesForPrincipal(context.Background(), "founder")
	require.NoError(t, err)
	assert.Contains(t, roles, models.RoleSuperAdmin)
	assert.Contains(t, f.auditRepo.actions(), models.AuditActionRoleBootstrap)
}

func TestGateDoesNotBootstrapWhenSuperAdminExists(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("newcomer")}, config.AuthConfig{})
	require.NoError(t, f.roleRepo.Assign(context.Background(), "someone-else", models.RoleSuperAdmin))

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.NotContains(t, f.auditRepo.actions(), models.AuditActionRoleBootstrap)
}

func TestGateBootstrapsWhenLastSuperAdminLost(t *testing.T) {
	// Role rows exist, but none of them is super_admin: the installation is
	// locked out and the recovery path must still open.
	f := newGateFixture(&mockValidator{claims: claimsFor("founder")}, config.AuthConfig{})
	require.NoError(t, f.roleRepo.Assign(context.Background(), "someone-else", models.RoleViewer))

	principal, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleSuperAdmin}, principal.Roles)
	assert.Contains(t, f.auditRepo.actions(), models.AuditActionRoleBootstrap)
}

func TestGateDoesNotBootstrapPrincipalWithRoles(t *testing.T) {
	// The path only fires for a caller holding zero roles. An existing
	// viewer never self-escalates through it.
	f := newGateFixture(&mockValidator{claims: claimsFor("admin-1")}, config.AuthConfig{})
	require.NoError(t, f.roleRepo.Assign(context.Background(), "admin-1", models.RoleViewer))

	principal, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleViewer}, principal.Roles)
	assert.NotContains(t, f.auditRepo.actions(), models.AuditActionRoleBootstrap)
}

func TestGateTracksSessionOnSuccess(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("admin-1")}, config.AuthConfig{})
	require.NoError(t, f.roleRepo.Assign(context.Background(), "admin-1", models.RoleViewer))

	_, err := f.gate.Authorize(context.Background(), auth.RequestMeta{Token: "tok", IP: "10.0.0.1", Country: "NL"})
	require.NoError(t, err)

	session, err := f.sessionRepo.GetByTokenHash(context.Background(), crypto.HashToken("tok"))
	require.NoError(t, err)
	assert.Equal(t, "admin-1", session.PrincipalID)
	assert.True(t, session.IsActive)
}

func TestGateRequirePermission(t *testing.T) {
	f := newGateFixture(&mockValidator{claims: claimsFor("admin-1")}, config.AuthConfig{})

	viewer := &models.Principal{ID: "v", Roles: []string{models.RoleViewer}}
	err := f.gate.RequirePermission(viewer, rbac.PermManageRoles)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	var denied *apperrors.InsufficientPermissionError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, string(rbac.PermManageRoles), denied.Permission)

	superAdmin := &models.Principal{ID: "s", Roles: []string{models.RoleSuperAdmin}}
	require.NoError(t, f.gate.RequirePermission(superAdmin, rbac.PermManageRoles))

	require.Error(t, f.gate.RequirePermission(nil, rbac.PermViewDashboard))
}
