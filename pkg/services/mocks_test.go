package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/muselink-hq/muselink-engine/pkg/apperrors"
	"github.com/muselink-hq/muselink-engine/pkg/auth"
	"github.com/muselink-hq/muselink-engine/pkg/config"
	"github.com/muselink-hq/muselink-engine/pkg/crypto"
	"github.com/muselink-hq/muselink-engine/pkg/metrics"
	"github.com/muselink-hq/muselink-engine/pkg/models"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

// mockAuditRepo keeps the ledger in memory, computing chain hashes the same
// way the real repository does so verification walks behave identically.
type mockAuditRepo struct {
	records   []*models.AuditRecord
	snapshots []*models.AuditSnapshot
	appendErr error
}

var _ repositories.AuditRepository = (*mockAuditRepo)(nil)

func (m *mockAuditRepo) Append(_ context.Context, record *models.AuditRecord) error {
	if m.appendErr != nil {
		return m.appendErr
	}

	var detailsJSON []byte
	if len(record.Details) > 0 {
		detailsJSON, _ = json.Marshal(record.Details)
	}

	previousHash := ""
	if len(m.records) > 0 {
		previousHash = m.records[len(m.records)-1].RowHash
	}

	record.ID = ulid.Make().String()
	record.CreatedAt = time.Now().UTC()
	record.PreviousHash = previousHash
	record.RowHash = crypto.RowHash(
		record.ID, record.ActorID, record.Action,
		record.TargetType, record.TargetID,
		string(detailsJSON), record.CreatedAt, previousHash,
	)

	stored := *record
	m.records = append(m.records, &stored)
	return nil
}

func (m *mockAuditRepo) ListAscending(_ context.Context) ([]*models.AuditRecord, error) {
	out := make([]*models.AuditRecord, len(m.records))
	for i, r := range m.records {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

func (m *mockAuditRepo) ListRecent(_ context.Context, limit int) ([]*models.AuditRecord, error) {
	var out []*models.AuditRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *m.records[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *mockAuditRepo) TailHash(_ context.Context) (string, error) {
	if len(m.records) == 0 {
		return "", nil
	}
	return m.records[len(m.records)-1].RowHash, nil
}

func (m *mockAuditRepo) RewriteHashes(_ context.Context, records []*models.AuditRecord) error {
	byID := make(map[string]*models.AuditRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	for _, stored := range m.records {
		if r, ok := byID[stored.ID]; ok {
			stored.PreviousHash = r.PreviousHash
			stored.RowHash = r.RowHash
		}
	}
	return nil
}

func (m *mockAuditRepo) LastActionTime(_ context.Context, action string) (time.Time, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Action == action {
			return m.records[i].CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

func (m *mockAuditRepo) InsertSnapshot(_ context.Context, snapshot *models.AuditSnapshot) error {
	for _, s := range m.snapshots {
		if s.SnapshotDate.Equal(snapshot.SnapshotDate) {
			return apperrors.ErrConflict
		}
	}
	m.snapshots = append(m.snapshots, snapshot)
	return nil
}

func (m *mockAuditRepo) LatestSnapshot(_ context.Context) (*models.AuditSnapshot, error) {
	if len(m.snapshots) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

// actions returns the ledger action names in append order.
func (m *mockAuditRepo) actions() []string {
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Action
	}
	return out
}

type mockRoleRepo struct {
	assignments map[string][]string
	assignErr   error
}

var _ repositories.RoleRepository = (*mockRoleRepo)(nil)

func newMockRoleRepo() *mockRoleRepo {
	return &mockRoleRepo{assignments: make(map[string][]string)}
}

func (m *mockRoleRepo) RolesForPrincipal(_ context.Context, principalID string) ([]string, error) {
	roles := append([]string(nil), m.assignments[principalID]...)
	sort.Strings(roles)
	return roles, nil
}

func (m *mockRoleRepo) Assign(_ context.Context, principalID, role string) error {
	if m.assignErr != nil {
		return m.assignErr
	}
	for _, r := range m.assignments[principalID] {
		if r == role {
			return nil
		}
	}
	m.assignments[principalID] = append(m.assignments[principalID], role)
	return nil
}

func (m *mockRoleRepo) Revoke(_ context.Context, principalID, role string) (bool, error) {
	roles := m.assignments[principalID]
	for i, r := range roles {
		if r == role {
			m.assignments[principalID] = append(roles[:i], roles[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRoleRepo) CountWithRole(_ context.Context, role string) (int, error) {
	count := 0
	for _, roles := range m.assignments {
		for _, r := range roles {
			if r == role {
				count++
			}
		}
	}
	return count, nil
}

func (m *mockRoleRepo) ListAssignments(_ context.Context) ([]*models.RoleAssignment, error) {
	var out []*models.RoleAssignment
	for principal, roles := range m.assignments {
		for _, role := range roles {
			out = append(out, &models.RoleAssignment{PrincipalID: principal, Role: role})
		}
	}
	return out, nil
}

type mockApprovalRepo struct {
	requests map[uuid.UUID]*models.ApprovalRequest
}

var _ repositories.ApprovalRepository = (*mockApprovalRepo)(nil)

func newMockApprovalRepo() *mockApprovalRepo {
	return &mockApprovalRepo{requests: make(map[uuid.UUID]*models.ApprovalRequest)}
}

func (m *mockApprovalRepo) Create(_ context.Context, request *models.ApprovalRequest) error {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

func (m *mockApprovalRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	request, ok := m.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *request
	return &clone, nil
}

func (m *mockApprovalRepo) ListByStatus(_ context.Context, status string, limit int) ([]*models.ApprovalRequest, error) {
	var out []*models.ApprovalRequest
	for _, request := range m.requests {
		if request.Status == status && len(out) < limit {
			clone := *request
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockApprovalRepo) Decide(_ context.Context, id uuid.UUID, status, approver string, decidedAt time.Time) (bool, error) {
	request, ok := m.requests[id]
	if !ok || request.Status != models.ApprovalStatusPending {
		return false, nil
	}
	request.Status = status
	request.ApprovedBy = &approver
	request.DecidedAt = &decidedAt
	return true, nil
}

func (m *mockApprovalRepo) Expire(_ context.Context, id uuid.UUID, decidedAt time.Time) (bool, error) {
	request, ok := m.requests[id]
	if !ok || request.Status != models.ApprovalStatusPending {
		return false, nil
	}
	request.Status = models.ApprovalStatusExpired
	request.DecidedAt = &decidedAt
	return true, nil
}

func (m *mockApprovalRepo) SweepExpired(_ context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	var swept []*models.ApprovalRequest
	for _, request := range m.requests {
		if request.Status == models.ApprovalStatusPending && request.ExpiresAt.Before(now) {
			request.Status = models.ApprovalStatusExpired
			decided := now
			request.DecidedAt = &decided
			clone := *request
			swept = append(swept, &clone)
		}
	}
	return swept, nil
}

type mockResourceRepo struct {
	resources map[string]*models.ManagedResource // keyed type/id
}

var _ repositories.ResourceRepository = (*mockResourceRepo)(nil)

func newMockResourceRepo() *mockResourceRepo {
	return &mockResourceRepo{resources: make(map[string]*models.ManagedResource)}
}

func resourceKey(resourceType string, id uuid.UUID) string {
	return fmt.Sprintf("%s/%s", resourceType, id)
}

func (m *mockResourceRepo) put(resourceType string, resource *models.ManagedResource) {
	resource.Type = resourceType
	m.resources[resourceKey(resourceType, resource.ID)] = resource
}

func (m *mockResourceRepo) Get(_ context.Context, resourceType string, id uuid.UUID) (*models.ManagedResource, error) {
	resource, ok := m.resources[resourceKey(resourceType, id)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *resource
	return &clone, nil
}

func (m *mockResourceRepo) Claim(_ context.Context, resourceType string, id uuid.UUID, principalID string, expiresAt, now time.Time) (bool, error) {
	resource, ok := m.resources[resourceKey(resourceType, id)]
	if !ok {
		return false, nil
	}
	if resource.AssignedTo != nil && resource.AssignmentExpiresAt != nil && !resource.AssignmentExpiresAt.Before(now) {
		return false, nil
	}
	resource.AssignedTo = &principalID
	resource.AssignmentExpiresAt = &expiresAt
	return true, nil
}

func (m *mockResourceRepo) Release(_ context.Context, resourceType string, id uuid.UUID) error {
	resource, ok := m.resources[resourceKey(resourceType, id)]
	if !ok {
		return apperrors.ErrNotFound
	}
	resource.AssignedTo = nil
	resource.AssignmentExpiresAt = nil
	return nil
}

func (m *mockResourceRepo) UpdateStatusIf(_ context.Context, resourceType string, id uuid.UUID, status string, expected time.Time) (bool, error) {
	resource, ok := m.resources[resourceKey(resourceType, id)]
	if !ok || !resource.UpdatedAt.Equal(expected) {
		return false, nil
	}
	resource.Status = status
	resource.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *mockResourceRepo) UpdateStatus(_ context.Context, resourceType string, id uuid.UUID, status string) error {
	resource, ok := m.resources[resourceKey(resourceType, id)]
	if !ok {
		return apperrors.ErrNotFound
	}
	resource.Status = status
	resource.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockResourceRepo) EnqueueDataRequest(_ context.Context, _, _ string) (uuid.UUID, error) {
	id := uuid.New()
	m.put(models.ResourceDataRequest, &models.ManagedResource{
		ID:        id,
		Status:    "received",
		UpdatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (m *mockResourceRepo) CountInStatus(_ context.Context, resourceType, status string) (int, error) {
	count := 0
	for _, resource := range m.resources {
		if resource.Type == resourceType && resource.Status == status {
			count++
		}
	}
	return count, nil
}

type mockSessionRepo struct {
	sessions map[string]*models.AdminSession // keyed by token hash
}

var _ repositories.SessionRepository = (*mockSessionRepo)(nil)

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[string]*models.AdminSession)}
}

func (m *mockSessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*models.AdminSession, error) {
	session, ok := m.sessions[tokenHash]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *mockSessionRepo) Create(_ context.Context, session *models.AdminSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if _, exists := m.sessions[session.TokenHash]; exists {
		return nil
	}
	clone := *session
	m.sessions[session.TokenHash] = &clone
	return nil
}

func (m *mockSessionRepo) Touch(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	for _, session := range m.sessions {
		if session.ID == id {
			session.LastSeenAt = seenAt
		}
	}
	return nil
}

func (m *mockSessionRepo) Revoke(_ context.Context, id uuid.UUID, revokedAt time.Time) (bool, error) {
	for _, session := range m.sessions {
		if session.ID == id && session.IsActive {
			session.IsActive = false
			session.RevokedAt = &revokedAt
			return true, nil
		}
	}
	return false, nil
}

func (m *mockSessionRepo) ListActiveByPrincipal(_ context.Context, principalID string, seenSince time.Time) ([]*models.AdminSession, error) {
	var out []*models.AdminSession
	for _, session := range m.sessions {
		if session.PrincipalID == principalID && session.IsActive && !session.LastSeenAt.Before(seenSince) {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) ListActive(_ context.Context, limit int) ([]*models.AdminSession, error) {
	var out []*models.AdminSession
	for _, session := range m.sessions {
		if session.IsActive && len(out) < limit {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

type mockEscalationRepo struct {
	escalations []*models.Escalation
}

var _ repositories.EscalationRepository = (*mockEscalationRepo)(nil)

func (m *mockEscalationRepo) Create(_ context.Context, escalation *models.Escalation) error {
	if escalation.ID == uuid.Nil {
		escalation.ID = uuid.New()
	}
	clone := *escalation
	m.escalations = append(m.escalations, &clone)
	return nil
}

func (m *mockEscalationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Escalation, error) {
	for _, e := range m.escalations {
		if e.ID == id {
			clone := *e
			return &clone, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockEscalationRepo) ExistsSince(_ context.Context, metric string, since time.Time) (bool, error) {
	for _, e := range m.escalations {
		if e.Metric == metric && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEscalationRepo) Resolve(_ context.Context, id uuid.UUID, resolvedBy, notes string, resolvedAt time.Time) (bool, error) {
	for _, e := range m.escalations {
		if e.ID == id && e.Status == models.EscalationStatusOpen {
			e.Status = models.EscalationStatusResolved
			e.ResolvedBy = &resolvedBy
			e.Notes = notes
			e.ResolvedAt = &resolvedAt
			return true, nil
		}
	}
	return false, nil
}

func (m *mockEscalationRepo) ListOpen(_ context.Context, limit int) ([]*models.Escalation, error) {
	var out []*models.Escalation
	for _, e := range m.escalations {
		if e.Status == models.EscalationStatusOpen && len(out) < limit {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *mockEscalationRepo) OldestOpenAge(_ context.Context, now time.Time) (time.Duration, error) {
	var oldest time.Time
	for _, e := range m.escalations {
		if e.Status == models.EscalationStatusOpen && (oldest.IsZero() || e.CreatedAt.Before(oldest)) {
			oldest = e.CreatedAt
		}
	}
	if oldest.IsZero() {
		return 0, nil
	}
	return now.Sub(oldest), nil
}

type mockHealthRepo struct {
	records map[string]*models.ControlHealthRecord
}

var _ repositories.HealthRepository = (*mockHealthRepo)(nil)

func newMockHealthRepo() *mockHealthRepo {
	return &mockHealthRepo{records: make(map[string]*models.ControlHealthRecord)}
}

func (m *mockHealthRepo) Upsert(_ context.Context, record *models.ControlHealthRecord) error {
	clone := *record
	m.records[record.ControlCode] = &clone
	return nil
}

func (m *mockHealthRepo) List(_ context.Context) ([]*models.ControlHealthRecord, error) {
	var out []*models.ControlHealthRecord
	for _, record := range m.records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

type mockIdempotencyRepo struct {
	entries  map[string]*models.IdempotencyEntry
	loseRace bool // simulate a concurrent duplicate winning the insert
}

var _ repositories.IdempotencyRepository = (*mockIdempotencyRepo)(nil)

func newMockIdempotencyRepo() *mockIdempotencyRepo {
	return &mockIdempotencyRepo{entries: make(map[string]*models.IdempotencyEntry)}
}

func idempotencyKey(key, principalID, action string) string {
	return key + "|" + principalID + "|" + action
}

func (m *mockIdempotencyRepo) Get(_ context.Context, key, principalID, action string) (*models.IdempotencyEntry, error) {
	entry, ok := m.entries[idempotencyKey(key, principalID, action)]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *mockIdempotencyRepo) Insert(_ context.Context, entry *models.IdempotencyEntry) (bool, error) {
	composite := idempotencyKey(entry.Key, entry.PrincipalID, entry.Action)
	if m.loseRace {
		m.loseRace = false
		m.entries[composite] = &models.IdempotencyEntry{
			Key:         entry.Key,
			PrincipalID: entry.PrincipalID,
			Action:      entry.Action,
			StatusCode:  200,
			Body:        []byte(`{"winner":"other"}`),
			CreatedAt:   entry.CreatedAt,
		}
		return false, nil
	}
	if _, exists := m.entries[composite]; exists {
		return false, nil
	}
	clone := *entry
	m.entries[composite] = &clone
	return true, nil
}

// mockValidator returns canned claims for any token.
type mockValidator struct {
	claims *auth.Claims
	err    error
}

var _ auth.TokenValidator = (*mockValidator)(nil)

func (m *mockValidator) ValidateToken(string) (*auth.Claims, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.claims, nil
}

func testGovernanceConfig() config.GovernanceConfig {
	return config.GovernanceConfig{
		ApprovalTTL:            48 * time.Hour,
		ClaimTTL:               30 * time.Minute,
		EscalationDedupeWindow: 24 * time.Hour,
		GovernanceReviewEvery:  90 * 24 * time.Hour,
		RateLimitBudget:        30,
		RateLimitWindow:        time.Minute,
		MaxConcurrentSessions:  2,
		MaxDistinctIPs:         2,
		IPChurnWindow:          30 * time.Minute,
		CountryWindow:          24 * time.Hour,
		EscalationThresholds: map[string]models.ThresholdPair{
			models.MetricPendingApplications: {Yellow: 3, Red: 10},
			models.MetricOverdueReports:      {Yellow: 3, Red: 10},
			models.MetricOverdueDataRequests: {Yellow: 3, Red: 10},
		},
		ApprovalPolicy: map[string]models.ApprovalRule{
			models.ActionUserDelete:      {Always: true},
			models.ActionUserAnonymize:   {Always: true},
			models.ActionBulkReject:      {BulkThreshold: 20},
			models.ActionBulkCloseReport: {BulkThreshold: 50},
		},
	}
}

func newTestLedger(repo *mockAuditRepo) *LedgerService {
	signer, err := crypto.NewLedgerSigner("test-signing-passphrase")
	if err != nil {
		panic(err)
	}
	return NewLedgerService(repo, signer, newTestMetrics(), zap.NewNop())
}
