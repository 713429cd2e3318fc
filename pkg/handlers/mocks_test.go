package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	"github.com/muselink-hq/muselink-engine/pkg/ratelimit"
	"github.com/muselink-hq/muselink-engine/pkg/rbac"
	"github.com/muselink-hq/muselink-engine/pkg/repositories"
	"github.com/muselink-hq/muselink-engine/pkg/services"
)

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(30, time.Minute, time.Now)
}

func testGovernanceConfig() config.GovernanceConfig {
	return config.GovernanceConfig{
		ApprovalTTL:            48 * time.Hour,
		ClaimTTL:               30 * time.Minute,
		EscalationDedupeWindow: 24 * time.Hour,
		GovernanceReviewEvery:  90 * 24 * time.Hour,
		MaxConcurrentSessions:  5,
		MaxDistinctIPs:         4,
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

func newTestLedger(repo *memAuditRepo) *services.LedgerService {
	signer, err := crypto.NewLedgerSigner("test-signing-passphrase")
	if err != nil {
		panic(err)
	}
	return services.NewLedgerService(repo, signer, newTestMetrics(), zap.NewNop())
}

// authedRequest builds a request carrying an already-resolved principal, the
// way the middleware hands requests to handlers.
func authedRequest(method, path string, body []byte, principal *models.Principal) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	return req.WithContext(auth.WithPrincipal(req.Context(), principal))
}

func mustJSON(v any) []byte {
	out, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}

// stubGate grants every permission except those listed in denied.
type stubGate struct {
	denied map[rbac.Permission]bool
}

var _ auth.Gate = (*stubGate)(nil)

func (g *stubGate) Authorize(_ context.Context, _ auth.RequestMeta) (*models.Principal, error) {
	return nil, apperrors.ErrUnauthenticated
}

func (g *stubGate) RequirePermission(_ *models.Principal, permission rbac.Permission) error {
	if g.denied[permission] {
		return &apperrors.InsufficientPermissionError{Permission: string(permission)}
	}
	return nil
}

// memAuditRepo keeps the ledger in memory, computing chain hashes the same
// way the real repository does.
type memAuditRepo struct {
	records   []*models.AuditRecord
	snapshots []*models.AuditSnapshot
}

var _ repositories.AuditRepository = (*memAuditRepo)(nil)

func (m *memAuditRepo) Append(_ context.Context, record *models.AuditRecord) error {
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

func (m *memAuditRepo) ListAscending(_ context.Context) ([]*models.AuditRecord, error) {
	out := make([]*models.AuditRecord, len(m.records))
	for i, r := range m.records {
		clone := *r
		out[i] = &clone
	}
	return out, nil
}

func (m *memAuditRepo) ListRecent(_ context.Context, limit int) ([]*models.AuditRecord, error) {
	var out []*models.AuditRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		clone := *m.records[i]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memAuditRepo) TailHash(_ context.Context) (string, error) {
	if len(m.records) == 0 {
		return "", nil
	}
	return m.records[len(m.records)-1].RowHash, nil
}

func (m *memAuditRepo) RewriteHashes(_ context.Context, records []*models.AuditRecord) error {
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

func (m *memAuditRepo) LastActionTime(_ context.Context, action string) (time.Time, error) {
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].Action == action {
			return m.records[i].CreatedAt, nil
		}
	}
	return time.Time{}, nil
}

func (m *memAuditRepo) InsertSnapshot(_ context.Context, snapshot *models.AuditSnapshot) error {
	for _, s := range m.snapshots {
		if s.SnapshotDate.Equal(snapshot.SnapshotDate) {
			return apperrors.ErrConflict
		}
	}
	m.snapshots = append(m.snapshots, snapshot)
	return nil
}

func (m *memAuditRepo) LatestSnapshot(_ context.Context) (*models.AuditSnapshot, error) {
	if len(m.snapshots) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return m.snapshots[len(m.snapshots)-1], nil
}

type memRoleRepo struct {
	assignments map[string][]string
}

var _ repositories.RoleRepository = (*memRoleRepo)(nil)

func newMemRoleRepo() *memRoleRepo {
	return &memRoleRepo{assignments: make(map[string][]string)}
}

func (m *memRoleRepo) RolesForPrincipal(_ context.Context, principalID string) ([]string, error) {
	return append([]string(nil), m.assignments[principalID]...), nil
}

func (m *memRoleRepo) Assign(_ context.Context, principalID, role string) error {
	for _, r := range m.assignments[principalID] {
		if r == role {
			return nil
		}
	}
	m.assignments[principalID] = append(m.assignments[principalID], role)
	return nil
}

func (m *memRoleRepo) Revoke(_ context.Context, principalID, role string) (bool, error) {
	roles := m.assignments[principalID]
	for i, r := range roles {
		if r == role {
			m.assignments[principalID] = append(roles[:i], roles[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *memRoleRepo) CountWithRole(_ context.Context, role string) (int, error) {
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

func (m *memRoleRepo) ListAssignments(_ context.Context) ([]*models.RoleAssignment, error) {
	var out []*models.RoleAssignment
	for principal, roles := range m.assignments {
		for _, role := range roles {
			out = append(out, &models.RoleAssignment{PrincipalID: principal, Role: role})
		}
	}
	return out, nil
}

type memApprovalRepo struct {
	requests map[uuid.UUID]*models.ApprovalRequest
}

var _ repositories.ApprovalRepository = (*memApprovalRepo)(nil)

func newMemApprovalRepo() *memApprovalRepo {
	return &memApprovalRepo{requests: make(map[uuid.UUID]*models.ApprovalRequest)}
}

func (m *memApprovalRepo) Create(_ context.Context, request *models.ApprovalRequest) error {
	if request.ID == uuid.Nil {
		request.ID = uuid.New()
	}
	clone := *request
	m.requests[request.ID] = &clone
	return nil
}

func (m *memApprovalRepo) GetByID(_ context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	request, ok := m.requests[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *request
	return &clone, nil
}

func (m *memApprovalRepo) ListByStatus(_ context.Context, status string, limit int) ([]*models.ApprovalRequest, error) {
	var out []*models.ApprovalRequest
	for _, request := range m.requests {
		if request.Status == status && len(out) < limit {
			clone := *request
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memApprovalRepo) Decide(_ context.Context, id uuid.UUID, status, approver string, decidedAt time.Time) (bool, error) {
	request, ok := m.requests[id]
	if !ok || request.Status != models.ApprovalStatusPending {
		return false, nil
	}
	request.Status = status
	request.ApprovedBy = &approver
	request.DecidedAt = &decidedAt
	return true, nil
}

func (m *memApprovalRepo) Expire(_ context.Context, id uuid.UUID, decidedAt time.Time) (bool, error) {
	request, ok := m.requests[id]
	if !ok || request.Status != models.ApprovalStatusPending {
		return false, nil
	}
	request.Status = models.ApprovalStatusExpired
	request.DecidedAt = &decidedAt
	return true, nil
}

func (m *memApprovalRepo) SweepExpired(_ context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
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

type memResourceRepo struct {
	resources map[string]*models.ManagedResource
}

var _ repositories.ResourceRepository = (*memResourceRepo)(nil)

func newMemResourceRepo() *memResourceRepo {
	return &memResourceRepo{resources: make(map[string]*models.ManagedResource)}
}

func (m *memResourceRepo) put(resourceType string, resource *models.ManagedResource) {
	resource.Type = resourceType
	m.resources[fmt.Sprintf("%s/%s", resourceType, resource.ID)] = resource
}

func (m *memResourceRepo) get(resourceType string, id uuid.UUID) (*models.ManagedResource, bool) {
	resource, ok := m.resources[fmt.Sprintf("%s/%s", resourceType, id)]
	return resource, ok
}

func (m *memResourceRepo) Get(_ context.Context, resourceType string, id uuid.UUID) (*models.ManagedResource, error) {
	resource, ok := m.get(resourceType, id)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *resource
	return &clone, nil
}

func (m *memResourceRepo) Claim(_ context.Context, resourceType string, id uuid.UUID, principalID string, expiresAt, now time.Time) (bool, error) {
	resource, ok := m.get(resourceType, id)
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

func (m *memResourceRepo) Release(_ context.Context, resourceType string, id uuid.UUID) error {
	resource, ok := m.get(resourceType, id)
	if !ok {
		return apperrors.ErrNotFound
	}
	resource.AssignedTo = nil
	resource.AssignmentExpiresAt = nil
	return nil
}

func (m *memResourceRepo) UpdateStatusIf(_ context.Context, resourceType string, id uuid.UUID, status string, expected time.Time) (bool, error) {
	resource, ok := m.get(resourceType, id)
	if !ok || !resource.UpdatedAt.Equal(expected) {
		return false, nil
	}
	resource.Status = status
	resource.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *memResourceRepo) UpdateStatus(_ context.Context, resourceType string, id uuid.UUID, status string) error {
	resource, ok := m.get(resourceType, id)
	if !ok {
		return apperrors.ErrNotFound
	}
	resource.Status = status
	resource.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memResourceRepo) EnqueueDataRequest(_ context.Context, _, _ string) (uuid.UUID, error) {
	id := uuid.New()
	m.put(models.ResourceDataRequest, &models.ManagedResource{
		ID:        id,
		Status:    "received",
		UpdatedAt: time.Now().UTC(),
	})
	return id, nil
}

func (m *memResourceRepo) CountInStatus(_ context.Context, resourceType, status string) (int, error) {
	count := 0
	for _, resource := range m.resources {
		if resource.Type == resourceType && resource.Status == status {
			count++
		}
	}
	return count, nil
}

type memSessionRepo struct {
	sessions map[string]*models.AdminSession
}

var _ repositories.SessionRepository = (*memSessionRepo)(nil)

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: make(map[string]*models.AdminSession)}
}

func (m *memSessionRepo) GetByTokenHash(_ context.Context, tokenHash string) (*models.AdminSession, error) {
	session, ok := m.sessions[tokenHash]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (m *memSessionRepo) Create(_ context.Context, session *models.AdminSession) error {
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

func (m *memSessionRepo) Touch(_ context.Context, id uuid.UUID, seenAt time.Time) error {
	for _, session := range m.sessions {
		if session.ID == id {
			session.LastSeenAt = seenAt
		}
	}
	return nil
}

func (m *memSessionRepo) Revoke(_ context.Context, id uuid.UUID, revokedAt time.Time) (bool, error) {
	for _, session := range m.sessions {
		if session.ID == id && session.IsActive {
			session.IsActive = false
			session.RevokedAt = &revokedAt
			return true, nil
		}
	}
	return false, nil
}

func (m *memSessionRepo) ListActiveByPrincipal(_ context.Context, principalID string, seenSince time.Time) ([]*models.AdminSession, error) {
	var out []*models.AdminSession
	for _, session := range m.sessions {
		if session.PrincipalID == principalID && session.IsActive && !session.LastSeenAt.Before(seenSince) {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memSessionRepo) ListActive(_ context.Context, limit int) ([]*models.AdminSession, error) {
	var out []*models.AdminSession
	for _, session := range m.sessions {
		if session.IsActive && len(out) < limit {
			clone := *session
			out = append(out, &clone)
		}
	}
	return out, nil
}

type memEscalationRepo struct {
	escalations []*models.Escalation
}

var _ repositories.EscalationRepository = (*memEscalationRepo)(nil)

func (m *memEscalationRepo) Create(_ context.Context, escalation *models.Escalation) error {
	if escalation.ID == uuid.Nil {
		escalation.ID = uuid.New()
	}
	clone := *escalation
	m.escalations = append(m.escalations, &clone)
	return nil
}

func (m *memEscalationRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Escalation, error) {
	for _, e := range m.escalations {
		if e.ID == id {
			clone := *e
			return &clone, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *memEscalationRepo) ExistsSince(_ context.Context, metric string, since time.Time) (bool, error) {
	for _, e := range m.escalations {
		if e.Metric == metric && !e.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memEscalationRepo) Resolve(_ context.Context, id uuid.UUID, resolvedBy, notes string, resolvedAt time.Time) (bool, error) {
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

func (m *memEscalationRepo) ListOpen(_ context.Context, limit int) ([]*models.Escalation, error) {
	var out []*models.Escalation
	for _, e := range m.escalations {
		if e.Status == models.EscalationStatusOpen && len(out) < limit {
			clone := *e
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memEscalationRepo) OldestOpenAge(_ context.Context, now time.Time) (time.Duration, error) {
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

type memHealthRepo struct {
	records map[string]*models.ControlHealthRecord
}

var _ repositories.HealthRepository = (*memHealthRepo)(nil)

func newMemHealthRepo() *memHealthRepo {
	return &memHealthRepo{records: make(map[string]*models.ControlHealthRecord)}
}

func (m *memHealthRepo) Upsert(_ context.Context, record *models.ControlHealthRecord) error {
	clone := *record
	m.records[record.ControlCode] = &clone
	return nil
}

func (m *memHealthRepo) List(_ context.Context) ([]*models.ControlHealthRecord, error) {
	var out []*models.ControlHealthRecord
	for _, record := range m.records {
		clone := *record
		out = append(out, &clone)
	}
	return out, nil
}

type memIdempotencyRepo struct {
	entries map[string]*models.IdempotencyEntry
}

var _ repositories.IdempotencyRepository = (*memIdempotencyRepo)(nil)

func newMemIdempotencyRepo() *memIdempotencyRepo {
	return &memIdempotencyRepo{entries: make(map[string]*models.IdempotencyEntry)}
}

func (m *memIdempotencyRepo) Get(_ context.Context, key, principalID, action string) (*models.IdempotencyEntry, error) {
	entry, ok := m.entries[key+"|"+principalID+"|"+action]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	clone := *entry
	return &clone, nil
}

func (m *memIdempotencyRepo) Insert(_ context.Context, entry *models.IdempotencyEntry) (bool, error) {
	composite := entry.Key + "|" + entry.PrincipalID + "|" + entry.Action
	if _, exists := m.entries[composite]; exists {
		return false, nil
	}
	clone := *entry
	m.entries[composite] = &clone
	return true, nil
}
