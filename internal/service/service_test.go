package service

import (
	"context"
	"sync"
	"time"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

// In-memory repository fakes shared by the service tests.

type memKeyRepo struct {
	mu   sync.Mutex
	keys map[string]domain.SigningKey
}

func newMemKeyRepo() *memKeyRepo {
	return &memKeyRepo{keys: map[string]domain.SigningKey{}}
}

func (m *memKeyRepo) CreateIfNoneActive(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.keys {
		if existing.TenantID == key.TenantID && existing.Status == domain.KeyStatusActive {
			return existing, nil
		}
	}
	m.keys[key.KID] = key
	return key, nil
}

func (m *memKeyRepo) Create(_ context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key.KID] = key
	return key, nil
}

func (m *memKeyRepo) GetActive(_ context.Context, tenantID string) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.TenantID == tenantID && key.Status == domain.KeyStatusActive {
			return key, nil
		}
	}
	return domain.SigningKey{}, repository.ErrNotFound
}

func (m *memKeyRepo) FindByKID(_ context.Context, kid string) (domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[kid]
	if !ok {
		return domain.SigningKey{}, repository.ErrNotFound
	}
	return key, nil
}

func (m *memKeyRepo) ListByStatus(_ context.Context, tenantID string, statuses ...domain.KeyStatus) ([]domain.SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SigningKey
	for _, key := range m.keys {
		if key.TenantID != tenantID {
			continue
		}
		for _, s := range statuses {
			if key.Status == s {
				out = append(out, key)
				break
			}
		}
	}
	return out, nil
}

func (m *memKeyRepo) ListActiveCreatedBefore(context.Context, time.Time) ([]domain.SigningKey, error) {
	return nil, nil
}

func (m *memKeyRepo) ListRolledOverBefore(context.Context, time.Time) ([]domain.SigningKey, error) {
	return nil, nil
}

func (m *memKeyRepo) UpdateStatus(_ context.Context, kid string, status domain.KeyStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[kid]
	if !ok {
		return repository.ErrNotFound
	}
	key.Status = status
	if status == domain.KeyStatusRolledOver {
		rotated := at
		key.RotatedAt = &rotated
	}
	m.keys[kid] = key
	return nil
}

type memTokenRepo struct {
	mu     sync.Mutex
	byID   map[string]domain.RefreshToken
	byHash map[string]string
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{byID: map[string]domain.RefreshToken{}, byHash: map[string]string{}}
}

func (m *memTokenRepo) Create(_ context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[token.ID] = token
	m.byHash[token.TokenHash] = token.ID
	return token, nil
}

func (m *memTokenRepo) GetByHash(_ context.Context, tokenHash string) (domain.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byHash[tokenHash]
	if !ok {
		return domain.RefreshToken{}, repository.ErrNotFound
	}
	return m.byID[id], nil
}

func (m *memTokenRepo) MarkUsed(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.byID[id]
	if !ok || token.UsedAt != nil {
		return false, nil
	}
	used := at
	token.UsedAt = &used
	m.byID[id] = token
	return true, nil
}

func (m *memTokenRepo) LinkRotation(_ context.Context, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byID[oldID]; ok {
		old.ReplacedByID = &newID
		m.byID[oldID] = old
	}
	if next, ok := m.byID[newID]; ok {
		next.ParentID = &oldID
		m.byID[newID] = next
	}
	return nil
}

func (m *memTokenRepo) RevokeFamily(_ context.Context, familyID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, token := range m.byID {
		if token.FamilyID == familyID {
			token.Revoked = true
			token.RevokedReason = reason
			m.byID[id] = token
		}
	}
	return nil
}

func (m *memTokenRepo) RevokeByHash(_ context.Context, tokenHash, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byHash[tokenHash]; ok {
		token := m.byID[id]
		token.Revoked = true
		token.RevokedReason = reason
		m.byID[id] = token
	}
	return nil
}

func (m *memTokenRepo) RevokeByUser(_ context.Context, userID, tenantID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, token := range m.byID {
		if token.UserID == userID && token.TenantID == tenantID && !token.Revoked {
			token.Revoked = true
			token.RevokedReason = reason
			m.byID[id] = token
		}
	}
	return nil
}

type memSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	ledger   []domain.RevocationEvent
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{sessions: map[string]domain.Session{}}
}

func (m *memSessionRepo) Create(_ context.Context, session domain.Session) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
	return session, nil
}

func (m *memSessionRepo) ListActive(_ context.Context, userID, tenantID string) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, session := range m.sessions {
		if session.UserID == userID && session.TenantID == tenantID && session.RevokedAt == nil {
			out = append(out, session)
		}
	}
	return out, nil
}

func (m *memSessionRepo) RevokeByUser(_ context.Context, userID, tenantID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, session := range m.sessions {
		if session.UserID == userID && session.TenantID == tenantID && session.RevokedAt == nil {
			revoked := at
			session.RevokedAt = &revoked
			m.sessions[id] = session
		}
	}
	return nil
}

func (m *memSessionRepo) RevokeByID(_ context.Context, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return repository.ErrNotFound
	}
	revoked := at
	session.RevokedAt = &revoked
	m.sessions[sessionID] = session
	return nil
}

func (m *memSessionRepo) AppendRevocationEvent(_ context.Context, event domain.RevocationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, event)
	return nil
}

func (m *memSessionRepo) LatestLogoutNotBefore(_ context.Context, userID, tenantID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, event := range m.ledger {
		if event.Type != domain.RevocationUserLogout || event.Subject != userID || event.TenantID != tenantID {
			continue
		}
		if latest == nil || event.NotBefore.After(*latest) {
			nb := event.NotBefore
			latest = &nb
		}
	}
	return latest, nil
}

type memReplayRepo struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func newMemReplayRepo() *memReplayRepo {
	return &memReplayRepo{seen: map[string]struct{}{}}
}

func (m *memReplayRepo) Insert(_ context.Context, r domain.ReplayRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.TenantID + "|" + r.JKT + "|" + r.JTI
	if _, ok := m.seen[key]; ok {
		return repository.ErrDuplicateReplay
	}
	m.seen[key] = struct{}{}
	return nil
}

func (m *memReplayRepo) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type memUserRepo struct {
	mu    sync.Mutex
	users map[string]domain.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{users: map[string]domain.User{}}
}

func (m *memUserRepo) GetByID(_ context.Context, userID string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return domain.User{}, repository.ErrNotFound
	}
	return user, nil
}

func (m *memUserRepo) Create(_ context.Context, user domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return user, nil
}

type memComplianceRepo struct {
	mu       sync.Mutex
	jobs     map[string]domain.ComplianceJob
	services map[string]map[string]domain.ComplianceJobService
}

func newMemComplianceRepo() *memComplianceRepo {
	return &memComplianceRepo{
		jobs:     map[string]domain.ComplianceJob{},
		services: map[string]map[string]domain.ComplianceJobService{},
	}
}

func (m *memComplianceRepo) CreateJob(_ context.Context, job domain.ComplianceJob) (domain.ComplianceJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.services[job.ID] = map[string]domain.ComplianceJobService{}
	return job, nil
}

func (m *memComplianceRepo) UpdateJobCallbackURL(_ context.Context, jobID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.StatusCallbackURL = url
	m.jobs[jobID] = job
	return nil
}

func (m *memComplianceRepo) GetJob(_ context.Context, jobID string) (domain.ComplianceJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ComplianceJob{}, repository.ErrNotFound
	}
	job.Services = nil
	for _, row := range m.services[jobID] {
		job.Services = append(job.Services, row)
	}
	return job, nil
}

func (m *memComplianceRepo) CreateServices(_ context.Context, rows []domain.ComplianceJobService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		m.services[row.JobID][row.ServiceName] = row
	}
	return nil
}

func (m *memComplianceRepo) GetService(_ context.Context, jobID, serviceName string) (domain.ComplianceJobService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.services[jobID][serviceName]
	if !ok {
		return domain.ComplianceJobService{}, repository.ErrNotFound
	}
	return row, nil
}

func (m *memComplianceRepo) UpdateService(_ context.Context, service domain.ComplianceJobService) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.services[service.JobID]
	if !ok {
		return repository.ErrNotFound
	}
	if _, ok := rows[service.ServiceName]; !ok {
		return repository.ErrNotFound
	}
	rows[service.ServiceName] = service
	return nil
}

func (m *memComplianceRepo) UpdateJobStatus(_ context.Context, jobID string, status domain.ComplianceJobStatus, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	job.CompletedAt = completedAt
	m.jobs[jobID] = job
	return nil
}

func (m *memComplianceRepo) MarkJobNotified(_ context.Context, jobID string, status domain.ComplianceJobStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.LastNotificationStatus = status
	notified := at
	job.LastNotifiedAt = &notified
	m.jobs[jobID] = job
	return nil
}

// ListInProgressCreatedBefore returns the job rows only, like the single
// table scan the Postgres repository runs. Callers wanting the service rows
// reload through GetJob.
func (m *memComplianceRepo) ListInProgressCreatedBefore(_ context.Context, cutoff time.Time) ([]domain.ComplianceJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ComplianceJob
	for _, job := range m.jobs {
		if job.Status == domain.ComplianceJobInProgress && !job.CreatedAt.After(cutoff) {
			job.Services = nil
			out = append(out, job)
		}
	}
	return out, nil
}
