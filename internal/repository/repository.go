package repository

import (
	"context"
	"errors"
	"time"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
)

// ErrDuplicateReplay is returned when a replay record insert hits the
// (tenant_id, jkt, jti) uniqueness constraint. The conflict is the signal.
var ErrDuplicateReplay = errors.New("replay record already exists")

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("record not found")

// KeyRepository persists tenant signing keys.
type KeyRepository interface {
	// CreateIfNoneActive inserts the key unless the tenant already has an
	// ACTIVE key, and returns whichever key is ACTIVE afterwards. The
	// insert-if-absent must be atomic at the storage layer.
	CreateIfNoneActive(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)
	GetActive(ctx context.Context, tenantID string) (domain.SigningKey, error)
	FindByKID(ctx context.Context, kid string) (domain.SigningKey, error)
	ListByStatus(ctx context.Context, tenantID string, statuses ...domain.KeyStatus) ([]domain.SigningKey, error)
	ListActiveCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.SigningKey, error)
	ListRolledOverBefore(ctx context.Context, cutoff time.Time) ([]domain.SigningKey, error)
	UpdateStatus(ctx context.Context, kid string, status domain.KeyStatus, at time.Time) error
}

// TokenRepository persists refresh token records (hashes only).
type TokenRepository interface {
	Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error)
	GetByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error)
	// MarkUsed sets used_at only when it is still null. The boolean reports
	// whether this caller won; a false result means a concurrent rotation
	// already consumed the token.
	MarkUsed(ctx context.Context, id string, at time.Time) (bool, error)
	LinkRotation(ctx context.Context, oldID, newID string) error
	RevokeFamily(ctx context.Context, familyID, reason string) error
	RevokeByHash(ctx context.Context, tokenHash, reason string) error
	RevokeByUser(ctx context.Context, userID, tenantID, reason string) error
}

// SessionRepository persists sessions and the revocation event ledger.
type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) (domain.Session, error)
	ListActive(ctx context.Context, userID, tenantID string) ([]domain.Session, error)
	RevokeByUser(ctx context.Context, userID, tenantID string, at time.Time) error
	RevokeByID(ctx context.Context, sessionID string, at time.Time) error
	AppendRevocationEvent(ctx context.Context, event domain.RevocationEvent) error
	// LatestLogoutNotBefore returns the not_before of the most recent
	// USER_LOGOUT event for the subject, or nil when no logout occurred.
	LatestLogoutNotBefore(ctx context.Context, userID, tenantID string) (*time.Time, error)
}

// ReplayRepository persists DPoP proof identifiers for replay detection.
type ReplayRepository interface {
	// Insert fails with ErrDuplicateReplay when the (tenant_id, jkt, jti)
	// triple was already recorded inside its TTL window.
	Insert(ctx context.Context, record domain.ReplayRecord) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// UserRepository loads end users.
type UserRepository interface {
	GetByID(ctx context.Context, userID string) (domain.User, error)
	Create(ctx context.Context, user domain.User) (domain.User, error)
}

// ComplianceRepository persists compliance jobs and their per-service rows.
type ComplianceRepository interface {
	CreateJob(ctx context.Context, job domain.ComplianceJob) (domain.ComplianceJob, error)
	UpdateJobCallbackURL(ctx context.Context, jobID, url string) error
	GetJob(ctx context.Context, jobID string) (domain.ComplianceJob, error)
	CreateServices(ctx context.Context, services []domain.ComplianceJobService) error
	GetService(ctx context.Context, jobID, serviceName string) (domain.ComplianceJobService, error)
	UpdateService(ctx context.Context, service domain.ComplianceJobService) error
	UpdateJobStatus(ctx context.Context, jobID string, status domain.ComplianceJobStatus, completedAt *time.Time) error
	MarkJobNotified(ctx context.Context, jobID string, status domain.ComplianceJobStatus, at time.Time) error
	ListInProgressCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.ComplianceJob, error)
}
