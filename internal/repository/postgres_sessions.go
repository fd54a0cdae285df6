package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
)

var (
	_ SessionRepository = (*PostgresSessionRepo)(nil)
	_ ReplayRepository  = (*PostgresReplayRepo)(nil)
)

// PostgresSessionRepo implements SessionRepository on pgx.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(db *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

const sessionColumns = `id, user_id, tenant_id, device_id, cnf_jkt, issued_at, not_after, revoked_at, version, created_at`

func (r *PostgresSessionRepo) Create(ctx context.Context, session domain.Session) (domain.Session, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO sessions (`+sessionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING `+sessionColumns,
		session.ID, session.UserID, session.TenantID, session.DeviceID, session.CnfJKT,
		session.IssuedAt, session.NotAfter, session.RevokedAt, session.Version, session.CreatedAt,
	)
	created, err := scanSession(row)
	if err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return created, nil
}

func (r *PostgresSessionRepo) ListActive(ctx context.Context, userID, tenantID string) ([]domain.Session, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions
WHERE user_id = $1 AND tenant_id = $2 AND revoked_at IS NULL AND not_after > now()
ORDER BY issued_at DESC`, userID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *PostgresSessionRepo) RevokeByUser(ctx context.Context, userID, tenantID string, at time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE sessions SET revoked_at = $3
WHERE user_id = $1 AND tenant_id = $2 AND revoked_at IS NULL`, userID, tenantID, at); err != nil {
		return fmt.Errorf("revoke user sessions: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) RevokeByID(ctx context.Context, sessionID string, at time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE sessions SET revoked_at = $2
WHERE id = $1 AND revoked_at IS NULL`, sessionID, at); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) AppendRevocationEvent(ctx context.Context, event domain.RevocationEvent) error {
	if _, err := r.db.Exec(ctx, `INSERT INTO revocation_events (id, type, subject, tenant_id, session_id, jti, not_before, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.Type, event.Subject, event.TenantID, event.SessionID, event.JTI,
		event.NotBefore, event.CreatedAt,
	); err != nil {
		return fmt.Errorf("append revocation event: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) LatestLogoutNotBefore(ctx context.Context, userID, tenantID string) (*time.Time, error) {
	var notBefore time.Time
	err := r.db.QueryRow(ctx, `SELECT not_before FROM revocation_events
WHERE subject = $1 AND tenant_id = $2 AND type = 'USER_LOGOUT'
ORDER BY created_at DESC LIMIT 1`, userID, tenantID).Scan(&notBefore)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get not_before: %w", err)
	}
	return &notBefore, nil
}

func scanSession(row pgx.Row) (domain.Session, error) {
	var session domain.Session
	if err := row.Scan(
		&session.ID, &session.UserID, &session.TenantID, &session.DeviceID, &session.CnfJKT,
		&session.IssuedAt, &session.NotAfter, &session.RevokedAt, &session.Version, &session.CreatedAt,
	); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// PostgresReplayRepo implements ReplayRepository on pgx. Uniqueness is owned
// by the storage layer, never by in-process locking.
type PostgresReplayRepo struct {
	db *pgxpool.Pool
}

func NewPostgresReplayRepo(db *pgxpool.Pool) *PostgresReplayRepo {
	return &PostgresReplayRepo{db: db}
}

const uniqueViolation = "23505"

func (r *PostgresReplayRepo) Insert(ctx context.Context, record domain.ReplayRecord) error {
	_, err := r.db.Exec(ctx, `INSERT INTO dpop_replay_proofs (tenant_id, jkt, jti, expires_at)
VALUES ($1, $2, $3, $4)`,
		record.TenantID, record.JKT, record.JTI, record.ExpiresAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateReplay
		}
		return fmt.Errorf("insert replay record: %w", err)
	}
	return nil
}

func (r *PostgresReplayRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM dpop_replay_proofs WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep replay records: %w", err)
	}
	return tag.RowsAffected(), nil
}
