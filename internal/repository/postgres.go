package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
)

// Compile-time interface assertions.
var (
	_ KeyRepository   = (*PostgresKeyRepo)(nil)
	_ TokenRepository = (*PostgresTokenRepo)(nil)
	_ UserRepository  = (*PostgresUserRepo)(nil)
)

// PostgresKeyRepo implements KeyRepository on pgx.
type PostgresKeyRepo struct {
	db *pgxpool.Pool
}

func NewPostgresKeyRepo(db *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{db: db}
}

const signingKeyColumns = `kid, tenant_id, algorithm, public_key_pem, private_key_pem, status, created_at, rotated_at, expires_at`

func (r *PostgresKeyRepo) Create(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO signing_keys (`+signingKeyColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING `+signingKeyColumns,
		key.KID, key.TenantID, key.Algorithm, key.PublicKeyPEM, key.PrivateKeyPEM,
		key.Status, key.CreatedAt, key.RotatedAt, key.ExpiresAt,
	)
	created, err := scanSigningKey(row)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("insert signing key: %w", err)
	}
	return created, nil
}

// CreateIfNoneActive relies on the partial unique index over
// (tenant_id) WHERE status = 'ACTIVE'; concurrent lazy generation races
// collapse to a single winner and everyone reads the surviving row back.
func (r *PostgresKeyRepo) CreateIfNoneActive(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error) {
	_, err := r.db.Exec(ctx, `INSERT INTO signing_keys (`+signingKeyColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (tenant_id) WHERE status = 'ACTIVE' DO NOTHING`,
		key.KID, key.TenantID, key.Algorithm, key.PublicKeyPEM, key.PrivateKeyPEM,
		key.Status, key.CreatedAt, key.RotatedAt, key.ExpiresAt,
	)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("insert signing key: %w", err)
	}
	return r.GetActive(ctx, key.TenantID)
}

func (r *PostgresKeyRepo) GetActive(ctx context.Context, tenantID string) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
WHERE tenant_id = $1 AND status = 'ACTIVE'
ORDER BY created_at DESC LIMIT 1`, tenantID)
	key, err := scanSigningKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SigningKey{}, ErrNotFound
		}
		return domain.SigningKey{}, fmt.Errorf("get active key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) FindByKID(ctx context.Context, kid string) (domain.SigningKey, error) {
	row := r.db.QueryRow(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys WHERE kid = $1`, kid)
	key, err := scanSigningKey(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SigningKey{}, ErrNotFound
		}
		return domain.SigningKey{}, fmt.Errorf("find key: %w", err)
	}
	return key, nil
}

func (r *PostgresKeyRepo) ListByStatus(ctx context.Context, tenantID string, statuses ...domain.KeyStatus) ([]domain.SigningKey, error) {
	rows, err := r.db.Query(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
WHERE tenant_id = $1 AND status = ANY($2)
ORDER BY created_at DESC`, tenantID, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func (r *PostgresKeyRepo) ListActiveCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.SigningKey, error) {
	rows, err := r.db.Query(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
WHERE status = 'ACTIVE' AND created_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list rotatable keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func (r *PostgresKeyRepo) ListRolledOverBefore(ctx context.Context, cutoff time.Time) ([]domain.SigningKey, error) {
	rows, err := r.db.Query(ctx, `SELECT `+signingKeyColumns+` FROM signing_keys
WHERE status = 'ROLLED_OVER' AND rotated_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list expirable keys: %w", err)
	}
	defer rows.Close()
	return collectSigningKeys(rows)
}

func (r *PostgresKeyRepo) UpdateStatus(ctx context.Context, kid string, status domain.KeyStatus, at time.Time) error {
	// rotated_at marks the rollover moment; later transitions keep it.
	if _, err := r.db.Exec(ctx, `UPDATE signing_keys
SET status = $2, rotated_at = CASE WHEN $2 = 'ROLLED_OVER' THEN $3 ELSE rotated_at END
WHERE kid = $1`,
		kid, status, at); err != nil {
		return fmt.Errorf("update key status: %w", err)
	}
	return nil
}

func statusStrings(statuses []domain.KeyStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func scanSigningKey(row pgx.Row) (domain.SigningKey, error) {
	var key domain.SigningKey
	if err := row.Scan(
		&key.KID, &key.TenantID, &key.Algorithm, &key.PublicKeyPEM, &key.PrivateKeyPEM,
		&key.Status, &key.CreatedAt, &key.RotatedAt, &key.ExpiresAt,
	); err != nil {
		return domain.SigningKey{}, err
	}
	return key, nil
}

func collectSigningKeys(rows pgx.Rows) ([]domain.SigningKey, error) {
	var keys []domain.SigningKey
	for rows.Next() {
		key, err := scanSigningKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signing key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// PostgresTokenRepo implements TokenRepository on pgx.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(db *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: db}
}

const refreshTokenColumns = `id, token_hash, user_id, tenant_id, jkt, kid, jti, family_id, parent_id, replaced_by_id,
used_at, client_id, device_id, session_id, scope, expires_at, revoked, revoked_reason, created_at`

func (r *PostgresTokenRepo) Create(ctx context.Context, token domain.RefreshToken) (domain.RefreshToken, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
RETURNING `+refreshTokenColumns,
		token.ID, token.TokenHash, token.UserID, token.TenantID, token.JKT, token.KID, token.JTI,
		token.FamilyID, token.ParentID, token.ReplacedByID, token.UsedAt, token.ClientID,
		token.DeviceID, token.SessionID, token.Scope, token.ExpiresAt, token.Revoked,
		token.RevokedReason, token.CreatedAt,
	)
	created, err := scanRefreshToken(row)
	if err != nil {
		return domain.RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}
	return created, nil
}

func (r *PostgresTokenRepo) GetByHash(ctx context.Context, tokenHash string) (domain.RefreshToken, error) {
	row := r.db.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE token_hash = $1`, tokenHash)
	token, err := scanRefreshToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RefreshToken{}, ErrNotFound
		}
		return domain.RefreshToken{}, fmt.Errorf("get refresh token: %w", err)
	}
	return token, nil
}

// MarkUsed is the rotation race arbiter: the conditional update guarantees at
// most one caller observes rows-affected == 1.
func (r *PostgresTokenRepo) MarkUsed(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET used_at = $2 WHERE id = $1 AND used_at IS NULL`, id, at)
	if err != nil {
		return false, fmt.Errorf("mark token used: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresTokenRepo) LinkRotation(ctx context.Context, oldID, newID string) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("link rotation: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET replaced_by_id = $2 WHERE id = $1`, oldID, newID); err != nil {
		return fmt.Errorf("link rotation: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE refresh_tokens SET parent_id = $2 WHERE id = $1`, newID, oldID); err != nil {
		return fmt.Errorf("link rotation: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PostgresTokenRepo) RevokeFamily(ctx context.Context, familyID, reason string) error {
	if _, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2 WHERE family_id = $1`,
		familyID, reason); err != nil {
		return fmt.Errorf("revoke token family: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeByHash(ctx context.Context, tokenHash, reason string) error {
	if _, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $2 WHERE token_hash = $1`,
		tokenHash, reason); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) RevokeByUser(ctx context.Context, userID, tenantID, reason string) error {
	if _, err := r.db.Exec(ctx, `UPDATE refresh_tokens SET revoked = TRUE, revoked_reason = $3
WHERE user_id = $1 AND tenant_id = $2 AND revoked = FALSE`,
		userID, tenantID, reason); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func scanRefreshToken(row pgx.Row) (domain.RefreshToken, error) {
	var token domain.RefreshToken
	if err := row.Scan(
		&token.ID, &token.TokenHash, &token.UserID, &token.TenantID, &token.JKT, &token.KID, &token.JTI,
		&token.FamilyID, &token.ParentID, &token.ReplacedByID, &token.UsedAt, &token.ClientID,
		&token.DeviceID, &token.SessionID, &token.Scope, &token.ExpiresAt, &token.Revoked,
		&token.RevokedReason, &token.CreatedAt,
	); err != nil {
		return domain.RefreshToken{}, err
	}
	return token, nil
}

// PostgresUserRepo implements UserRepository on pgx.
type PostgresUserRepo struct {
	db *pgxpool.Pool
}

func NewPostgresUserRepo(db *pgxpool.Pool) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, userID string) (domain.User, error) {
	var user domain.User
	err := r.db.QueryRow(ctx, `SELECT id, tenant_id, email, name, status, created_at, updated_at
FROM users WHERE id = $1`, userID).Scan(
		&user.ID, &user.TenantID, &user.Email, &user.Name, &user.Status, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (r *PostgresUserRepo) Create(ctx context.Context, user domain.User) (domain.User, error) {
	err := r.db.QueryRow(ctx, `INSERT INTO users (id, tenant_id, email, name, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, tenant_id, email, name, status, created_at, updated_at`,
		user.ID, user.TenantID, user.Email, user.Name, user.Status,
	).Scan(&user.ID, &user.TenantID, &user.Email, &user.Name, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
