package domain

import "time"

// KeyStatus tracks the lifecycle state of a tenant signing key.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "ACTIVE"
	KeyStatusRolledOver KeyStatus = "ROLLED_OVER"
	KeyStatusExpired    KeyStatus = "EXPIRED"
)

// SigningKey stores per-tenant asymmetric key material. Private material never
// leaves this process; JWKS views expose the public half only. Expiry is a
// status transition, keys are never deleted.
type SigningKey struct {
	KID           string
	TenantID      string
	Algorithm     string
	PublicKeyPEM  string
	PrivateKeyPEM string
	Status        KeyStatus
	CreatedAt     time.Time
	RotatedAt     *time.Time
	ExpiresAt     time.Time
}
