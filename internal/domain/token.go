package domain

import "time"

// RefreshToken persists the hash of an issued refresh token plus its
// proof-of-possession binding. The raw token is never stored.
//
// FamilyID groups the causal chain produced by successive rotations; revoking
// a family revokes every member regardless of individual state. A token whose
// UsedAt is set must never validate again.
type RefreshToken struct {
	ID            string
	TokenHash     string
	UserID        string
	TenantID      string
	JKT           string
	KID           string
	JTI           string
	FamilyID      string
	ParentID      *string
	ReplacedByID  *string
	UsedAt        *time.Time
	ClientID      string
	DeviceID      string
	SessionID     string
	Scope         string
	ExpiresAt     time.Time
	Revoked       bool
	RevokedReason string
	CreatedAt     time.Time
}

// Expired reports whether the token is past its expiry at the given instant.
func (t RefreshToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
