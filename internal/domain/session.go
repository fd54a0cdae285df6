package domain

import "time"

// Session is a logical login for a (user, device) pair. Sessions are revoked,
// never deleted, to preserve the audit trail.
type Session struct {
	ID        string
	UserID    string
	TenantID  string
	DeviceID  string
	CnfJKT    string
	IssuedAt  time.Time
	NotAfter  time.Time
	RevokedAt *time.Time
	Version   int
	CreatedAt time.Time
}

// RevocationEventType names the kind of watermark appended to the ledger.
type RevocationEventType string

const (
	RevocationUserLogout     RevocationEventType = "USER_LOGOUT"
	RevocationSessionRevoked RevocationEventType = "SESSION_REVOKED"
)

// RevocationEvent is an append-only watermark. The most recent USER_LOGOUT
// event's NotBefore is the authoritative cutoff: credentials issued before it
// are invalid even if otherwise unexpired.
type RevocationEvent struct {
	ID        string
	Type      RevocationEventType
	Subject   string
	TenantID  string
	SessionID *string
	JTI       *string
	NotBefore time.Time
	CreatedAt time.Time
}
