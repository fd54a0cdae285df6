package domain

import "time"

// ReplayRecord pins a DPoP proof identifier for the life of its TTL window.
// The (TenantID, JKT, JTI) triple is unique; a failed insert on that
// constraint is the replay signal.
type ReplayRecord struct {
	TenantID  string
	JKT       string
	JTI       string
	ExpiresAt time.Time
}
