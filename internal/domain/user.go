package domain

import "time"

// User represents an end user that can authenticate within a tenant.
type User struct {
	ID        string
	TenantID  string
	Email     string
	Name      string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}
