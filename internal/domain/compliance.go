package domain

import "time"

// ComplianceJobType distinguishes data-subject-request kinds.
type ComplianceJobType string

const (
	ComplianceDataExport   ComplianceJobType = "EXPORT"
	ComplianceDataDeletion ComplianceJobType = "DELETION"
)

// ComplianceJobStatus is the aggregate state of a job. It is a pure function
// of the job's service rows: all COMPLETED => COMPLETED, any FAILED => FAILED,
// otherwise IN_PROGRESS.
type ComplianceJobStatus string

const (
	ComplianceJobPending    ComplianceJobStatus = "PENDING"
	ComplianceJobInProgress ComplianceJobStatus = "IN_PROGRESS"
	ComplianceJobCompleted  ComplianceJobStatus = "COMPLETED"
	ComplianceJobFailed     ComplianceJobStatus = "FAILED"
)

// Terminal reports whether the status accepts no further transitions.
func (s ComplianceJobStatus) Terminal() bool {
	return s == ComplianceJobCompleted || s == ComplianceJobFailed
}

// ComplianceJob coordinates a multi-service data export or deletion.
type ComplianceJob struct {
	ID                     string
	UserID                 string
	TenantID               string
	Type                   ComplianceJobType
	Status                 ComplianceJobStatus
	AffectedServices       []string
	StatusCallbackURL      string
	ResultCallbackURL      string
	CompletedAt            *time.Time
	LastNotifiedAt         *time.Time
	LastNotificationStatus ComplianceJobStatus
	CreatedAt              time.Time
	UpdatedAt              time.Time

	Services []ComplianceJobService
}

// ComplianceJobService is one participating service's progress row, unique
// per (JobID, ServiceName). Terminal rows ignore further callbacks.
type ComplianceJobService struct {
	JobID        string
	ServiceName  string
	Status       ComplianceJobStatus
	CompletedAt  *time.Time
	ErrorMessage string
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionsServiceName is the service satisfied in-process by the session
// ledger instead of an external callback.
const SessionsServiceName = "sessions-service"
