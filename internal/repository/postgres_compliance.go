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

var _ ComplianceRepository = (*PostgresComplianceRepo)(nil)

// PostgresComplianceRepo implements ComplianceRepository on pgx.
type PostgresComplianceRepo struct {
	db *pgxpool.Pool
}

func NewPostgresComplianceRepo(db *pgxpool.Pool) *PostgresComplianceRepo {
	return &PostgresComplianceRepo{db: db}
}

const complianceJobColumns = `id, user_id, tenant_id, type, status, affected_services, status_callback_url,
result_callback_url, completed_at, last_notified_at, last_notification_status, created_at, updated_at`

func (r *PostgresComplianceRepo) CreateJob(ctx context.Context, job domain.ComplianceJob) (domain.ComplianceJob, error) {
	row := r.db.QueryRow(ctx, `INSERT INTO compliance_jobs (`+complianceJobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING `+complianceJobColumns,
		job.ID, job.UserID, job.TenantID, job.Type, job.Status, job.AffectedServices,
		job.StatusCallbackURL, nullable(job.ResultCallbackURL), job.CompletedAt,
		job.LastNotifiedAt, nullable(string(job.LastNotificationStatus)), job.CreatedAt, job.UpdatedAt,
	)
	created, err := scanComplianceJob(row)
	if err != nil {
		return domain.ComplianceJob{}, fmt.Errorf("insert compliance job: %w", err)
	}
	return created, nil
}

func (r *PostgresComplianceRepo) UpdateJobCallbackURL(ctx context.Context, jobID, url string) error {
	if _, err := r.db.Exec(ctx, `UPDATE compliance_jobs SET status_callback_url = $2, updated_at = now()
WHERE id = $1`, jobID, url); err != nil {
		return fmt.Errorf("update callback url: %w", err)
	}
	return nil
}

func (r *PostgresComplianceRepo) GetJob(ctx context.Context, jobID string) (domain.ComplianceJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+complianceJobColumns+` FROM compliance_jobs WHERE id = $1`, jobID)
	job, err := scanComplianceJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ComplianceJob{}, ErrNotFound
		}
		return domain.ComplianceJob{}, fmt.Errorf("get compliance job: %w", err)
	}

	rows, err := r.db.Query(ctx, `SELECT job_id, service_name, status, completed_at, error_message, metadata, created_at, updated_at
FROM compliance_job_services WHERE job_id = $1 ORDER BY service_name`, jobID)
	if err != nil {
		return domain.ComplianceJob{}, fmt.Errorf("list job services: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		service, err := scanComplianceService(rows)
		if err != nil {
			return domain.ComplianceJob{}, fmt.Errorf("scan job service: %w", err)
		}
		job.Services = append(job.Services, service)
	}
	return job, rows.Err()
}

func (r *PostgresComplianceRepo) CreateServices(ctx context.Context, services []domain.ComplianceJobService) error {
	for _, service := range services {
		if _, err := r.db.Exec(ctx, `INSERT INTO compliance_job_services (job_id, service_name, status, completed_at, error_message, metadata)
VALUES ($1, $2, $3, $4, $5, $6)`,
			service.JobID, service.ServiceName, service.Status, service.CompletedAt,
			nullable(service.ErrorMessage), service.Metadata,
		); err != nil {
			return fmt.Errorf("insert job service %s: %w", service.ServiceName, err)
		}
	}
	return nil
}

func (r *PostgresComplianceRepo) GetService(ctx context.Context, jobID, serviceName string) (domain.ComplianceJobService, error) {
	row := r.db.QueryRow(ctx, `SELECT job_id, service_name, status, completed_at, error_message, metadata, created_at, updated_at
FROM compliance_job_services WHERE job_id = $1 AND service_name = $2`, jobID, serviceName)
	service, err := scanComplianceService(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ComplianceJobService{}, ErrNotFound
		}
		return domain.ComplianceJobService{}, fmt.Errorf("get job service: %w", err)
	}
	return service, nil
}

func (r *PostgresComplianceRepo) UpdateService(ctx context.Context, service domain.ComplianceJobService) error {
	if _, err := r.db.Exec(ctx, `UPDATE compliance_job_services
SET status = $3, completed_at = $4, error_message = $5, metadata = $6, updated_at = now()
WHERE job_id = $1 AND service_name = $2`,
		service.JobID, service.ServiceName, service.Status, service.CompletedAt,
		nullable(service.ErrorMessage), service.Metadata,
	); err != nil {
		return fmt.Errorf("update job service: %w", err)
	}
	return nil
}

func (r *PostgresComplianceRepo) UpdateJobStatus(ctx context.Context, jobID string, status domain.ComplianceJobStatus, completedAt *time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE compliance_jobs
SET status = $2, completed_at = COALESCE(completed_at, $3), updated_at = now()
WHERE id = $1`, jobID, status, completedAt); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (r *PostgresComplianceRepo) MarkJobNotified(ctx context.Context, jobID string, status domain.ComplianceJobStatus, at time.Time) error {
	if _, err := r.db.Exec(ctx, `UPDATE compliance_jobs
SET last_notified_at = $3, last_notification_status = $2, updated_at = now()
WHERE id = $1`, jobID, status, at); err != nil {
		return fmt.Errorf("mark job notified: %w", err)
	}
	return nil
}

func (r *PostgresComplianceRepo) ListInProgressCreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.ComplianceJob, error) {
	rows, err := r.db.Query(ctx, `SELECT `+complianceJobColumns+` FROM compliance_jobs
WHERE status IN ('PENDING', 'IN_PROGRESS') AND created_at <= $1`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.ComplianceJob
	for rows.Next() {
		job, err := scanComplianceJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan compliance job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanComplianceJob(row pgx.Row) (domain.ComplianceJob, error) {
	var (
		job               domain.ComplianceJob
		resultCallbackURL *string
		lastStatus        *string
	)
	if err := row.Scan(
		&job.ID, &job.UserID, &job.TenantID, &job.Type, &job.Status, &job.AffectedServices,
		&job.StatusCallbackURL, &resultCallbackURL, &job.CompletedAt,
		&job.LastNotifiedAt, &lastStatus, &job.CreatedAt, &job.UpdatedAt,
	); err != nil {
		return domain.ComplianceJob{}, err
	}
	if resultCallbackURL != nil {
		job.ResultCallbackURL = *resultCallbackURL
	}
	if lastStatus != nil {
		job.LastNotificationStatus = domain.ComplianceJobStatus(*lastStatus)
	}
	return job, nil
}

func scanComplianceService(row pgx.Row) (domain.ComplianceJobService, error) {
	var (
		service  domain.ComplianceJobService
		errMsg   *string
		metadata map[string]any
	)
	if err := row.Scan(
		&service.JobID, &service.ServiceName, &service.Status, &service.CompletedAt,
		&errMsg, &metadata, &service.CreatedAt, &service.UpdatedAt,
	); err != nil {
		return domain.ComplianceJobService{}, err
	}
	if errMsg != nil {
		service.ErrorMessage = *errMsg
	}
	service.Metadata = metadata
	return service, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
