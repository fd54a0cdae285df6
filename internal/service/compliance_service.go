package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/config"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

var (
	ErrJobNotFound     = errors.New("compliance job not found")
	ErrServiceNotFound = errors.New("service does not participate in this job")
	ErrInvalidStatus   = errors.New("callback status must be COMPLETED or FAILED")
	ErrUnknownUser     = errors.New("unknown data subject")
	ErrNoServices      = errors.New("at least one affected service is required")
)

// staleReason is recorded on service rows failed by the timeout sweep.
const staleReason = "callback timeout"

// ComplianceService orchestrates data export and deletion jobs across
// participating services. The session ledger participates in-process; the
// rest report back through signed callbacks.
type ComplianceService struct {
	cfg      config.Config
	repo     repository.ComplianceRepository
	users    repository.UserRepository
	sessions *SessionService
	events   events.Publisher
	client   *http.Client
	now      func() time.Time
}

func NewComplianceService(cfg config.Config, repo repository.ComplianceRepository, users repository.UserRepository, sessions *SessionService, publisher events.Publisher) *ComplianceService {
	return &ComplianceService{
		cfg:      cfg,
		repo:     repo,
		users:    users,
		sessions: sessions,
		events:   publisher,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
	}
}

// CreateJobRequest describes a data subject request.
type CreateJobRequest struct {
	UserID            string
	TenantID          string
	Type              domain.ComplianceJobType
	AffectedServices  []string
	ResultCallbackURL string
}

// CreateJob opens a job and seeds one row per participating service. When
// the caller names the session ledger, its share completes in-process
// before the job is returned.
func (s *ComplianceService) CreateJob(ctx context.Context, req CreateJobRequest) (domain.ComplianceJob, error) {
	if len(req.AffectedServices) == 0 {
		return domain.ComplianceJob{}, ErrNoServices
	}
	if _, err := s.users.GetByID(ctx, req.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ComplianceJob{}, ErrUnknownUser
		}
		return domain.ComplianceJob{}, fmt.Errorf("load data subject: %w", err)
	}

	now := s.now()
	serviceNames := slices.Clone(req.AffectedServices)
	sessionsAffected := slices.Contains(serviceNames, domain.SessionsServiceName)

	job, err := s.repo.CreateJob(ctx, domain.ComplianceJob{
		ID:                uuid.NewString(),
		UserID:            req.UserID,
		TenantID:          req.TenantID,
		Type:              req.Type,
		Status:            domain.ComplianceJobInProgress,
		AffectedServices:  serviceNames,
		ResultCallbackURL: req.ResultCallbackURL,
		CreatedAt:         now,
	})
	if err != nil {
		return domain.ComplianceJob{}, fmt.Errorf("create compliance job: %w", err)
	}

	statusCallbackURL := s.cfg.ComplianceCallbackBaseURL + "/" + job.ID + "/callbacks"
	if err := s.repo.UpdateJobCallbackURL(ctx, job.ID, statusCallbackURL); err != nil {
		return domain.ComplianceJob{}, fmt.Errorf("set job callback url: %w", err)
	}

	rows := make([]domain.ComplianceJobService, 0, len(serviceNames))
	for _, name := range serviceNames {
		status := domain.ComplianceJobPending
		if name == domain.SessionsServiceName {
			status = domain.ComplianceJobInProgress
		}
		rows = append(rows, domain.ComplianceJobService{
			JobID:       job.ID,
			ServiceName: name,
			Status:      status,
		})
	}
	if err := s.repo.CreateServices(ctx, rows); err != nil {
		return domain.ComplianceJob{}, fmt.Errorf("create job services: %w", err)
	}

	if sessionsAffected {
		if err := s.completeSessionsShare(ctx, job); err != nil {
			zap.L().Error("complete sessions share", zap.String("job_id", job.ID), zap.Error(err))
		}
	}

	return s.recompute(ctx, job.ID)
}

// completeSessionsShare performs the session ledger's part of the job: a
// deletion revokes everything via the logout watermark, an export snapshots
// the active sessions. Either way the row completes without a callback.
func (s *ComplianceService) completeSessionsShare(ctx context.Context, job domain.ComplianceJob) error {
	now := s.now()
	metadata := map[string]any{}

	switch job.Type {
	case domain.ComplianceDataDeletion:
		notBefore, err := s.sessions.RecordLogout(ctx, job.UserID, job.TenantID)
		if err != nil {
			return err
		}
		metadata["revoked_not_before"] = notBefore.UTC().Format(time.RFC3339)
	case domain.ComplianceDataExport:
		active, err := s.sessions.ListActive(ctx, job.UserID, job.TenantID)
		if err != nil {
			return err
		}
		metadata["active_sessions"] = len(active)
	}

	return s.repo.UpdateService(ctx, domain.ComplianceJobService{
		JobID:       job.ID,
		ServiceName: domain.SessionsServiceName,
		Status:      domain.ComplianceJobCompleted,
		CompletedAt: &now,
		Metadata:    metadata,
	})
}

// HandleCallback records one service's terminal report. Repeated callbacks
// for a service that already reached a terminal state change nothing.
func (s *ComplianceService) HandleCallback(ctx context.Context, jobID, serviceName string, status domain.ComplianceJobStatus, errorMessage string, metadata map[string]any) (domain.ComplianceJob, error) {
	if !status.Terminal() {
		return domain.ComplianceJob{}, ErrInvalidStatus
	}

	row, err := s.repo.GetService(ctx, jobID, serviceName)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ComplianceJob{}, ErrServiceNotFound
		}
		return domain.ComplianceJob{}, err
	}
	if row.Status.Terminal() {
		return s.repo.GetJob(ctx, jobID)
	}

	now := s.now()
	row.Status = status
	row.CompletedAt = &now
	row.ErrorMessage = errorMessage
	row.Metadata = metadata
	if err := s.repo.UpdateService(ctx, row); err != nil {
		return domain.ComplianceJob{}, err
	}

	return s.recompute(ctx, jobID)
}

// GetJob loads a job with its service rows.
func (s *ComplianceService) GetJob(ctx context.Context, jobID string) (domain.ComplianceJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ComplianceJob{}, ErrJobNotFound
		}
		return domain.ComplianceJob{}, err
	}
	return job, nil
}

// recompute derives the aggregate status from the service rows and, when it
// moved, persists it and notifies the requester.
func (s *ComplianceService) recompute(ctx context.Context, jobID string) (domain.ComplianceJob, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.ComplianceJob{}, err
	}

	status := AggregateStatus(job.Services)
	if status == job.Status {
		return job, nil
	}

	var completedAt *time.Time
	if status.Terminal() {
		now := s.now()
		completedAt = &now
	}
	if err := s.repo.UpdateJobStatus(ctx, job.ID, status, completedAt); err != nil {
		return domain.ComplianceJob{}, err
	}
	job.Status = status
	job.CompletedAt = completedAt

	s.events.Publish(ctx, events.Event{
		Type:     events.TypeComplianceStatus,
		TenantID: job.TenantID,
		Subject:  job.UserID,
		At:       s.now(),
		Data:     map[string]any{"job_id": job.ID, "status": string(status)},
	})
	s.notify(ctx, job)

	return job, nil
}

// notify posts the job status to the requester's webhook. Delivery is best
// effort and never repeated for a status already acknowledged.
func (s *ComplianceService) notify(ctx context.Context, job domain.ComplianceJob) {
	if job.ResultCallbackURL == "" || job.LastNotificationStatus == job.Status {
		return
	}

	body, err := json.Marshal(map[string]any{
		"job_id":       job.ID,
		"type":         string(job.Type),
		"status":       string(job.Status),
		"completed_at": job.CompletedAt,
	})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.ResultCallbackURL, bytes.NewReader(body))
	if err != nil {
		zap.L().Error("build status webhook", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		zap.L().Warn("status webhook delivery failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		zap.L().Warn("status webhook rejected",
			zap.String("job_id", job.ID),
			zap.Int("status_code", resp.StatusCode))
		return
	}

	if err := s.repo.MarkJobNotified(ctx, job.ID, job.Status, s.now()); err != nil {
		zap.L().Error("mark job notified", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// SweepStale fails jobs whose callbacks never arrived within the timeout
// window. A failure on one job does not stop the sweep.
func (s *ComplianceService) SweepStale(ctx context.Context) {
	cutoff := s.now().Add(-s.cfg.ComplianceTimeout)
	jobs, err := s.repo.ListInProgressCreatedBefore(ctx, cutoff)
	if err != nil {
		zap.L().Error("list stale compliance jobs", zap.Error(err))
		return
	}

	for _, stale := range jobs {
		// The listing carries the jobs only; reload to get the service rows.
		job, err := s.repo.GetJob(ctx, stale.ID)
		if err != nil {
			zap.L().Error("load stale compliance job", zap.String("job_id", stale.ID), zap.Error(err))
			continue
		}
		now := s.now()
		for _, row := range job.Services {
			if row.Status.Terminal() {
				continue
			}
			row.Status = domain.ComplianceJobFailed
			row.CompletedAt = &now
			row.ErrorMessage = staleReason
			if err := s.repo.UpdateService(ctx, row); err != nil {
				zap.L().Error("fail stale job service",
					zap.String("job_id", job.ID),
					zap.String("service", row.ServiceName),
					zap.Error(err))
			}
		}
		if _, err := s.recompute(ctx, job.ID); err != nil {
			zap.L().Error("finalize stale job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		zap.L().Warn("compliance job timed out", zap.String("job_id", job.ID))
	}
}

// Run sweeps stale jobs hourly until the context is cancelled.
func (s *ComplianceService) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepStale(ctx)
		}
	}
}

// AggregateStatus derives a job's status from its service rows: any FAILED
// row fails the job, all COMPLETED completes it, anything else is still in
// progress.
func AggregateStatus(services []domain.ComplianceJobService) domain.ComplianceJobStatus {
	if len(services) == 0 {
		return domain.ComplianceJobInProgress
	}
	completed := 0
	for _, row := range services {
		switch row.Status {
		case domain.ComplianceJobFailed:
			return domain.ComplianceJobFailed
		case domain.ComplianceJobCompleted:
			completed++
		}
	}
	if completed == len(services) {
		return domain.ComplianceJobCompleted
	}
	return domain.ComplianceJobInProgress
}
