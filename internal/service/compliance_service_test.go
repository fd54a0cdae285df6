package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
)

func newComplianceFixture(t *testing.T) (*ComplianceService, *memComplianceRepo, *memSessionRepo) {
	t.Helper()
	cfg := testConfig()
	cfg.ComplianceCallbackBaseURL = "http://identity-service:8080/privacy/jobs"
	cfg.ComplianceTimeout = 72 * time.Hour

	complianceRepo := newMemComplianceRepo()
	sessionRepo := newMemSessionRepo()
	userRepo := newMemUserRepo()
	_, err := userRepo.Create(context.Background(), domain.User{ID: "user-1", TenantID: "tenant-1", Email: "user-1@example.com"})
	require.NoError(t, err)

	publisher := events.NewLogPublisher()
	sessions := NewSessionService(sessionRepo, newMemTokenRepo(), publisher)
	svc := NewComplianceService(cfg, complianceRepo, userRepo, sessions, publisher)
	return svc, complianceRepo, sessionRepo
}

func TestCreateJobRejectsUnknownDataSubject(t *testing.T) {
	svc, _, _ := newComplianceFixture(t)

	_, err := svc.CreateJob(context.Background(), CreateJobRequest{
		UserID:           "nobody",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataExport,
		AffectedServices: []string{"documents-service"},
	})
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestCreateJobSeedsServicesAndCompletesSessionsShare(t *testing.T) {
	svc, _, sessionRepo := newComplianceFixture(t)
	ctx := context.Background()

	_, err := sessionRepo.Create(ctx, domain.Session{ID: "s1", UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataDeletion,
		AffectedServices: []string{"documents-service", "payments-service", domain.SessionsServiceName},
	})
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobInProgress, job.Status)
	require.Len(t, job.Services, 3)
	require.Contains(t, job.StatusCallbackURL, job.ID)

	byName := map[string]domain.ComplianceJobService{}
	for _, row := range job.Services {
		byName[row.ServiceName] = row
	}
	require.Equal(t, domain.ComplianceJobCompleted, byName[domain.SessionsServiceName].Status)
	require.Equal(t, domain.ComplianceJobPending, byName["documents-service"].Status)

	// The deletion revoked the user's sessions via the logout watermark.
	active, err := sessionRepo.ListActive(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Empty(t, active)
	nb, err := sessionRepo.LatestLogoutNotBefore(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, nb)
}

func TestCreateJobRejectsEmptyServiceSet(t *testing.T) {
	svc, _, _ := newComplianceFixture(t)

	_, err := svc.CreateJob(context.Background(), CreateJobRequest{
		UserID:   "user-1",
		TenantID: "tenant-1",
		Type:     domain.ComplianceDataExport,
	})
	require.ErrorIs(t, err, ErrNoServices)
}

func TestDeletionJobScopedAwayFromSessionsLeavesThemAlive(t *testing.T) {
	svc, _, sessionRepo := newComplianceFixture(t)
	ctx := context.Background()

	_, err := sessionRepo.Create(ctx, domain.Session{ID: "s1", UserID: "user-1", TenantID: "tenant-1"})
	require.NoError(t, err)

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataDeletion,
		AffectedServices: []string{"governance-service"},
	})
	require.NoError(t, err)
	require.Len(t, job.Services, 1)
	require.Equal(t, "governance-service", job.Services[0].ServiceName)

	// The session ledger was not named, so nothing is revoked and no
	// watermark is written.
	active, err := sessionRepo.ListActive(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	nb, err := sessionRepo.LatestLogoutNotBefore(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Nil(t, nb)
}

func TestCallbacksDriveAggregateStatus(t *testing.T) {
	svc, _, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataExport,
		AffectedServices: []string{"documents-service", "payments-service"},
	})
	require.NoError(t, err)

	job, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobCompleted, "", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobInProgress, job.Status)

	job, err = svc.HandleCallback(ctx, job.ID, "payments-service", domain.ComplianceJobCompleted, "", map[string]any{"records": 12})
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
}

func TestAnyFailedServiceFailsTheJob(t *testing.T) {
	svc, _, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataDeletion,
		AffectedServices: []string{"documents-service", "payments-service"},
	})
	require.NoError(t, err)

	job, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobFailed, "storage unavailable", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobFailed, job.Status)
}

func TestTerminalCallbacksAreIdempotent(t *testing.T) {
	svc, repo, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataExport,
		AffectedServices: []string{"documents-service"},
	})
	require.NoError(t, err)

	_, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobCompleted, "", nil)
	require.NoError(t, err)

	// The second, contradictory callback must not flip the terminal row.
	job, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobFailed, "late failure", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobCompleted, job.Status)

	row, err := repo.GetService(ctx, job.ID, "documents-service")
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobCompleted, row.Status)
	require.Empty(t, row.ErrorMessage)
}

func TestCallbackValidation(t *testing.T) {
	svc, _, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataExport,
		AffectedServices: []string{"documents-service"},
	})
	require.NoError(t, err)

	_, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobInProgress, "", nil)
	require.ErrorIs(t, err, ErrInvalidStatus)

	_, err = svc.HandleCallback(ctx, job.ID, "unknown-service", domain.ComplianceJobCompleted, "", nil)
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestWebhookNotifiedOncePerStatus(t *testing.T) {
	var calls []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		calls = append(calls, body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	svc, _, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:            "user-1",
		TenantID:          "tenant-1",
		Type:              domain.ComplianceDataExport,
		AffectedServices:  []string{"documents-service"},
		ResultCallbackURL: server.URL,
	})
	require.NoError(t, err)

	job, err = svc.HandleCallback(ctx, job.ID, "documents-service", domain.ComplianceJobCompleted, "", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobCompleted, job.Status)

	require.Len(t, calls, 1)
	require.Equal(t, "COMPLETED", calls[0]["status"])
	require.Equal(t, job.ID, calls[0]["job_id"])
}

func TestSweepStaleFailsOverdueJobs(t *testing.T) {
	svc, repo, _ := newComplianceFixture(t)
	ctx := context.Background()

	job, err := svc.CreateJob(ctx, CreateJobRequest{
		UserID:           "user-1",
		TenantID:         "tenant-1",
		Type:             domain.ComplianceDataExport,
		AffectedServices: []string{"documents-service", domain.SessionsServiceName},
	})
	require.NoError(t, err)

	// Age the job past the timeout window.
	repo.mu.Lock()
	aged := repo.jobs[job.ID]
	aged.CreatedAt = time.Now().Add(-73 * time.Hour)
	repo.jobs[job.ID] = aged
	repo.mu.Unlock()

	svc.SweepStale(ctx)

	job, err = svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobFailed, job.Status)

	row, err := repo.GetService(ctx, job.ID, "documents-service")
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobFailed, row.Status)
	require.Equal(t, "callback timeout", row.ErrorMessage)

	// Rows that finished in time keep their result.
	sessionsRow, err := repo.GetService(ctx, job.ID, domain.SessionsServiceName)
	require.NoError(t, err)
	require.Equal(t, domain.ComplianceJobCompleted, sessionsRow.Status)
}

func TestAggregateStatus(t *testing.T) {
	mk := func(statuses ...domain.ComplianceJobStatus) []domain.ComplianceJobService {
		rows := make([]domain.ComplianceJobService, len(statuses))
		for i, s := range statuses {
			rows[i] = domain.ComplianceJobService{Status: s}
		}
		return rows
	}

	require.Equal(t, domain.ComplianceJobInProgress, AggregateStatus(nil))
	require.Equal(t, domain.ComplianceJobCompleted,
		AggregateStatus(mk(domain.ComplianceJobCompleted, domain.ComplianceJobCompleted)))
	require.Equal(t, domain.ComplianceJobFailed,
		AggregateStatus(mk(domain.ComplianceJobCompleted, domain.ComplianceJobFailed)))
	require.Equal(t, domain.ComplianceJobInProgress,
		AggregateStatus(mk(domain.ComplianceJobCompleted, domain.ComplianceJobPending)))
}
