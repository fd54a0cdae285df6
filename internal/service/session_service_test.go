package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
)

func newSessionFixture() (*SessionService, *memSessionRepo, *memTokenRepo) {
	repo := newMemSessionRepo()
	tokenRepo := newMemTokenRepo()
	return NewSessionService(repo, tokenRepo, events.NewLogPublisher()), repo, tokenRepo
}

func TestRecordLogoutRevokesAllSessions(t *testing.T) {
	svc, repo, tokenRepo := newSessionFixture()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		_, err := repo.Create(ctx, domain.Session{ID: id, UserID: "user-1", TenantID: "tenant-1"})
		require.NoError(t, err)
	}
	_, err := tokenRepo.Create(ctx, domain.RefreshToken{
		ID: "rt1", TokenHash: "hash-1", UserID: "user-1", TenantID: "tenant-1", FamilyID: "fam-1",
	})
	require.NoError(t, err)

	notBefore, err := svc.RecordLogout(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.False(t, notBefore.IsZero())

	// Logout also revokes the user's refresh token rows, not just the
	// watermark.
	record, err := tokenRepo.GetByHash(ctx, "hash-1")
	require.NoError(t, err)
	require.True(t, record.Revoked)

	active, err := svc.ListActive(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Empty(t, active)

	nb, err := svc.NotBefore(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.NotNil(t, nb)
	require.Equal(t, notBefore, *nb)
}

func TestLatestLogoutWins(t *testing.T) {
	svc, _, _ := newSessionFixture()
	ctx := context.Background()

	first, err := svc.RecordLogout(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	second, err := svc.RecordLogout(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, second.After(first) || second.Equal(first))

	nb, err := svc.NotBefore(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Equal(t, second, *nb)
}

func TestRevokeSessionLeavesOthersActive(t *testing.T) {
	svc, repo, _ := newSessionFixture()
	ctx := context.Background()

	for _, id := range []string{"s1", "s2"} {
		_, err := repo.Create(ctx, domain.Session{ID: id, UserID: "user-1", TenantID: "tenant-1"})
		require.NoError(t, err)
	}

	require.NoError(t, svc.RevokeSession(ctx, "s1", "user-1", "tenant-1"))

	active, err := svc.ListActive(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "s2", active[0].ID)

	// A single-session revocation must not move the logout watermark.
	nb, err := svc.NotBefore(ctx, "user-1", "tenant-1")
	require.NoError(t, err)
	require.Nil(t, nb)
}
