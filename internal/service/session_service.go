package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

// SessionService maintains the session ledger and its revocation
// watermarks. Revocation is append-only: a logout writes an event whose
// not_before becomes the cutoff for everything issued earlier.
type SessionService struct {
	sessions repository.SessionRepository
	tokens   repository.TokenRepository
	events   events.Publisher
	now      func() time.Time
}

func NewSessionService(sessions repository.SessionRepository, tokens repository.TokenRepository, publisher events.Publisher) *SessionService {
	return &SessionService{sessions: sessions, tokens: tokens, events: publisher, now: time.Now}
}

// RecordLogout revokes the user's sessions and refresh tokens and appends a
// USER_LOGOUT watermark. Credentials issued before the returned instant no
// longer validate anywhere in the engine.
func (s *SessionService) RecordLogout(ctx context.Context, userID, tenantID string) (time.Time, error) {
	now := s.now()
	if err := s.sessions.RevokeByUser(ctx, userID, tenantID, now); err != nil {
		return time.Time{}, err
	}
	if err := s.tokens.RevokeByUser(ctx, userID, tenantID, "user logout"); err != nil {
		return time.Time{}, err
	}
	if err := s.sessions.AppendRevocationEvent(ctx, domain.RevocationEvent{
		ID:        uuid.NewString(),
		Type:      domain.RevocationUserLogout,
		Subject:   userID,
		TenantID:  tenantID,
		NotBefore: now,
	}); err != nil {
		return time.Time{}, err
	}

	s.events.Publish(ctx, events.Event{
		Type:     events.TypeUserLogout,
		TenantID: tenantID,
		Subject:  userID,
		At:       now,
	})
	zap.L().Info("user logout recorded",
		zap.String("tenant_id", tenantID),
		zap.String("user_id", userID),
		zap.Time("not_before", now))
	return now, nil
}

// RevokeSession revokes one session and appends its event. The user's other
// sessions stay live.
func (s *SessionService) RevokeSession(ctx context.Context, sessionID, userID, tenantID string) error {
	now := s.now()
	if err := s.sessions.RevokeByID(ctx, sessionID, now); err != nil {
		return err
	}
	sid := sessionID
	if err := s.sessions.AppendRevocationEvent(ctx, domain.RevocationEvent{
		ID:        uuid.NewString(),
		Type:      domain.RevocationSessionRevoked,
		Subject:   userID,
		TenantID:  tenantID,
		SessionID: &sid,
		NotBefore: now,
	}); err != nil {
		return err
	}

	s.events.Publish(ctx, events.Event{
		Type:     events.TypeSessionRevoked,
		TenantID: tenantID,
		Subject:  userID,
		At:       now,
		Data:     map[string]any{"session_id": sessionID},
	})
	return nil
}

// ListActive returns the user's unrevoked, unexpired sessions.
func (s *SessionService) ListActive(ctx context.Context, userID, tenantID string) ([]domain.Session, error) {
	return s.sessions.ListActive(ctx, userID, tenantID)
}

// NotBefore returns the user's current logout watermark, nil when none.
func (s *SessionService) NotBefore(ctx context.Context, userID, tenantID string) (*time.Time, error) {
	return s.sessions.LatestLogoutNotBefore(ctx, userID, tenantID)
}
