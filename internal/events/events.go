// Package events publishes security-relevant facts (logins, logouts,
// revocations, reuse detections) to downstream consumers. Publication is
// fire and forget; the flows that emit events never block on them.
package events

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	TypeSessionCreated   = "session.created"
	TypeUserLogout       = "session.logout"
	TypeSessionRevoked   = "session.revoked"
	TypeTokenReuse       = "token.reuse_detected"
	TypeComplianceStatus = "compliance.status_changed"
)

// Event is one published fact.
type Event struct {
	Type     string
	TenantID string
	Subject  string
	At       time.Time
	Data     map[string]any
}

// Publisher delivers events. Implementations must not return errors to the
// caller; delivery failures are their own problem to log.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// LogPublisher writes events to the process log. It stands in for a real
// broker in single-node deployments.
type LogPublisher struct{}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{}
}

func (p *LogPublisher) Publish(_ context.Context, event Event) {
	fields := []zap.Field{
		zap.String("event_type", event.Type),
		zap.String("tenant_id", event.TenantID),
		zap.String("subject", event.Subject),
		zap.Time("at", event.At),
	}
	if len(event.Data) > 0 {
		fields = append(fields, zap.Any("data", event.Data))
	}
	zap.L().Info("security event", fields...)
}
