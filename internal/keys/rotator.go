package keys

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

// Rotator ages signing keys through their lifecycle on a fixed schedule.
// A failure on one key is logged and the sweep moves on; one tenant's bad
// key must not stall rotation for everyone else.
type Rotator struct {
	repo        repository.KeyRepository
	manager     *Manager
	rotationAge time.Duration
	expiryGrace time.Duration
	interval    time.Duration
	now         func() time.Time
}

func NewRotator(repo repository.KeyRepository, manager *Manager, rotationAge, expiryGrace, interval time.Duration) *Rotator {
	return &Rotator{
		repo:        repo,
		manager:     manager,
		rotationAge: rotationAge,
		expiryGrace: expiryGrace,
		interval:    interval,
		now:         time.Now,
	}
}

// Run sweeps until the context is cancelled.
func (r *Rotator) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one rotation pass: ACTIVE keys past the rotation age are rolled
// over and replaced, then ROLLED_OVER keys past the grace window are expired.
func (r *Rotator) Sweep(ctx context.Context) {
	now := r.now()

	rotatable, err := r.repo.ListActiveCreatedBefore(ctx, now.Add(-r.rotationAge))
	if err != nil {
		zap.L().Error("list rotatable signing keys", zap.Error(err))
	}
	for _, key := range rotatable {
		if err := r.rotate(ctx, key, now); err != nil {
			zap.L().Error("rotate signing key",
				zap.String("kid", key.KID),
				zap.String("tenant_id", key.TenantID),
				zap.Error(err))
			continue
		}
		zap.L().Info("signing key rolled over",
			zap.String("kid", key.KID),
			zap.String("tenant_id", key.TenantID))
	}

	expirable, err := r.repo.ListRolledOverBefore(ctx, now.Add(-r.expiryGrace))
	if err != nil {
		zap.L().Error("list expirable signing keys", zap.Error(err))
	}
	for _, key := range expirable {
		if err := r.repo.UpdateStatus(ctx, key.KID, domain.KeyStatusExpired, now); err != nil {
			zap.L().Error("expire signing key", zap.String("kid", key.KID), zap.Error(err))
			continue
		}
		zap.L().Info("signing key expired",
			zap.String("kid", key.KID),
			zap.String("tenant_id", key.TenantID))
	}
}

func (r *Rotator) rotate(ctx context.Context, key domain.SigningKey, now time.Time) error {
	if err := r.repo.UpdateStatus(ctx, key.KID, domain.KeyStatusRolledOver, now); err != nil {
		return err
	}
	// Provision the successor immediately so token issuance never waits on
	// a lazy first-use generation.
	_, err := r.manager.ActiveKey(ctx, key.TenantID)
	return err
}
