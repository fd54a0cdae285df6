// Package keys owns the tenant signing key lifecycle: lazy provisioning,
// JWKS publication and the rotation schedule.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

const signingAlgorithm = "ES256"

// Manager hands out the current signing key per tenant, creating one on
// first use. Concurrent first uses are resolved by the storage layer, so
// every caller ends up holding the same key.
type Manager struct {
	repo     repository.KeyRepository
	lifetime time.Duration
	now      func() time.Time
}

// NewManager builds a manager whose freshly generated keys carry an
// expires_at of rotationAge plus expiryGrace from creation.
func NewManager(repo repository.KeyRepository, rotationAge, expiryGrace time.Duration) *Manager {
	return &Manager{repo: repo, lifetime: rotationAge + expiryGrace, now: time.Now}
}

// ActiveKey returns the tenant's ACTIVE signing key, generating and
// registering one when none exists yet.
func (m *Manager) ActiveKey(ctx context.Context, tenantID string) (domain.SigningKey, error) {
	key, err := m.repo.GetActive(ctx, tenantID)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.SigningKey{}, err
	}

	candidate, err := m.generateKey(tenantID)
	if err != nil {
		return domain.SigningKey{}, err
	}
	return m.repo.CreateIfNoneActive(ctx, candidate)
}

// FindVerificationKey resolves a kid to a key that is still valid for
// verifying signatures. EXPIRED keys verify nothing.
func (m *Manager) FindVerificationKey(ctx context.Context, kid string) (domain.SigningKey, error) {
	key, err := m.repo.FindByKID(ctx, kid)
	if err != nil {
		return domain.SigningKey{}, err
	}
	if key.Status == domain.KeyStatusExpired {
		return domain.SigningKey{}, repository.ErrNotFound
	}
	return key, nil
}

// JWKS returns the tenant's public key set. ACTIVE and ROLLED_OVER keys are
// published so tokens signed before a rotation keep verifying; EXPIRED keys
// are withheld.
func (m *Manager) JWKS(ctx context.Context, tenantID string) (jose.JSONWebKeySet, error) {
	keys, err := m.repo.ListByStatus(ctx, tenantID, domain.KeyStatusActive, domain.KeyStatusRolledOver)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, key := range keys {
		jwk, err := PublicJWK(key)
		if err != nil {
			return jose.JSONWebKeySet{}, err
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set, nil
}

func (m *Manager) generateKey(tenantID string) (domain.SigningKey, error) {
	now := m.now()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate signing key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("encode private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("encode public key: %w", err)
	}
	return domain.SigningKey{
		KID:           uuid.NewString(),
		TenantID:      tenantID,
		Algorithm:     signingAlgorithm,
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})),
		Status:        domain.KeyStatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(m.lifetime),
	}, nil
}

// PrivateKey decodes the stored PEM into the signing key.
func PrivateKey(key domain.SigningKey) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(key.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("key %s: no PEM block in private key", key.KID)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("key %s: parse private key: %w", key.KID, err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s: private key is not ECDSA", key.KID)
	}
	return priv, nil
}

// PublicJWK builds the public JWK for the stored key.
func PublicJWK(key domain.SigningKey) (jose.JSONWebKey, error) {
	block, _ := pem.Decode([]byte(key.PublicKeyPEM))
	if block == nil {
		return jose.JSONWebKey{}, fmt.Errorf("key %s: no PEM block in public key", key.KID)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return jose.JSONWebKey{}, fmt.Errorf("key %s: parse public key: %w", key.KID, err)
	}
	return jose.JSONWebKey{
		Key:       pub,
		KeyID:     key.KID,
		Algorithm: key.Algorithm,
		Use:       "sig",
	}, nil
}
