package dpop

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/require"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

type memReplayRepo struct {
	seen map[string]time.Time
}

func newMemReplayRepo() *memReplayRepo {
	return &memReplayRepo{seen: map[string]time.Time{}}
}

func (m *memReplayRepo) Insert(_ context.Context, r domain.ReplayRecord) error {
	key := r.TenantID + "|" + r.JKT + "|" + r.JTI
	if _, ok := m.seen[key]; ok {
		return repository.ErrDuplicateReplay
	}
	m.seen[key] = r.ExpiresAt
	return nil
}

func (m *memReplayRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var deleted int64
	for key, expiresAt := range m.seen {
		if !expiresAt.After(now) {
			delete(m.seen, key)
			deleted++
		}
	}
	return deleted, nil
}

type proofParams struct {
	htm string
	htu string
	jti string
	iat time.Time
	ath string
}

func signProof(t *testing.T, key *ecdsa.PrivateKey, p proofParams) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{EmbedJWK: true}).WithType("dpop+jwt"),
	)
	require.NoError(t, err)

	claims := map[string]any{
		"htm": p.htm,
		"htu": p.htu,
		"jti": p.jti,
		"iat": p.iat.Unix(),
	}
	if p.ath != "" {
		claims["ath"] = p.ath
	}
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)
	return compact
}

func newTestKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func TestVerifyAcceptsValidProof(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token",
		jti: "jti-1",
		iat: time.Now(),
	})

	res, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.NoError(t, err)
	require.Equal(t, "jti-1", res.JTI)
	require.NotEmpty(t, res.JKT)
}

func TestVerifyIgnoresHTUQueryString(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token?foo=bar",
		jti: "jti-1",
		iat: time.Now(),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token?other=1", Options{})
	require.NoError(t, err)
}

func TestVerifyRejectsWrongMethod(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "GET",
		htu: "https://auth.example.com/oauth/token",
		jti: "jti-1",
		iat: time.Now(),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrInvalidHTM)
}

func TestVerifyRejectsWrongURL(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/revoke",
		jti: "jti-1",
		iat: time.Now(),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrInvalidHTU)
}

func TestVerifyRejectsMissingJTI(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token",
		iat: time.Now(),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrMissingJTI)
}

func TestVerifyRejectsStaleIAT(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token",
		jti: "jti-1",
		iat: time.Now().Add(-time.Minute),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrExpiredProof)
}

func TestVerifyRejectsReplayedJTI(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	mint := func() string {
		return signProof(t, key, proofParams{
			htm: "POST",
			htu: "https://auth.example.com/oauth/token",
			jti: "jti-1",
			iat: time.Now(),
		})
	}

	_, err := v.Verify(context.Background(), "tenant-1", mint(), "POST", "https://auth.example.com/oauth/token", Options{})
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "tenant-1", mint(), "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrReplayDetected)
}

func TestSweepReplaysDropsExpiredRecords(t *testing.T) {
	key := newTestKey(t)
	replays := newMemReplayRepo()
	v := NewVerifier(replays, 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token",
		jti: "jti-1",
		iat: time.Now(),
	})
	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{})
	require.NoError(t, err)
	require.Len(t, replays.seen, 1)

	// Within the retention window nothing is swept.
	v.SweepReplays(context.Background())
	require.Len(t, replays.seen, 1)

	v.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	v.SweepReplays(context.Background())
	require.Empty(t, replays.seen)
}

func TestVerifyRejectsMismatchedBoundKey(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	proof := signProof(t, key, proofParams{
		htm: "POST",
		htu: "https://auth.example.com/oauth/token",
		jti: "jti-1",
		iat: time.Now(),
	})

	_, err := v.Verify(context.Background(), "tenant-1", proof, "POST", "https://auth.example.com/oauth/token", Options{
		BoundJKT: "some-other-thumbprint",
	})
	require.ErrorIs(t, err, ErrKeyMismatch)
}

func TestVerifyRejectsUnsignedTyp(t *testing.T) {
	key := newTestKey(t)
	v := NewVerifier(newMemReplayRepo(), 5*time.Second, 10*time.Minute)

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{EmbedJWK: true}).WithType("JWT"),
	)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{"htm": "POST", "jti": "x", "iat": time.Now().Unix()})
	require.NoError(t, err)
	jws, err := signer.Sign(payload)
	require.NoError(t, err)
	compact, err := jws.CompactSerialize()
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), "tenant-1", compact, "POST", "https://auth.example.com/oauth/token", Options{})
	require.ErrorIs(t, err, ErrInvalidProof)
}
