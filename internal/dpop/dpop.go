// Package dpop verifies DPoP proof JWTs and binds requests to the
// presented public key via its JWK thumbprint.
package dpop

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
)

var (
	ErrInvalidProof   = errors.New("dpop: proof is not a valid signed JWT")
	ErrInvalidHTM     = errors.New("dpop: htm does not match the request method")
	ErrInvalidHTU     = errors.New("dpop: htu does not match the request URL")
	ErrMissingJTI     = errors.New("dpop: proof has no jti")
	ErrExpiredProof   = errors.New("dpop: iat outside the accepted window")
	ErrReplayDetected = errors.New("dpop: jti already seen for this key")
	ErrKeyMismatch    = errors.New("dpop: proof key does not match the bound thumbprint")
)

// skewCeiling is the hard upper bound on the configured iat window.
const skewCeiling = 10 * time.Second

var allowedAlgorithms = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.RS256, jose.PS256, jose.EdDSA,
}

type proofClaims struct {
	HTM string `json:"htm"`
	HTU string `json:"htu"`
	JTI string `json:"jti"`
	IAT int64  `json:"iat"`
	ATH string `json:"ath,omitempty"`
}

// Proof is the result of a successful verification.
type Proof struct {
	JKT string
	JTI string
	IAT time.Time
}

// Options constrain a verification beyond the method/URL binding.
type Options struct {
	// BoundJKT, when set, requires the proof key's thumbprint to equal it.
	BoundJKT string
	// AccessToken, when set, requires an ath claim hashing it.
	AccessToken string
}

// Verifier checks DPoP proofs and records their jti values so a proof
// cannot be presented twice within the record window.
type Verifier struct {
	replays repository.ReplayRepository
	maxSkew time.Duration
	jtiTTL  time.Duration
	now     func() time.Time
}

func NewVerifier(replays repository.ReplayRepository, maxSkew, jtiTTL time.Duration) *Verifier {
	if maxSkew <= 0 || maxSkew > skewCeiling {
		maxSkew = skewCeiling
	}
	return &Verifier{replays: replays, maxSkew: maxSkew, jtiTTL: jtiTTL, now: time.Now}
}

// SweepReplays deletes replay records whose retention window has passed. A
// swept jti is acceptable again; the iat window already rejects proofs that
// old.
func (v *Verifier) SweepReplays(ctx context.Context) {
	deleted, err := v.replays.DeleteExpired(ctx, v.now())
	if err != nil {
		zap.L().Error("sweep replay records", zap.Error(err))
		return
	}
	if deleted > 0 {
		zap.L().Debug("swept replay records", zap.Int64("deleted", deleted))
	}
}

// Run sweeps on a ticker until the context is canceled.
func (v *Verifier) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.SweepReplays(ctx)
		}
	}
}

// Verify validates the compact proof against the request method and URL,
// then registers the jti. Checks run in a fixed order so a failure reveals
// nothing about later fields: htm, htu, jti, iat, replay.
func (v *Verifier) Verify(ctx context.Context, tenantID, proof, method, requestURL string, opts Options) (*Proof, error) {
	jws, err := jose.ParseSigned(proof, allowedAlgorithms)
	if err != nil {
		return nil, ErrInvalidProof
	}
	if len(jws.Signatures) != 1 {
		return nil, ErrInvalidProof
	}
	header := jws.Signatures[0].Protected
	if typ, _ := header.ExtraHeaders[jose.HeaderType].(string); typ != "dpop+jwt" {
		return nil, ErrInvalidProof
	}
	key := header.JSONWebKey
	if key == nil || !key.IsPublic() || !key.Valid() {
		return nil, ErrInvalidProof
	}

	payload, err := jws.Verify(key)
	if err != nil {
		return nil, ErrInvalidProof
	}
	var claims proofClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalidProof
	}

	if claims.HTM != method {
		return nil, ErrInvalidHTM
	}
	if !htuMatches(claims.HTU, requestURL) {
		return nil, ErrInvalidHTU
	}
	if claims.JTI == "" {
		return nil, ErrMissingJTI
	}

	now := v.now()
	iat := time.Unix(claims.IAT, 0)
	if claims.IAT == 0 || now.Sub(iat) > v.maxSkew || iat.Sub(now) > v.maxSkew {
		return nil, ErrExpiredProof
	}

	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, ErrInvalidProof
	}
	jkt := base64.RawURLEncoding.EncodeToString(thumb)

	if opts.BoundJKT != "" && opts.BoundJKT != jkt {
		return nil, ErrKeyMismatch
	}
	if opts.AccessToken != "" {
		sum := sha256.Sum256([]byte(opts.AccessToken))
		if claims.ATH != base64.RawURLEncoding.EncodeToString(sum[:]) {
			return nil, ErrInvalidProof
		}
	}

	record := domain.ReplayRecord{
		TenantID:  tenantID,
		JKT:       jkt,
		JTI:       claims.JTI,
		ExpiresAt: now.Add(v.jtiTTL),
	}
	if err := v.replays.Insert(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateReplay) {
			return nil, ErrReplayDetected
		}
		return nil, fmt.Errorf("record dpop jti: %w", err)
	}

	return &Proof{JKT: jkt, JTI: claims.JTI, IAT: iat}, nil
}

// htuMatches compares scheme, host and path only. Query strings and
// fragments on either side are ignored.
func htuMatches(htu, requestURL string) bool {
	a, err := url.Parse(htu)
	if err != nil {
		return false
	}
	b, err := url.Parse(requestURL)
	if err != nil {
		return false
	}
	return a.Scheme == b.Scheme && a.Host == b.Host && a.Path == b.Path
}

// Thumbprint computes the base64url SHA-256 JWK thumbprint of a public key,
// the value carried in cnf.jkt on issued tokens.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	thumb, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("compute jwk thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumb), nil
}
