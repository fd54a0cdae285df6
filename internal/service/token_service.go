package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/config"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/domain"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/dpop"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/events"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/keys"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/repository"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/store"
)

const requestURIPrefix = "urn:ietf:params:oauth:request_uri:"

var accessTokenAlgorithms = []jose.SignatureAlgorithm{jose.ES256}

// Cnf is the proof-of-possession confirmation claim.
type Cnf struct {
	JKT string `json:"jkt"`
}

// AccessClaims is the payload of issued access tokens.
type AccessClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	JTI       string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	Expiry    int64  `json:"exp"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"sid,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Cnf       *Cnf   `json:"cnf,omitempty"`
}

type refreshClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	JTI       string `json:"jti"`
	IssuedAt  int64  `json:"iat"`
	Expiry    int64  `json:"exp"`
	TenantID  string `json:"tenant_id"`
	SessionID string `json:"sid"`
	FamilyID  string `json:"fam"`
	Cnf       *Cnf   `json:"cnf"`
}

// ProofContext carries the raw DPoP proof plus the request it must bind to.
type ProofContext struct {
	Proof  string
	Method string
	URL    string
}

// TokenResponse is the token endpoint success body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// PARRequest is a pushed authorization request.
type PARRequest struct {
	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// PARResponse points the client at its stored request.
type PARResponse struct {
	RequestURI string `json:"request_uri"`
	ExpiresIn  int    `json:"expires_in"`
}

// AuthorizeRequest resolves a pushed request (or direct parameters) into an
// authorization code for the given authenticated user.
type AuthorizeRequest struct {
	RequestURI          string
	UserID              string
	Scope               string
	State               string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeResponse carries the issued code back to the redirect target.
type AuthorizeResponse struct {
	Code        string
	State       string
	RedirectURI string
}

// CodeExchange is a grant_type=authorization_code token request.
type CodeExchange struct {
	TenantID     string
	Code         string
	CodeVerifier string
	ClientID     string
	DeviceID     string
	Proof        ProofContext
}

// RefreshExchange is a grant_type=refresh_token token request.
type RefreshExchange struct {
	TenantID     string
	RefreshToken string
	ClientID     string
	Proof        ProofContext
}

// DeviceExchange is a device_code grant token request.
type DeviceExchange struct {
	TenantID   string
	DeviceCode string
	ClientID   string
	Proof      ProofContext
}

// DeviceAuthorizationResponse is the device authorization endpoint body.
type DeviceAuthorizationResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// TokenService implements the OAuth flows: PAR, authorization code with
// PKCE, refresh rotation, the device grant, revocation and validation.
// Every token it issues is sender-constrained to a DPoP key.
type TokenService struct {
	cfg      config.Config
	keys     *keys.Manager
	proofs   *dpop.Verifier
	tokens   repository.TokenRepository
	sessions repository.SessionRepository
	users    repository.UserRepository
	par      *store.ParStore
	codes    *store.CodeStore
	devices  *store.DeviceCodeStore
	events   events.Publisher
	now      func() time.Time
}

func NewTokenService(
	cfg config.Config,
	keyManager *keys.Manager,
	proofs *dpop.Verifier,
	tokens repository.TokenRepository,
	sessions repository.SessionRepository,
	users repository.UserRepository,
	par *store.ParStore,
	codes *store.CodeStore,
	devices *store.DeviceCodeStore,
	publisher events.Publisher,
) *TokenService {
	return &TokenService{
		cfg:      cfg,
		keys:     keyManager,
		proofs:   proofs,
		tokens:   tokens,
		sessions: sessions,
		users:    users,
		par:      par,
		codes:    codes,
		devices:  devices,
		events:   publisher,
		now:      time.Now,
	}
}

// Issuer is the tenant-scoped issuer identifier.
func (s *TokenService) Issuer(tenantID string) string {
	return strings.TrimRight(s.cfg.IssuerBaseURL, "/") + "/t/" + tenantID
}

// PushAuthorizationRequest stores the request parameters and returns a
// single-use request_uri.
func (s *TokenService) PushAuthorizationRequest(_ context.Context, tenantID string, req PARRequest) (PARResponse, error) {
	if req.RedirectURI == "" {
		return PARResponse{}, InvalidRequest("redirect_uri is required")
	}
	if req.CodeChallenge == "" {
		return PARResponse{}, InvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != "S256" && req.CodeChallengeMethod != "plain" {
		return PARResponse{}, InvalidRequest("code_challenge_method must be S256 or plain")
	}

	requestURI := requestURIPrefix + randomHex(32)
	s.par.Put(requestURI, store.ParPayload{
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}, s.cfg.ParRequestTTL)

	zap.L().Debug("pushed authorization request stored",
		zap.String("tenant_id", tenantID),
		zap.String("request_uri", requestURI))

	return PARResponse{RequestURI: requestURI, ExpiresIn: int(s.cfg.ParRequestTTL.Seconds())}, nil
}

// Authorize issues an authorization code for an authenticated user, consuming
// the pushed request when one is referenced.
func (s *TokenService) Authorize(_ context.Context, tenantID string, req AuthorizeRequest) (AuthorizeResponse, error) {
	if req.UserID == "" {
		return AuthorizeResponse{}, InvalidRequest("user is not authenticated")
	}

	challenge := req.CodeChallenge
	method := req.CodeChallengeMethod
	scope := req.Scope
	state := req.State
	redirectURI := req.RedirectURI

	if req.RequestURI != "" {
		payload, ok := s.par.Take(req.RequestURI)
		if !ok {
			return AuthorizeResponse{}, InvalidRequest("request_uri is unknown or expired")
		}
		challenge = payload.CodeChallenge
		method = payload.CodeChallengeMethod
		scope = payload.Scope
		state = payload.State
		redirectURI = payload.RedirectURI
	}
	if challenge == "" {
		return AuthorizeResponse{}, InvalidRequest("code_challenge is required")
	}

	code := randomHex(32)
	s.codes.Put(code, store.CodePayload{
		UserID:              req.UserID,
		TenantID:            tenantID,
		Scope:               scope,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
	}, s.cfg.AuthCodeTTL)

	return AuthorizeResponse{Code: code, State: state, RedirectURI: redirectURI}, nil
}

// ExchangeCode redeems an authorization code. The DPoP proof is checked
// before the code or verifier is looked at, so a bad proof yields a 401
// without revealing whether the code would have been accepted.
func (s *TokenService) ExchangeCode(ctx context.Context, req CodeExchange) (*TokenResponse, error) {
	proof, err := s.verifyProof(ctx, req.TenantID, req.Proof, dpop.Options{})
	if err != nil {
		return nil, err
	}

	payload, ok := s.codes.Take(req.Code)
	if !ok {
		return nil, InvalidGrant("authorization code is invalid or expired")
	}
	if payload.TenantID != req.TenantID {
		return nil, InvalidGrant("authorization code is invalid or expired")
	}
	if err := verifyPKCE(payload.CodeChallenge, payload.CodeChallengeMethod, req.CodeVerifier); err != nil {
		return nil, err
	}

	if _, err := s.users.GetByID(ctx, payload.UserID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, NotFound("user not found")
		}
		return nil, ServerError("could not load user")
	}

	return s.issue(ctx, issueParams{
		tenantID: req.TenantID,
		userID:   payload.UserID,
		scope:    payload.Scope,
		jkt:      proof.JKT,
		clientID: req.ClientID,
		deviceID: req.DeviceID,
	})
}

// Rotate redeems a refresh token and replaces it within its family. A token
// presented twice marks the whole family compromised.
func (s *TokenService) Rotate(ctx context.Context, req RefreshExchange) (*TokenResponse, error) {
	proof, err := s.verifyProof(ctx, req.TenantID, req.Proof, dpop.Options{})
	if err != nil {
		return nil, err
	}

	record, err := s.tokens.GetByHash(ctx, hashToken(req.RefreshToken))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, InvalidGrant("refresh token is not recognized")
		}
		return nil, ServerError("could not load refresh token")
	}
	if record.TenantID != req.TenantID {
		return nil, InvalidGrant("refresh token is not recognized")
	}
	if record.JKT != proof.JKT {
		return nil, InvalidGrant("proof key does not match the token binding")
	}

	now := s.now()
	if record.Revoked {
		return nil, InvalidGrant("refresh token has been revoked")
	}
	if record.Expired(now) {
		return nil, UnauthorizedGrant("refresh token is expired")
	}
	if record.UsedAt != nil {
		return nil, s.handleReuse(ctx, record)
	}

	notBefore, err := s.sessions.LatestLogoutNotBefore(ctx, record.UserID, record.TenantID)
	if err != nil {
		return nil, ServerError("could not evaluate revocation watermark")
	}
	if notBefore != nil && record.CreatedAt.Before(*notBefore) {
		return nil, InvalidGrant("refresh token was issued before the last logout")
	}

	won, err := s.tokens.MarkUsed(ctx, record.ID, now)
	if err != nil {
		return nil, ServerError("could not consume refresh token")
	}
	if !won {
		// Lost the race to a concurrent rotation of the same token.
		return nil, s.handleReuse(ctx, record)
	}

	resp, newID, err := s.issueWithRecord(ctx, issueParams{
		tenantID:  record.TenantID,
		userID:    record.UserID,
		scope:     record.Scope,
		jkt:       proof.JKT,
		clientID:  record.ClientID,
		deviceID:  record.DeviceID,
		sessionID: record.SessionID,
		familyID:  record.FamilyID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.tokens.LinkRotation(ctx, record.ID, newID); err != nil {
		zap.L().Error("link refresh rotation", zap.String("old_id", record.ID), zap.Error(err))
	}
	return resp, nil
}

func (s *TokenService) handleReuse(ctx context.Context, record domain.RefreshToken) error {
	if err := s.tokens.RevokeFamily(ctx, record.FamilyID, "refresh token reuse detected"); err != nil {
		zap.L().Error("revoke token family", zap.String("family_id", record.FamilyID), zap.Error(err))
	}
	s.events.Publish(ctx, events.Event{
		Type:     events.TypeTokenReuse,
		TenantID: record.TenantID,
		Subject:  record.UserID,
		At:       s.now(),
		Data:     map[string]any{"family_id": record.FamilyID},
	})
	zap.L().Warn("refresh token reuse detected",
		zap.String("tenant_id", record.TenantID),
		zap.String("family_id", record.FamilyID))
	return UnauthorizedGrant("refresh token reuse detected")
}

// StartDeviceAuthorization begins the device grant for a secondary device.
func (s *TokenService) StartDeviceAuthorization(_ context.Context, tenantID, clientID, scope string) (DeviceAuthorizationResponse, error) {
	deviceCode := randomHex(32)
	userCode := strings.ToUpper(randomHex(4))

	s.devices.Put(deviceCode, store.DeviceCodePayload{
		UserCode: userCode,
		TenantID: tenantID,
		ClientID: clientID,
		Scope:    scope,
		Status:   store.DeviceCodePending,
	}, s.cfg.DeviceCodeTTL)

	return DeviceAuthorizationResponse{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: s.Issuer(tenantID) + "/device",
		ExpiresIn:       int(s.cfg.DeviceCodeTTL.Seconds()),
		Interval:        5,
	}, nil
}

// DecideDevice records the user's approval or denial for a user_code.
func (s *TokenService) DecideDevice(_ context.Context, userCode, userID string, approved bool) error {
	status := store.DeviceCodeDenied
	if approved {
		status = store.DeviceCodeApproved
	}
	if !s.devices.UpdateStatusByUserCode(strings.ToUpper(userCode), status, userID) {
		return InvalidRequest("user_code is unknown or expired")
	}
	return nil
}

// ExchangeDeviceCode polls the device grant. Pending grants answer
// authorization_pending until the user decides.
func (s *TokenService) ExchangeDeviceCode(ctx context.Context, req DeviceExchange) (*TokenResponse, error) {
	proof, err := s.verifyProof(ctx, req.TenantID, req.Proof, dpop.Options{})
	if err != nil {
		return nil, err
	}

	payload, ok := s.devices.Get(req.DeviceCode)
	if !ok || payload.TenantID != req.TenantID {
		return nil, InvalidGrant("device code is invalid or expired")
	}
	switch payload.Status {
	case store.DeviceCodePending:
		return nil, AuthorizationPending()
	case store.DeviceCodeDenied:
		s.devices.Take(req.DeviceCode)
		return nil, AccessDenied("the user denied the request")
	}

	payload, ok = s.devices.Take(req.DeviceCode)
	if !ok {
		return nil, InvalidGrant("device code is invalid or expired")
	}

	return s.issue(ctx, issueParams{
		tenantID: req.TenantID,
		userID:   payload.UserID,
		scope:    payload.Scope,
		jkt:      proof.JKT,
		clientID: req.ClientID,
	})
}

// Revoke invalidates a presented refresh token. It deliberately reports
// nothing about whether the token existed.
func (s *TokenService) Revoke(ctx context.Context, tenantID, token string) {
	if token == "" {
		return
	}
	if err := s.tokens.RevokeByHash(ctx, hashToken(token), "revoked by client"); err != nil {
		zap.L().Error("revoke token", zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// ValidateAccessToken verifies signature, expiry, the logout watermark and,
// when a proof is supplied, the sender-constraint binding.
func (s *TokenService) ValidateAccessToken(ctx context.Context, tenantID, token string, proof *ProofContext) (*AccessClaims, error) {
	jws, err := jose.ParseSigned(token, accessTokenAlgorithms)
	if err != nil {
		return nil, InvalidToken("token is not a valid JWT")
	}
	if len(jws.Signatures) != 1 {
		return nil, InvalidToken("token is not a valid JWT")
	}

	kid := jws.Signatures[0].Protected.KeyID
	key, err := s.keys.FindVerificationKey(ctx, kid)
	if err != nil {
		return nil, InvalidToken("token signing key is unknown or retired")
	}
	jwk, err := keys.PublicJWK(key)
	if err != nil {
		return nil, ServerError("could not load verification key")
	}
	payload, err := jws.Verify(jwk)
	if err != nil {
		return nil, InvalidToken("token signature is invalid")
	}

	var claims AccessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, InvalidToken("token payload is malformed")
	}

	now := s.now()
	if now.After(time.Unix(claims.Expiry, 0)) {
		return nil, InvalidToken("token is expired")
	}
	if claims.TenantID != tenantID || claims.Issuer != s.Issuer(tenantID) || claims.Audience != s.Issuer(tenantID) {
		return nil, InvalidToken("token was issued for another tenant")
	}

	if proof != nil {
		boundJKT := ""
		if claims.Cnf != nil {
			boundJKT = claims.Cnf.JKT
		}
		if _, err := s.proofs.Verify(ctx, tenantID, proof.Proof, proof.Method, proof.URL, dpop.Options{
			BoundJKT:    boundJKT,
			AccessToken: token,
		}); err != nil {
			return nil, mapProofError(err)
		}
	}

	notBefore, err := s.sessions.LatestLogoutNotBefore(ctx, claims.Subject, tenantID)
	if err != nil {
		return nil, ServerError("could not evaluate revocation watermark")
	}
	if notBefore != nil && time.Unix(claims.IssuedAt, 0).Before(*notBefore) {
		return nil, InvalidToken("token was issued before the last logout")
	}

	return &claims, nil
}

type issueParams struct {
	tenantID  string
	userID    string
	scope     string
	jkt       string
	clientID  string
	deviceID  string
	sessionID string
	familyID  string
}

func (s *TokenService) issue(ctx context.Context, p issueParams) (*TokenResponse, error) {
	resp, _, err := s.issueWithRecord(ctx, p)
	return resp, err
}

func (s *TokenService) issueWithRecord(ctx context.Context, p issueParams) (*TokenResponse, string, error) {
	key, err := s.keys.ActiveKey(ctx, p.tenantID)
	if err != nil {
		return nil, "", ServerError("could not obtain signing key")
	}
	priv, err := keys.PrivateKey(key)
	if err != nil {
		return nil, "", ServerError("could not load signing key")
	}

	now := s.now()
	sessionID := p.sessionID
	if sessionID == "" {
		session, err := s.sessions.Create(ctx, domain.Session{
			ID:       uuid.NewString(),
			UserID:   p.userID,
			TenantID: p.tenantID,
			DeviceID: p.deviceID,
			CnfJKT:   p.jkt,
			IssuedAt: now,
			NotAfter: now.Add(s.cfg.RefreshTokenTTL),
			Version:  1,
		})
		if err != nil {
			return nil, "", ServerError("could not create session")
		}
		sessionID = session.ID
		s.events.Publish(ctx, events.Event{
			Type:     events.TypeSessionCreated,
			TenantID: p.tenantID,
			Subject:  p.userID,
			At:       now,
			Data:     map[string]any{"session_id": sessionID},
		})
	}

	familyID := p.familyID
	if familyID == "" {
		familyID = uuid.NewString()
	}

	accessJTI := uuid.NewString()
	accessToken, err := signClaims(priv, key.KID, "at+jwt", AccessClaims{
		Issuer:    s.Issuer(p.tenantID),
		Subject:   p.userID,
		Audience:  s.Issuer(p.tenantID),
		JTI:       accessJTI,
		IssuedAt:  now.Unix(),
		Expiry:    now.Add(s.cfg.AccessTokenTTL).Unix(),
		TenantID:  p.tenantID,
		SessionID: sessionID,
		Scope:     p.scope,
		Cnf:       &Cnf{JKT: p.jkt},
	})
	if err != nil {
		return nil, "", ServerError("could not sign access token")
	}

	refreshJTI := uuid.NewString()
	refreshExpiry := now.Add(s.cfg.RefreshTokenTTL)
	refreshToken, err := signClaims(priv, key.KID, "rt+jwt", refreshClaims{
		Issuer:    s.Issuer(p.tenantID),
		Subject:   p.userID,
		JTI:       refreshJTI,
		IssuedAt:  now.Unix(),
		Expiry:    refreshExpiry.Unix(),
		TenantID:  p.tenantID,
		SessionID: sessionID,
		FamilyID:  familyID,
		Cnf:       &Cnf{JKT: p.jkt},
	})
	if err != nil {
		return nil, "", ServerError("could not sign refresh token")
	}

	record, err := s.tokens.Create(ctx, domain.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: hashToken(refreshToken),
		UserID:    p.userID,
		TenantID:  p.tenantID,
		JKT:       p.jkt,
		KID:       key.KID,
		JTI:       refreshJTI,
		FamilyID:  familyID,
		ClientID:  p.clientID,
		DeviceID:  p.deviceID,
		SessionID: sessionID,
		Scope:     p.scope,
		ExpiresAt: refreshExpiry,
		CreatedAt: now,
	})
	if err != nil {
		return nil, "", ServerError("could not persist refresh token")
	}

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "DPoP",
		ExpiresIn:    int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        p.scope,
	}, record.ID, nil
}

func (s *TokenService) verifyProof(ctx context.Context, tenantID string, pc ProofContext, opts dpop.Options) (*dpop.Proof, error) {
	if pc.Proof == "" {
		return nil, InvalidDPoPProof("DPoP proof is required")
	}
	proof, err := s.proofs.Verify(ctx, tenantID, pc.Proof, pc.Method, pc.URL, opts)
	if err != nil {
		return nil, mapProofError(err)
	}
	return proof, nil
}

func mapProofError(err error) error {
	switch {
	case errors.Is(err, dpop.ErrInvalidHTM),
		errors.Is(err, dpop.ErrInvalidHTU),
		errors.Is(err, dpop.ErrMissingJTI),
		errors.Is(err, dpop.ErrExpiredProof),
		errors.Is(err, dpop.ErrReplayDetected),
		errors.Is(err, dpop.ErrKeyMismatch),
		errors.Is(err, dpop.ErrInvalidProof):
		return InvalidDPoPProof(strings.TrimPrefix(err.Error(), "dpop: "))
	default:
		return ServerError("could not verify DPoP proof")
	}
}

func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return InvalidGrant("code_verifier is required")
	}
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived := base64.RawURLEncoding.EncodeToString(sum[:])
		if subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) != 1 {
			return UnauthorizedGrant("code_verifier does not match the challenge")
		}
	case "plain":
		if subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) != 1 {
			return UnauthorizedGrant("code_verifier does not match the challenge")
		}
	default:
		return InvalidGrant("unsupported code_challenge_method")
	}
	return nil
}

func signClaims(key any, kid, typ string, claims any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType(jose.ContentType(typ)).WithHeader("kid", kid),
	)
	if err != nil {
		return "", fmt.Errorf("build signer: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return jws.CompactSerialize()
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the platform entropy source is broken.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
