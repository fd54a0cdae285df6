package handler

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/clients"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/config"
	httpmiddleware "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/middleware"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/keys"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
)

// AuthHandler serves the OAuth protocol endpoints.
type AuthHandler struct {
	cfg     config.Config
	tokens  *service.TokenService
	keys    *keys.Manager
	clients *clients.Registry
}

func NewAuthHandler(cfg config.Config, tokens *service.TokenService, keyManager *keys.Manager, registry *clients.Registry) *AuthHandler {
	return &AuthHandler{cfg: cfg, tokens: tokens, keys: keyManager, clients: registry}
}

func proofContext(c *gin.Context) service.ProofContext {
	return service.ProofContext{
		Proof:  c.GetHeader("DPoP"),
		Method: c.Request.Method,
		URL:    httpmiddleware.RequestURL(c),
	}
}

// PAR handles POST /oauth/par.
func (h *AuthHandler) PAR(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)

	resp, err := h.tokens.PushAuthorizationRequest(c.Request.Context(), tenantID, service.PARRequest{
		RedirectURI:         c.PostForm("redirect_uri"),
		Scope:               c.PostForm("scope"),
		State:               c.PostForm("state"),
		CodeChallenge:       c.PostForm("code_challenge"),
		CodeChallengeMethod: c.PostForm("code_challenge_method"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Authorize handles GET /authorize. The user arrives here already
// authenticated by the gateway, which forwards the subject in X-User-ID.
// Pushed requests answer with JSON; direct requests redirect back.
func (h *AuthHandler) Authorize(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)
	userID := strings.TrimSpace(c.GetHeader("X-User-ID"))

	requestURI := c.Query("request_uri")
	resp, err := h.tokens.Authorize(c.Request.Context(), tenantID, service.AuthorizeRequest{
		RequestURI:          requestURI,
		UserID:              userID,
		Scope:               c.Query("scope"),
		State:               c.Query("state"),
		RedirectURI:         c.Query("redirect_uri"),
		CodeChallenge:       c.Query("code_challenge"),
		CodeChallengeMethod: c.Query("code_challenge_method"),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	if requestURI != "" || resp.RedirectURI == "" {
		c.JSON(http.StatusOK, gin.H{"code": resp.Code, "state": resp.State})
		return
	}

	target, err := url.Parse(resp.RedirectURI)
	if err != nil {
		writeError(c, service.InvalidRequest("redirect_uri is not a valid URL"))
		return
	}
	q := target.Query()
	q.Set("code", resp.Code)
	if resp.State != "" {
		q.Set("state", resp.State)
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}

// Token handles POST /oauth/token.
func (h *AuthHandler) Token(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)
	proof := proofContext(c)

	var (
		resp *service.TokenResponse
		err  error
	)
	switch grantType := c.PostForm("grant_type"); grantType {
	case "authorization_code":
		resp, err = h.tokens.ExchangeCode(c.Request.Context(), service.CodeExchange{
			TenantID:     tenantID,
			Code:         c.PostForm("code"),
			CodeVerifier: c.PostForm("code_verifier"),
			ClientID:     c.PostForm("client_id"),
			DeviceID:     c.PostForm("device_id"),
			Proof:        proof,
		})
	case "refresh_token":
		resp, err = h.tokens.Rotate(c.Request.Context(), service.RefreshExchange{
			TenantID:     tenantID,
			RefreshToken: c.PostForm("refresh_token"),
			ClientID:     c.PostForm("client_id"),
			Proof:        proof,
		})
	case "urn:ietf:params:oauth:grant-type:device_code":
		resp, err = h.tokens.ExchangeDeviceCode(c.Request.Context(), service.DeviceExchange{
			TenantID:   tenantID,
			DeviceCode: c.PostForm("device_code"),
			ClientID:   c.PostForm("client_id"),
			Proof:      proof,
		})
	default:
		err = service.UnsupportedGrantType("grant_type " + grantType + " is not supported")
	}
	if err != nil {
		writeError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, resp)
}

// Revoke handles POST /oauth/revoke. Per RFC 7009 the response is 200
// regardless of whether the token was known.
func (h *AuthHandler) Revoke(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)
	h.tokens.Revoke(c.Request.Context(), tenantID, c.PostForm("token"))
	c.Status(http.StatusOK)
}

// Introspect handles POST /oauth/introspect, gated by a private_key_jwt
// client assertion.
func (h *AuthHandler) Introspect(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)

	if c.PostForm("client_assertion_type") != clients.AssertionType {
		writeError(c, service.InvalidClient("client_assertion_type must be "+clients.AssertionType))
		return
	}
	if _, err := h.clients.VerifyAssertion(c.PostForm("client_assertion"), httpmiddleware.RequestURL(c), time.Now()); err != nil {
		writeError(c, service.InvalidClient("client assertion failed verification"))
		return
	}

	claims, err := h.tokens.ValidateAccessToken(c.Request.Context(), tenantID, c.PostForm("token"), nil)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"active": false})
		return
	}

	resp := gin.H{
		"active":    true,
		"iss":       claims.Issuer,
		"sub":       claims.Subject,
		"jti":       claims.JTI,
		"iat":       claims.IssuedAt,
		"exp":       claims.Expiry,
		"tenant_id": claims.TenantID,
		"sid":       claims.SessionID,
		"scope":     claims.Scope,
	}
	if claims.Cnf != nil {
		resp["cnf"] = claims.Cnf
	}
	c.JSON(http.StatusOK, resp)
}

// DeviceAuthorization handles POST /oauth/device_authorization.
func (h *AuthHandler) DeviceAuthorization(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)

	resp, err := h.tokens.StartDeviceAuthorization(c.Request.Context(), tenantID,
		c.PostForm("client_id"), c.PostForm("scope"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type deviceDecision struct {
	UserCode string `json:"user_code" binding:"required"`
	Approved bool   `json:"approved"`
}

// DeviceApprove handles POST /oauth/device/approve. The deciding user
// authenticates with their own DPoP-bound token.
func (h *AuthHandler) DeviceApprove(c *gin.Context) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}

	var req deviceDecision
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, service.InvalidRequest("user_code is required"))
		return
	}
	if err := h.tokens.DecideDevice(c.Request.Context(), req.UserCode, claims.Subject, req.Approved); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *AuthHandler) JWKS(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)

	set, err := h.keys.JWKS(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, service.ServerError("could not load key set"))
		return
	}
	c.JSON(http.StatusOK, set)
}

// OpenIDConfig handles GET /.well-known/openid-configuration.
func (h *AuthHandler) OpenIDConfig(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)
	issuer := h.tokens.Issuer(tenantID)
	base := strings.TrimRight(h.cfg.IssuerBaseURL, "/")

	c.JSON(http.StatusOK, gin.H{
		"issuer":                                issuer,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"pushed_authorization_request_endpoint": base + "/oauth/par",
		"device_authorization_endpoint":         base + "/oauth/device_authorization",
		"introspection_endpoint":                base + "/oauth/introspect",
		"revocation_endpoint":                   base + "/oauth/revoke",
		"jwks_uri":                              base + "/.well-known/jwks.json?tenant_id=" + tenantID,
		"backchannel_logout_supported":          true,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token", "urn:ietf:params:oauth:grant-type:device_code"},
		"code_challenge_methods_supported":      []string{"S256", "plain"},
		"token_endpoint_auth_methods_supported": []string{"private_key_jwt"},
		"dpop_signing_alg_values_supported":     []string{"ES256", "ES384", "ES512", "RS256", "PS256", "EdDSA"},
		"id_token_signing_alg_values_supported": []string{"ES256"},
		"require_pushed_authorization_requests": false,
	})
}
