package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	jose "github.com/go-jose/go-jose/v4"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/authz"
	httpmiddleware "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/middleware"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/keys"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
)

const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// SessionHandler serves session listing, logout and per-session revocation.
type SessionHandler struct {
	sessions *service.SessionService
	keys     *keys.Manager
}

func NewSessionHandler(sessions *service.SessionService, keyManager *keys.Manager) *SessionHandler {
	return &SessionHandler{sessions: sessions, keys: keyManager}
}

type sessionView struct {
	ID       string    `json:"id"`
	DeviceID string    `json:"device_id,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
	NotAfter time.Time `json:"not_after"`
}

// List handles GET /sessions. Without a user_id parameter it lists the
// caller's own sessions; listing someone else's requires the admin role.
func (h *SessionHandler) List(c *gin.Context) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}
	tenantID, _ := httpmiddleware.GetTenantID(c)

	target := c.Query("user_id")
	if target == "" {
		target = claims.Subject
	}
	resource := authz.Resource{Kind: authz.ResourceSession, TenantID: tenantID, OwnerID: target}
	if !authz.Allowed(subjectOf(claims), authz.ActionSessionList, resource) {
		writeError(c, service.AccessDenied("not allowed to list these sessions"))
		return
	}

	sessions, err := h.sessions.ListActive(c.Request.Context(), target, tenantID)
	if err != nil {
		writeError(c, service.ServerError("could not list sessions"))
		return
	}
	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionView{ID: s.ID, DeviceID: s.DeviceID, IssuedAt: s.IssuedAt, NotAfter: s.NotAfter})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": views})
}

// Logout handles POST /sessions/logout: the caller's global logout.
func (h *SessionHandler) Logout(c *gin.Context) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}
	tenantID, _ := httpmiddleware.GetTenantID(c)

	notBefore, err := h.sessions.RecordLogout(c.Request.Context(), claims.Subject, tenantID)
	if err != nil {
		writeError(c, service.ServerError("could not record logout"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"not_before": notBefore.UTC().Format(time.RFC3339)})
}

// Revoke handles DELETE /sessions/:id.
func (h *SessionHandler) Revoke(c *gin.Context) {
	claims, ok := httpmiddleware.GetAccessClaims(c)
	if !ok {
		writeError(c, service.InvalidToken("authentication required"))
		return
	}
	tenantID, _ := httpmiddleware.GetTenantID(c)

	target := c.Query("user_id")
	if target == "" {
		target = claims.Subject
	}
	resource := authz.Resource{Kind: authz.ResourceSession, TenantID: tenantID, OwnerID: target}
	if !authz.Allowed(subjectOf(claims), authz.ActionSessionRevoke, resource) {
		writeError(c, service.AccessDenied("not allowed to revoke this session"))
		return
	}

	if err := h.sessions.RevokeSession(c.Request.Context(), c.Param("id"), target, tenantID); err != nil {
		writeError(c, service.InvalidRequest("session is unknown"))
		return
	}
	c.Status(http.StatusNoContent)
}

type logoutTokenClaims struct {
	Subject  string                    `json:"sub"`
	TenantID string                    `json:"tenant_id"`
	Events   map[string]map[string]any `json:"events"`
}

// BackchannelLogout handles POST /oauth/backchannel-logout. The logout
// token must be signed by one of this engine's own tenant keys and carry
// the back-channel logout event claim.
func (h *SessionHandler) BackchannelLogout(c *gin.Context) {
	tenantID, _ := httpmiddleware.GetTenantID(c)

	raw := c.PostForm("logout_token")
	if raw == "" {
		writeError(c, service.InvalidRequest("logout_token is required"))
		return
	}
	jws, err := jose.ParseSigned(raw, []jose.SignatureAlgorithm{jose.ES256})
	if err != nil || len(jws.Signatures) != 1 {
		writeError(c, service.InvalidRequest("logout_token is not a valid JWT"))
		return
	}
	key, err := h.keys.FindVerificationKey(c.Request.Context(), jws.Signatures[0].Protected.KeyID)
	if err != nil || key.TenantID != tenantID {
		writeError(c, service.InvalidRequest("logout_token signing key is unknown"))
		return
	}
	jwk, err := keys.PublicJWK(key)
	if err != nil {
		writeError(c, service.ServerError("could not load verification key"))
		return
	}
	payload, err := jws.Verify(jwk)
	if err != nil {
		writeError(c, service.InvalidRequest("logout_token signature is invalid"))
		return
	}

	var claims logoutTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		writeError(c, service.InvalidRequest("logout_token payload is malformed"))
		return
	}
	if _, ok := claims.Events[backchannelLogoutEvent]; !ok || claims.Subject == "" {
		writeError(c, service.InvalidRequest("logout_token is missing the logout event"))
		return
	}

	if _, err := h.sessions.RecordLogout(c.Request.Context(), claims.Subject, tenantID); err != nil {
		writeError(c, service.ServerError("could not record logout"))
		return
	}
	c.Status(http.StatusOK)
}
