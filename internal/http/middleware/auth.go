package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
)

const accessClaimsKey = "accessClaims"

// Auth validates DPoP-bound access tokens and attaches their claims.
type Auth struct {
	Tokens *service.TokenService
}

// ValidateDPoP requires an `Authorization: DPoP <token>` header plus a DPoP
// proof header bound to this request. Both must verify together.
func (m *Auth) ValidateDPoP(c *gin.Context) {
	tenantID, ok := GetTenantID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":             "invalid_request",
			"error_description": "Tenant could not be determined.",
		})
		return
	}

	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "DPoP") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "DPoP-bound access token required.",
		})
		return
	}

	proof := &service.ProofContext{
		Proof:  c.GetHeader("DPoP"),
		Method: c.Request.Method,
		URL:    RequestURL(c),
	}
	claims, err := m.Tokens.ValidateAccessToken(c.Request.Context(), tenantID, parts[1], proof)
	if err != nil {
		var oauthErr *service.OAuthError
		if errors.As(err, &oauthErr) {
			c.AbortWithStatusJSON(oauthErr.Status, oauthErr)
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
		return
	}

	c.Set(accessClaimsKey, claims)
	c.Next()
}

// GetAccessClaims exposes the validated access token claims to handlers.
func GetAccessClaims(c *gin.Context) (*service.AccessClaims, bool) {
	value, ok := c.Get(accessClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := value.(*service.AccessClaims)
	return claims, ok
}
