// Package handler implements the HTTP endpoints of the authorization
// engine on gin.
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/authz"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/service"
)

// writeError renders protocol errors in the standard OAuth shape. Anything
// that is not an OAuthError becomes an opaque server_error.
func writeError(c *gin.Context, err error) {
	var oauthErr *service.OAuthError
	if errors.As(err, &oauthErr) {
		c.JSON(oauthErr.Status, oauthErr)
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
}

// subjectOf maps validated access token claims onto an authorization
// subject. Scope entries double as roles.
func subjectOf(claims *service.AccessClaims) authz.Subject {
	return authz.Subject{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Roles:    strings.Fields(claims.Scope),
	}
}
