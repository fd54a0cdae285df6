package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const tenantKey = "tenantID"

// Tenant attaches the tenant identifier to the gin context. The gateway in
// front of the engine authenticates the tenant and forwards it in the
// X-Tenant-ID header; a tenant_id query parameter is accepted as fallback.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.TrimSpace(c.Request.Header.Get("X-Tenant-ID"))
		if tenantID == "" {
			tenantID = strings.TrimSpace(c.Query("tenant_id"))
		}
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":             "invalid_request",
				"error_description": "Tenant could not be determined.",
			})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

// GetTenantID extracts the tenant identifier from gin.
func GetTenantID(c *gin.Context) (string, bool) {
	value, ok := c.Get(tenantKey)
	if !ok {
		return "", false
	}
	tenantID, ok := value.(string)
	return tenantID, ok
}

// RequestURL reconstructs the absolute URL of the request, the value DPoP
// proofs and client assertions must bind to. Proxy headers win over the raw
// request fields.
func RequestURL(c *gin.Context) string {
	scheme := c.Request.Header.Get("X-Forwarded-Proto")
	if scheme == "" {
		if c.Request.TLS != nil {
			scheme = "https"
		} else {
			scheme = "http"
		}
	}
	host := c.Request.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = c.Request.Host
	}
	return scheme + "://" + host + c.Request.URL.Path
}
