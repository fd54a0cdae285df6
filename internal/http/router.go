package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/config"
	"github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/handler"
	httpmiddleware "github.com/latamteks-cmyk/SmartEdify-app-sub000/internal/http/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(
	cfg config.Config,
	authHandler *handler.AuthHandler,
	sessionHandler *handler.SessionHandler,
	complianceHandler *handler.ComplianceHandler,
	authMiddleware *httpmiddleware.Auth,
) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	r.Use(httpmiddleware.Tenant())
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/.well-known/openid-configuration", authHandler.OpenIDConfig)
	r.GET("/.well-known/jwks.json", authHandler.JWKS)

	r.GET("/authorize", authHandler.Authorize)

	oauth := r.Group("/oauth")
	{
		oauth.POST("/par", authHandler.PAR)
		oauth.POST("/token", authHandler.Token)
		oauth.POST("/revoke", authHandler.Revoke)
		oauth.POST("/introspect", authHandler.Introspect)
		oauth.POST("/device_authorization", authHandler.DeviceAuthorization)
		oauth.POST("/device/approve", authMiddleware.ValidateDPoP, authHandler.DeviceApprove)
		oauth.POST("/backchannel-logout", sessionHandler.BackchannelLogout)
	}

	sessions := r.Group("/sessions")
	{
		sessions.GET("", authMiddleware.ValidateDPoP, sessionHandler.List)
		sessions.POST("/logout", authMiddleware.ValidateDPoP, sessionHandler.Logout)
		sessions.DELETE("/:id", authMiddleware.ValidateDPoP, sessionHandler.Revoke)
	}

	privacy := r.Group("/privacy")
	{
		privacy.POST("/export", authMiddleware.ValidateDPoP, complianceHandler.Export)
		privacy.POST("/delete", authMiddleware.ValidateDPoP, complianceHandler.Delete)
		privacy.GET("/jobs/:id", authMiddleware.ValidateDPoP, complianceHandler.GetJob)
		privacy.POST("/jobs/:id/callbacks", complianceHandler.Callback)
	}

	return r
}
