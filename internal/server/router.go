package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"termsync/internal/auth"
	"termsync/internal/handler"
	"termsync/internal/hub"
	"termsync/internal/middleware"
	"termsync/internal/pairing"
	"termsync/internal/store"
)

type Deps struct {
	Store             *store.Store
	Hub               *hub.Hub
	Pairing           *pairing.Registry
	TokenConfig       auth.TokenConfig
	RequireDeviceAuth bool
	AppVersion        string
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	versionHandler := &handler.VersionHandler{AppVersion: deps.AppVersion}
	r.GET("/v1/version", versionHandler.Check)

	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig}
	r.POST("/v1/auth", middleware.RateLimitMiddleware(authLimiter, "auth"), authHandler.Auth)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	pairingHandler := &handler.PairingHandler{Hub: deps.Hub, Pairing: deps.Pairing}
	protected.GET("/pairing", pairingHandler.Get)
	protected.DELETE("/pairing", pairingHandler.Delete)

	wsLimiter := middleware.NewRateLimiter(60, time.Minute)
	relay := &handler.RelayHandler{
		Hub:               deps.Hub,
		Pairing:           deps.Pairing,
		TokenConfig:       deps.TokenConfig,
		RequireDeviceAuth: deps.RequireDeviceAuth,
		RedeemLimiter:     middleware.NewRateLimiter(10, time.Minute),
	}
	r.GET("/ws", middleware.RateLimitMiddleware(wsLimiter, "ws"), relay.Serve)

	return r
}
