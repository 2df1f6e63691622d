package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"cirx-backend/internal/config"
	"cirx-backend/internal/handlers"
	"cirx-backend/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Handlers gathers everything the router mounts. main wires it up
// explicitly so the dependency graph stays visible in one place.
type Handlers struct {
	Swap       *handlers.SwapHandler
	Monitoring *handlers.MonitoringHandler
	AdminAuth  *handlers.AdminAuthHandler
	AdminSwap  *handlers.AdminSwapHandler
	WebSocket  *handlers.WebSocketHandler
}

// corsMiddleware CORS middleware
// Priority: Environment Variable > YAML Config > Default (*)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		allowCredentials := true
		maxAge := 3600

		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			parts := strings.Split(envOrigins, ",")
			allowedOrigins = allowedOrigins[:0]
			for _, o := range parts {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		} else if config.AppConfig != nil && len(config.AppConfig.CORS.AllowedOrigins) > 0 {
			allowedOrigins = config.AppConfig.CORS.AllowedOrigins
			allowCredentials = config.AppConfig.CORS.AllowCredentials
			if config.AppConfig.CORS.MaxAge > 0 {
				maxAge = config.AppConfig.CORS.MaxAge
			}
		}

		allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
		if allowAll {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			allowed := false
			for _, o := range allowedOrigins {
				if strings.TrimSpace(o) == origin {
					allowed = true
					break
				}
			}
			if allowed {
				c.Header("Access-Control-Allow-Origin", origin)
			} else {
				logrus.WithFields(logrus.Fields{
					"request_origin":  origin,
					"allowed_origins": allowedOrigins,
					"path":            c.Request.URL.Path,
				}).Warn("🚫 CORS: Request blocked - Origin not in whitelist")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, Cache-Control, Accept")
			if allowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if allowCredentials && !allowAll {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		c.Next()
	}
}

// SetupRouter builds the gin engine with all routes mounted.
func SetupRouter(logger *logrus.Logger, h *Handlers) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	if config.AppConfig != nil && len(config.AppConfig.Server.TrustedProxies) > 0 {
		if err := r.SetTrustedProxies(config.AppConfig.Server.TrustedProxies); err != nil {
			logger.WithError(err).Warn("Failed to set trusted proxies")
		}
	}

	// Liveness and metrics sit outside the API version prefix.
	r.GET("/health", h.Monitoring.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/transactions", h.Swap.InitiateSwap)
		api.GET("/transactions/:id", h.Swap.GetTransaction)
		api.GET("/transactions/:id/status", h.Swap.GetTransactionStatus)
		api.GET("/transactions/by-payment/:txid", h.Swap.GetByPaymentTx)
		api.GET("/quote", h.Swap.GetQuote)
		api.GET("/monitoring/health", h.Monitoring.Health)
	}

	// Status push over websocket
	r.GET("/ws/transactions/:id", h.WebSocket.Subscribe)
	r.GET("/ws/stats", h.WebSocket.Stats)

	// Admin surface: IP allowlist in front of everything, JWT behind
	// the login endpoint.
	adminAuth := middleware.NewAdminAuthMiddleware(logger)
	var allowedIPs []string
	if config.AppConfig != nil {
		allowedIPs = config.AppConfig.Admin.AllowedIPs
	}
	allowlist := middleware.NewIPAllowlist(logger, allowedIPs)

	admin := api.Group("/admin")
	admin.Use(allowlist.Restrict())
	{
		admin.POST("/login", h.AdminAuth.AdminLoginHandler)
		admin.POST("/totp/generate", h.AdminAuth.GenerateTOTPSecretHandler)

		authed := admin.Group("")
		authed.Use(adminAuth.RequireAdminAuth())
		{
			authed.GET("/monitoring/report", h.Monitoring.Report)
			authed.GET("/transactions", h.AdminSwap.ListByStatus)
			authed.POST("/transactions/:id/reopen", h.AdminSwap.ReopenFailed)
			authed.POST("/wallets", h.AdminSwap.RegisterWallet)
			authed.GET("/wallets", h.AdminSwap.ListWallets)
			authed.POST("/wallets/:id/deactivate", h.AdminSwap.DeactivateWallet)
		}
	}

	return r
}
