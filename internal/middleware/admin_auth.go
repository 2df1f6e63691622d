package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"cirx-backend/internal/handlers"
)

// AdminAuthMiddleware guards the admin API: reopen, wallet management
// and the monitoring report.
type AdminAuthMiddleware struct {
	logger *logrus.Logger
}

func NewAdminAuthMiddleware(logger *logrus.Logger) *AdminAuthMiddleware {
	return &AdminAuthMiddleware{logger: logger}
}

// RequireAdminAuth validates the Bearer token and requires the admin
// role. On success the claims land in the context as admin_username
// and admin_role.
func (a *AdminAuthMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, code, msg := bearerToken(c)
		if code != "" {
			a.deny(c, http.StatusUnauthorized, code, msg)
			return
		}

		claims, err := handlers.ValidateAdminJWTToken(token)
		if err != nil {
			a.logger.WithError(err).WithField("path", c.Request.URL.Path).
				Warn("Admin token rejected")
			a.deny(c, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid or expired token")
			return
		}
		if claims.Role != "admin" {
			a.logger.WithFields(logrus.Fields{
				"path": c.Request.URL.Path,
				"role": claims.Role,
			}).Warn("Admin access denied for non-admin role")
			a.deny(c, http.StatusForbidden, "INSUFFICIENT_PERMISSIONS", "Insufficient permissions")
			return
		}

		c.Set("admin_username", claims.Username)
		c.Set("admin_role", claims.Role)
		c.Next()
	}
}

// bearerToken extracts the token from the Authorization header. A
// non-empty code means the header was missing or malformed.
func bearerToken(c *gin.Context) (token, code, msg string) {
	header := c.GetHeader("Authorization")
	switch {
	case header == "":
		return "", "MISSING_AUTH_HEADER", "Authentication required"
	case !strings.HasPrefix(header, "Bearer "):
		return "", "INVALID_AUTH_FORMAT", "Invalid authorization format, need Bearer token"
	}
	token = strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return "", "EMPTY_TOKEN", "Empty token"
	}
	return token, "", ""
}

func (a *AdminAuthMiddleware) deny(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   msg,
		"code":    code,
	})
}
