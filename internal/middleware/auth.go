package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"termsync/internal/auth"
)

const deviceIDContextKey = "deviceID"

func DeviceIDFromContext(c *gin.Context) (string, bool) {
	deviceID, ok := c.Get(deviceIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := deviceID.(string)
	return value, ok && value != ""
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireAuth admits requests carrying a valid device token and records
// the device id on the context.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c.GetHeader("Authorization"))
		if !ok {
			unauthorized(c, "Missing device token")
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			unauthorized(c, "Device token expired")
			return
		case err != nil:
			unauthorized(c, "Invalid device token")
			return
		}

		c.Set(deviceIDContextKey, claims.DeviceID)
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.Header("WWW-Authenticate", `Bearer realm="termsync"`)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
}
