package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"termsync/internal/auth"
	"termsync/internal/store"
)

const defaultChallengeWindow = 5 * time.Minute

type AuthHandler struct {
	Store           *store.Store
	TokenConfig     auth.TokenConfig
	ChallengeWindow time.Duration
	Now             func() time.Time
}

type authBody struct {
	DeviceID  string `json:"deviceId"`
	PublicKey string `json:"publicKey"`
	Challenge string `json:"challenge"`
	Signature string `json:"signature"`
}

// Auth exchanges a signed challenge for a device token. The first key a
// device authenticates with is bound to it.
func (h *AuthHandler) Auth(c *gin.Context) {
	var body authBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	if _, err := uuid.Parse(body.DeviceID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid device id"})
		return
	}

	if err := auth.VerifySignatureDetailed(body.PublicKey, body.Challenge, body.Signature); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	window := h.ChallengeWindow
	if window <= 0 {
		window = defaultChallengeWindow
	}
	if err := auth.CheckChallenge(body.Challenge, body.DeviceID, now(), window); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}

	if _, _, err := h.Store.BindDevice(body.DeviceID, body.PublicKey, now().UnixMilli()); err != nil {
		if errors.Is(err, store.ErrDeviceKeyMismatch) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Device key mismatch"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Device registration failed"})
		return
	}

	token, err := auth.CreateToken(body.DeviceID, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token creation failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": token, "deviceId": body.DeviceID})
}
