package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"termsync/internal/hub"
	"termsync/internal/middleware"
	"termsync/internal/pairing"
)

type PairingHandler struct {
	Hub     *hub.Hub
	Pairing *pairing.Registry
}

func (h *PairingHandler) Get(c *gin.Context) {
	deviceID, ok := middleware.DeviceIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	rec, paired := h.Pairing.Pairing(c.Request.Context(), deviceID)
	if !paired {
		c.JSON(http.StatusOK, gin.H{"paired": false})
		return
	}

	peer := rec.PeerID
	if peer == deviceID {
		peer = rec.DeviceID
	}
	_, online := h.Hub.Lookup(c.Request.Context(), peer)
	c.JSON(http.StatusOK, gin.H{
		"paired":     true,
		"peerId":     peer,
		"peerOnline": online,
		"pairedAt":   time.UnixMilli(rec.PairedAt).UTC(),
	})
}

func (h *PairingHandler) Delete(c *gin.Context) {
	deviceID, ok := middleware.DeviceIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	peer, err := h.Pairing.Unpair(c.Request.Context(), deviceID)
	if err != nil {
		if errors.Is(err, pairing.ErrNotPaired) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Not paired"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Unpair failed"})
		return
	}

	notifyUnpaired(c.Request.Context(), h.Hub, deviceID, peer)
	c.JSON(http.StatusOK, gin.H{"success": true, "peerId": peer})
}
