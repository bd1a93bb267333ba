package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"termsync/internal/protocol"
)

type VersionHandler struct {
	AppVersion string
}

func (h *VersionHandler) Check(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":          h.AppVersion,
		"protocol_version": protocol.ProtocolVersion,
		"update_required":  false,
	})
}
