package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/devices"
)

// DeviceHandler exposes the device certificate registry.
type DeviceHandler struct {
	svc    *devices.Service
	logger *zap.Logger
}

// NewDeviceHandler creates a new DeviceHandler.
func NewDeviceHandler(svc *devices.Service, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{svc: svc, logger: logger}
}

// Register mounts the device routes on the given router group.
func (h *DeviceHandler) Register(rg *gin.RouterGroup) {
	d := rg.Group("/devices")
	{
		d.POST("", h.RegisterDevice)
		d.GET("/:fingerprint", h.Lookup)
		d.POST("/:fingerprint/revoke", h.Revoke)
	}
}

// RegisterDevice handles POST /devices.
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req devices.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cert, err := h.svc.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "register device", err)
		return
	}
	c.JSON(http.StatusCreated, cert)
}

// Lookup handles GET /devices/:fingerprint.
func (h *DeviceHandler) Lookup(c *gin.Context) {
	cert, err := h.svc.Lookup(c.Request.Context(), c.Param("fingerprint"))
	if err != nil {
		respondError(c, h.logger, "lookup device", err)
		return
	}
	c.JSON(http.StatusOK, cert)
}

// Revoke handles POST /devices/:fingerprint/revoke.
func (h *DeviceHandler) Revoke(c *gin.Context) {
	cert, err := h.svc.Revoke(c.Request.Context(), c.Param("fingerprint"))
	if err != nil {
		respondError(c, h.logger, "revoke device", err)
		return
	}
	c.JSON(http.StatusOK, cert)
}
