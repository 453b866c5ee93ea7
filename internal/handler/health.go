package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jmerrifield20/fleetevidence/internal/health"
)

// HealthHandler serves liveness and readiness.
type HealthHandler struct {
	checker *health.Checker
	version string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(checker *health.Checker, version string) *HealthHandler {
	return &HealthHandler{checker: checker, version: version}
}

// Register mounts /healthz and /readyz on the router root.
func (h *HealthHandler) Register(r gin.IRoutes) {
	r.GET("/healthz", h.Live)
	r.GET("/readyz", h.Ready)
}

// Live handles GET /healthz.
func (h *HealthHandler) Live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": h.version})
}

// Ready handles GET /readyz. It runs every readiness probe and answers 503
// when any of them fails.
func (h *HealthHandler) Ready(c *gin.Context) {
	report := h.checker.CheckAll(c.Request.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}
