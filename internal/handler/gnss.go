package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/gnss"
)

// GNSSHandler exposes the anomaly detector.
type GNSSHandler struct {
	monitor *gnss.Monitor // nil = stateful ingest disabled
	logger  *zap.Logger
}

// NewGNSSHandler creates a new GNSSHandler. monitor may be nil, in which case
// only stateless detection is served.
func NewGNSSHandler(monitor *gnss.Monitor, logger *zap.Logger) *GNSSHandler {
	return &GNSSHandler{monitor: monitor, logger: logger}
}

// Register mounts the GNSS routes on the given router group.
func (h *GNSSHandler) Register(rg *gin.RouterGroup) {
	g := rg.Group("/gnss")
	{
		g.POST("/detect", h.Detect)
		if h.monitor != nil {
			g.POST("/samples", h.Ingest)
		}
	}
}

type detectRequest struct {
	Sample            gnss.Sample `json:"sample"`
	PreviousState     *gnss.State `json:"previous_state"`
	FleetAnomalyCount int         `json:"fleet_anomaly_count"`
}

// Detect handles POST /gnss/detect. The caller supplies the previous state
// and fleet count; nothing is stored.
func (h *GNSSHandler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.Sample.Validate(); err != nil {
		respondError(c, h.logger, "gnss detect", err)
		return
	}
	if req.FleetAnomalyCount < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fleet_anomaly_count must not be negative", "fields": []string{"fleet_anomaly_count"}})
		return
	}

	a := gnss.Detect(req.Sample, req.PreviousState, req.FleetAnomalyCount)
	if a != nil {
		RecordAnomaly(a.AnomalyType, a.Severity)
	}
	c.JSON(http.StatusOK, gin.H{"anomaly": a})
}

type ingestRequest struct {
	TenantID string `json:"tenant_id"`
	gnss.Sample
}

// Ingest handles POST /gnss/samples. The monitor keeps per-asset state and
// seals detected anomalies as evidence.
func (h *GNSSHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.monitor.Ingest(c.Request.Context(), req.TenantID, req.Sample)
	if err != nil {
		respondError(c, h.logger, "gnss ingest", err)
		return
	}
	if a := res.Anomaly; a != nil {
		RecordAnomaly(a.AnomalyType, a.Severity)
		if res.Evidence != nil {
			RecordSeal(res.Evidence.EventType)
		}
	}
	c.JSON(http.StatusOK, res)
}
