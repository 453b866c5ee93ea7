package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/devices"
	"github.com/jmerrifield20/fleetevidence/internal/evidence"
	"github.com/jmerrifield20/fleetevidence/internal/gnss"
)

// actorHeader names the caller recorded in access logs. Requests without it
// are logged as DefaultActor.
const actorHeader = "X-Evidence-Actor"

// DefaultActor is the access-log actor for requests without an actor header.
const DefaultActor = "api"

func actor(c *gin.Context) string {
	if a := c.GetHeader(actorHeader); a != "" {
		return a
	}
	return DefaultActor
}

// respondError maps a service error to an HTTP status and writes it.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	var validation *evidence.ValidationError
	var invalidSample *gnss.InvalidSampleError

	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": validation.Fields})
	case errors.As(err, &invalidSample):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "fields": invalidSample.Fields})
	case errors.Is(err, devices.ErrInvalidCertificate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrDeviceNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrRecordNotFound),
		errors.Is(err, evidence.ErrRootNotFound),
		errors.Is(err, evidence.ErrEmptyRange),
		errors.Is(err, devices.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrOverlappingBatch),
		errors.Is(err, devices.ErrAlreadyRegistered),
		errors.Is(err, gnss.ErrStaleSample):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, evidence.ErrChainContention):
		logger.Warn(op+": chain contention", zap.Error(err))
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
