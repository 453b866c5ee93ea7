package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fleetevidence_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	sealsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_seals_total",
		Help: "Total evidence records sealed by event type.",
	}, []string{"event_type"})

	throttledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_throttled_requests_total",
		Help: "Total requests refused by the per-client request budget, by path.",
	}, []string{"path"})

	sealRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetevidence_seal_retries_total",
		Help: "Total chain index collisions retried while sealing.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_verifications_total",
		Help: "Total record verifications by outcome.",
	}, []string{"outcome"})

	bundleVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_bundle_verifications_total",
		Help: "Total offline bundle verifications by outcome.",
	}, []string{"outcome"})

	merkleBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetevidence_merkle_batches_total",
		Help: "Total Merkle batches sealed.",
	})

	merkleBatchLeaves = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetevidence_merkle_batch_leaves",
		Help:    "Leaf count of sealed Merkle batches.",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})

	gnssAnomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_gnss_anomalies_total",
		Help: "Total GNSS anomalies by type and severity.",
	}, []string{"type", "severity"})

	healthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetevidence_health_checks_total",
		Help: "Total readiness probes by probe and result.",
	}, []string{"probe", "result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSeal records a sealed evidence record.
func RecordSeal(eventType string) {
	sealsTotal.WithLabelValues(eventType).Inc()
}

// RecordSealRetry records a chain index collision. Its signature matches
// evidence.RetryFunc.
func RecordSealRetry(string, int) {
	sealRetriesTotal.Inc()
}

// RecordVerification records the outcome of an online verification.
func RecordVerification(intact bool) {
	verificationsTotal.WithLabelValues(outcome(intact)).Inc()
}

// RecordBundleVerification records the outcome of an offline bundle check.
func RecordBundleVerification(intact bool) {
	bundleVerificationsTotal.WithLabelValues(outcome(intact)).Inc()
}

// RecordMerkleBatch records a sealed Merkle batch.
func RecordMerkleBatch(leaves int) {
	merkleBatchesTotal.Inc()
	merkleBatchLeaves.Observe(float64(leaves))
}

// RecordAnomaly records a detected GNSS anomaly.
func RecordAnomaly(anomalyType, severity string) {
	gnssAnomaliesTotal.WithLabelValues(anomalyType, severity).Inc()
}

// RecordHealthCheck records a readiness probe result. Its signature matches
// health.MetricsRecordFunc.
func RecordHealthCheck(probe string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	healthChecksTotal.WithLabelValues(probe, result).Inc()
}

func outcome(intact bool) string {
	if intact {
		return "intact"
	}
	return "tampered"
}
