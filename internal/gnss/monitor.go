package gnss

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jmerrifield20/fleetevidence/internal/evidence"
)

// EventTypeAnomaly is the evidence event type of sealed GNSS anomalies.
const EventTypeAnomaly = "gnss_anomaly"

// SourceDetector is the evidence source of sealed GNSS anomalies.
const SourceDetector = "gnss-detector"

// DefaultFleetWindow is the trailing window used to count fleet anomalies.
const DefaultFleetWindow = 5 * time.Minute

var tracer = otel.Tracer("github.com/jmerrifield20/fleetevidence/internal/gnss")

// EvidenceSealer seals anomalies into the evidence ledger.
// *evidence.Ledger satisfies this interface.
type EvidenceSealer interface {
	Seal(ctx context.Context, req evidence.SealRequest) (*evidence.Record, error)
}

// IngestResult is the outcome of Monitor.Ingest.
type IngestResult struct {
	Anomaly           *Anomaly         `json:"anomaly"`
	FleetAnomalyCount int              `json:"fleet_anomaly_count"`
	Evidence          *evidence.Record `json:"evidence,omitempty"`
}

// Monitor runs Detect over a stream of samples, keeping each asset's previous
// state and the fleet anomaly window in a StateStore.
type Monitor struct {
	store  StateStore
	sealer EvidenceSealer // nil = anomalies are not sealed
	window time.Duration
	logger *zap.Logger

	locksMu sync.Mutex
	locks   map[string]*assetLock
}

type assetLock struct {
	mu   sync.Mutex
	refs int
}

// NewMonitor creates a Monitor. sealer may be nil.
func NewMonitor(store StateStore, sealer EvidenceSealer, window time.Duration, logger *zap.Logger) *Monitor {
	if window <= 0 {
		window = DefaultFleetWindow
	}
	return &Monitor{
		store:  store,
		sealer: sealer,
		window: window,
		logger: logger,
		locks:  make(map[string]*assetLock),
	}
}

// lock serialises samples of one asset within this process and returns the
// matching unlock.
func (m *Monitor) lock(key string) func() {
	m.locksMu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &assetLock{}
		m.locks[key] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.locksMu.Unlock()
	}
}

// Ingest scores a sample against the asset's stored state. An anomaly is
// sealed (when a sealer is configured) before the state advances, so a failed
// seal leaves the sample retryable. Once evidence is sealed Ingest reports
// success; a later state store failure is logged rather than returned, since
// a retry would seal the same anomaly twice.
func (m *Monitor) Ingest(ctx context.Context, tenantID string, s Sample) (*IngestResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, &InvalidSampleError{Fields: []string{"tenant_id"}}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "gnss.Ingest", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("asset_id", s.AssetID),
	))
	defer span.End()

	unlock := m.lock(stateKey(tenantID, s.AssetID))
	defer unlock()

	prev, err := m.store.LoadState(ctx, tenantID, s.AssetID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("load asset state: %w", err)
	}
	if prev != nil && !s.Timestamp.After(prev.Timestamp) {
		return nil, ErrStaleSample
	}

	fleet, err := m.store.FleetAnomalyCount(ctx, tenantID, s.AssetID, s.Timestamp.Add(-m.window), s.Timestamp)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("count fleet anomalies: %w", err)
	}

	res := &IngestResult{FleetAnomalyCount: fleet}
	res.Anomaly = Detect(s, prev, fleet)

	if a := res.Anomaly; a != nil {
		span.SetAttributes(
			attribute.String("anomaly_type", a.AnomalyType),
			attribute.Float64("confidence", a.Confidence),
		)
		if m.sealer != nil {
			rec, err := m.seal(ctx, tenantID, a)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return nil, err
			}
			res.Evidence = rec
		}
		if err := m.store.RecordAnomaly(ctx, tenantID, s.AssetID, s.Timestamp); err != nil {
			if res.Evidence == nil {
				return nil, fmt.Errorf("record fleet anomaly: %w", err)
			}
			m.afterSealFailure(tenantID, s.AssetID, res.Evidence, "record fleet anomaly", err)
		}
		m.logger.Info("gnss anomaly detected",
			zap.String("tenant_id", tenantID),
			zap.String("asset_id", s.AssetID),
			zap.String("anomaly_type", a.AnomalyType),
			zap.String("severity", a.Severity),
			zap.Float64("confidence", a.Confidence),
			zap.Strings("rules", a.RulesTriggered),
		)
	}

	if err := m.store.SaveState(ctx, tenantID, s.AssetID, StateOf(s)); err != nil {
		if res.Evidence == nil {
			return nil, fmt.Errorf("save asset state: %w", err)
		}
		m.afterSealFailure(tenantID, s.AssetID, res.Evidence, "save asset state", err)
	}
	return res, nil
}

func (m *Monitor) afterSealFailure(tenantID, assetID string, rec *evidence.Record, step string, err error) {
	m.logger.Warn("gnss state update failed after anomaly was sealed",
		zap.String("tenant_id", tenantID),
		zap.String("asset_id", assetID),
		zap.String("evidence_id", rec.ID.String()),
		zap.String("step", step),
		zap.Error(err),
	)
}

func (m *Monitor) seal(ctx context.Context, tenantID string, a *Anomaly) (*evidence.Record, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode anomaly: %w", err)
	}
	desc := fmt.Sprintf("GNSS %s anomaly on %s (%s, confidence %.2f)",
		a.AnomalyType, a.AssetID, a.Severity, a.Confidence)
	rec, err := m.sealer.Seal(ctx, evidence.SealRequest{
		TenantID:    tenantID,
		EventType:   EventTypeAnomaly,
		Description: desc,
		Data:        data,
		VehicleID:   a.AssetID,
		Source:      SourceDetector,
	})
	if err != nil {
		return nil, fmt.Errorf("seal anomaly: %w", err)
	}
	return rec, nil
}
