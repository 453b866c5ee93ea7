// Package gnss scores positioning telemetry for jamming, spoofing, and drift.
//
// Detect is a pure function of a sample, the asset's previous state, and the
// number of recent anomalies elsewhere in the fleet. Monitor adds the state
// custody around it: it loads and saves per-asset state, tracks the fleet
// anomaly window, and optionally seals anomalies as evidence.
package gnss

import (
	"errors"
	"strings"
	"time"
)

// ErrStaleSample is returned by Monitor.Ingest for a sample whose timestamp is
// not after the asset's stored state.
var ErrStaleSample = errors.New("sample is not newer than the asset's previous fix")

// Anomaly classifications.
const (
	TypeSpoofing     = "spoofing"
	TypeJamming      = "jamming"
	TypeInterference = "interference"
	TypeDrift        = "drift"
	TypeUnknown      = "unknown"
)

// Severity levels.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Sample is one positioning fix. Optional receiver fields are nil when the
// device does not report them; their rules are skipped.
type Sample struct {
	AssetID    string    `json:"asset_id"`
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	SpeedKmh   float64   `json:"speed_kmh"`
	Heading    *float64  `json:"heading,omitempty"`
	AltitudeM  *float64  `json:"altitude_m,omitempty"`
	Satellites *int      `json:"satellites,omitempty"`
	HDOP       *float64  `json:"hdop,omitempty"`
}

// Validate reports every missing or out-of-range field.
func (s *Sample) Validate() error {
	var invalid []string
	if strings.TrimSpace(s.AssetID) == "" {
		invalid = append(invalid, "asset_id")
	}
	if s.Timestamp.IsZero() {
		invalid = append(invalid, "timestamp")
	}
	if s.Latitude < -90 || s.Latitude > 90 {
		invalid = append(invalid, "latitude")
	}
	if s.Longitude < -180 || s.Longitude > 180 {
		invalid = append(invalid, "longitude")
	}
	if s.SpeedKmh < 0 {
		invalid = append(invalid, "speed_kmh")
	}
	if s.Satellites != nil && *s.Satellites < 0 {
		invalid = append(invalid, "satellites")
	}
	if s.HDOP != nil && *s.HDOP < 0 {
		invalid = append(invalid, "hdop")
	}
	if len(invalid) > 0 {
		return &InvalidSampleError{Fields: invalid}
	}
	return nil
}

// InvalidSampleError lists sample fields that are missing or out of range.
type InvalidSampleError struct {
	Fields []string
}

func (e *InvalidSampleError) Error() string {
	return "invalid sample: " + strings.Join(e.Fields, ", ")
}

// State is the previous known fix of an asset.
type State struct {
	Timestamp time.Time `json:"timestamp"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	SpeedKmh  float64   `json:"speed_kmh"`
	Heading   *float64  `json:"heading,omitempty"`
	AltitudeM *float64  `json:"altitude_m,omitempty"`
}

// StateOf returns the state a sample leaves behind.
func StateOf(s Sample) State {
	return State{
		Timestamp: s.Timestamp,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		SpeedKmh:  s.SpeedKmh,
		Heading:   s.Heading,
		AltitudeM: s.AltitudeM,
	}
}

// Features are the raw values the rules were evaluated against. Deltas that
// need a previous state, or a positive time step, are nil without one.
type Features struct {
	Satellites        *int     `json:"satellites,omitempty"`
	HDOP              *float64 `json:"hdop,omitempty"`
	SpeedKmh          float64  `json:"speed_kmh"`
	DtSeconds         *float64 `json:"dt_seconds,omitempty"`
	DistanceM         *float64 `json:"distance_m,omitempty"`
	ExpectedMaxM      *float64 `json:"expected_max_m,omitempty"`
	SpeedDeltaKmh     *float64 `json:"speed_delta_kmh,omitempty"`
	AccelKmhPerSec    *float64 `json:"accel_kmh_per_s,omitempty"`
	HeadingDeltaDeg   *float64 `json:"heading_delta_deg,omitempty"`
	AltitudeDeltaM    *float64 `json:"altitude_delta_m,omitempty"`
	VerticalRateMps   *float64 `json:"vertical_rate_mps,omitempty"`
	FleetAnomalyCount int      `json:"fleet_anomaly_count"`
}

// Anomaly is a classified detection result.
type Anomaly struct {
	AssetID          string    `json:"asset_id,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	AnomalyType      string    `json:"anomaly_type"`
	Confidence       float64   `json:"confidence_score"`
	Severity         string    `json:"severity"`
	RulesTriggered   []string  `json:"rules_triggered"`
	FeaturesSnapshot Features  `json:"features_snapshot"`
	SpeedDelta       *float64  `json:"speed_delta,omitempty"`
	HeadingDelta     *float64  `json:"heading_delta,omitempty"`
	AltitudeDelta    *float64  `json:"altitude_delta,omitempty"`
	PositionJumpM    *float64  `json:"position_jump_m,omitempty"`
	ExpectedMaxM     *float64  `json:"expected_max_m,omitempty"`
}

// HasRule reports whether name is among the triggered rules.
func (a *Anomaly) HasRule(name string) bool {
	for _, r := range a.RulesTriggered {
		if r == name {
			return true
		}
	}
	return false
}
