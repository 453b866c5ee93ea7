package gnss

import "math"

// Rule names, in evaluation order.
const (
	RuleSatelliteDropCritical  = "SATELLITE_DROP_CRITICAL"
	RuleSatelliteDropLow       = "SATELLITE_DROP_LOW"
	RuleHDOPDegraded           = "HDOP_DEGRADED"
	RuleHDOPTooPerfect         = "HDOP_TOO_PERFECT"
	RulePositionTeleport       = "POSITION_TELEPORT"
	RulePositionJump           = "POSITION_JUMP"
	RuleSpeedImpossibleAccel   = "SPEED_IMPOSSIBLE_ACCEL"
	RuleSpeedHighAccel         = "SPEED_HIGH_ACCEL"
	RuleHeadingReversal        = "HEADING_REVERSAL"
	RuleHeadingJump            = "HEADING_JUMP"
	RuleAltitudeImpossibleRate = "ALTITUDE_IMPOSSIBLE_RATE"
	RuleSpeedWithoutMovement   = "SPEED_WITHOUT_MOVEMENT"
	RuleFleetCorrelated        = "FLEET_CORRELATED"
)

const (
	fleetCorrelationThreshold = 3
	fleetCorrelationWeight    = 0.15
	jammingFleetThreshold     = 2

	minExpectedMaxM = 100.0
)

// trigger is one fired rule.
type trigger struct {
	rule   string
	weight float64
}

// ruleFunc inspects an evaluation and returns the rule it fired, if any.
type ruleFunc func(e *evaluation) (trigger, bool)

var rules = []ruleFunc{
	ruleSatelliteDrop,
	ruleHDOP,
	rulePositionJump,
	ruleSpeed,
	ruleHeading,
	ruleAltitude,
	ruleStaticWithMovement,
}

// evaluation holds a sample and the deltas derived from its previous state.
type evaluation struct {
	sample Sample
	prev   *State
	f      Features
}

func newEvaluation(s Sample, prev *State, fleet int) *evaluation {
	e := &evaluation{sample: s, prev: prev}
	e.f = Features{
		Satellites:        s.Satellites,
		HDOP:              s.HDOP,
		SpeedKmh:          s.SpeedKmh,
		FleetAnomalyCount: fleet,
	}
	if prev == nil {
		return e
	}

	dist := haversineM(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
	e.f.DistanceM = &dist
	speedDelta := s.SpeedKmh - prev.SpeedKmh
	e.f.SpeedDeltaKmh = &speedDelta
	if s.Heading != nil && prev.Heading != nil {
		hd := headingDelta(*prev.Heading, *s.Heading)
		e.f.HeadingDeltaDeg = &hd
	}
	if s.AltitudeM != nil && prev.AltitudeM != nil {
		ad := *s.AltitudeM - *prev.AltitudeM
		e.f.AltitudeDeltaM = &ad
	}

	dt := s.Timestamp.Sub(prev.Timestamp).Seconds()
	e.f.DtSeconds = &dt
	if dt <= 0 {
		return e
	}
	expected := math.Max(prev.SpeedKmh, s.SpeedKmh) / 3.6 * dt * 1.5
	if expected < minExpectedMaxM {
		expected = minExpectedMaxM
	}
	e.f.ExpectedMaxM = &expected
	accel := math.Abs(speedDelta) / dt
	e.f.AccelKmhPerSec = &accel
	if e.f.AltitudeDeltaM != nil {
		rate := math.Abs(*e.f.AltitudeDeltaM) / dt
		e.f.VerticalRateMps = &rate
	}
	return e
}

// Detect scores a sample against the asset's previous state and the number of
// anomalies recently seen on other assets of the same fleet. It returns nil
// when no rule fires.
func Detect(s Sample, prev *State, fleetAnomalyCount int) *Anomaly {
	e := newEvaluation(s, prev, fleetAnomalyCount)

	var fired []trigger
	for _, r := range rules {
		if t, ok := r(e); ok {
			fired = append(fired, t)
		}
	}
	if len(fired) == 0 {
		return nil
	}

	score := 0.0
	names := make([]string, 0, len(fired)+1)
	for _, t := range fired {
		score += t.weight
		names = append(names, t.rule)
	}
	score = math.Min(score, 1.0)
	if fleetAnomalyCount >= fleetCorrelationThreshold {
		score = math.Min(score+fleetCorrelationWeight, 1.0)
		names = append(names, RuleFleetCorrelated)
	}
	score = math.Round(score*10000) / 10000

	a := &Anomaly{
		AssetID:          s.AssetID,
		Timestamp:        s.Timestamp,
		Confidence:       score,
		Severity:         severityLabel(score),
		RulesTriggered:   names,
		FeaturesSnapshot: e.f,
		SpeedDelta:       e.f.SpeedDeltaKmh,
		HeadingDelta:     e.f.HeadingDeltaDeg,
		AltitudeDelta:    e.f.AltitudeDeltaM,
		PositionJumpM:    e.f.DistanceM,
		ExpectedMaxM:     e.f.ExpectedMaxM,
	}
	a.AnomalyType = classify(a, fleetAnomalyCount)
	return a
}

func classify(a *Anomaly, fleet int) string {
	switch {
	case a.HasRule(RuleHDOPTooPerfect), a.HasRule(RuleSpeedWithoutMovement), a.HasRule(RulePositionTeleport):
		return TypeSpoofing
	case a.HasRule(RuleSatelliteDropCritical), a.HasRule(RuleSatelliteDropLow):
		if fleet >= jammingFleetThreshold {
			return TypeJamming
		}
		return TypeInterference
	case a.HasRule(RulePositionJump), a.HasRule(RuleSpeedImpossibleAccel):
		return TypeDrift
	default:
		return TypeUnknown
	}
}

func severityLabel(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return SeverityCritical
	case confidence >= 0.6:
		return SeverityHigh
	case confidence >= 0.35:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ── Rules ─────────────────────────────────────────────────────────────────────

func ruleSatelliteDrop(e *evaluation) (trigger, bool) {
	if e.f.Satellites == nil {
		return trigger{}, false
	}
	switch n := *e.f.Satellites; {
	case n <= 2:
		return trigger{RuleSatelliteDropCritical, 0.35}, true
	case n <= 4:
		return trigger{RuleSatelliteDropLow, 0.20}, true
	}
	return trigger{}, false
}

func ruleHDOP(e *evaluation) (trigger, bool) {
	if e.f.HDOP == nil {
		return trigger{}, false
	}
	switch h := *e.f.HDOP; {
	case h > 10:
		return trigger{RuleHDOPDegraded, 0.25}, true
	case h < 0.5:
		return trigger{RuleHDOPTooPerfect, 0.20}, true
	}
	return trigger{}, false
}

// rulePositionJump compares the distance travelled with what the reported
// speeds allow over the elapsed time.
func rulePositionJump(e *evaluation) (trigger, bool) {
	if e.f.DistanceM == nil || e.f.ExpectedMaxM == nil {
		return trigger{}, false
	}
	dist, expected := *e.f.DistanceM, *e.f.ExpectedMaxM
	switch {
	case dist > 3*expected:
		return trigger{RulePositionTeleport, 0.40}, true
	case dist > 1.5*expected:
		return trigger{RulePositionJump, 0.20}, true
	}
	return trigger{}, false
}

func ruleSpeed(e *evaluation) (trigger, bool) {
	if e.f.AccelKmhPerSec == nil {
		return trigger{}, false
	}
	switch a := *e.f.AccelKmhPerSec; {
	case a > 50:
		return trigger{RuleSpeedImpossibleAccel, 0.30}, true
	case a > 25:
		return trigger{RuleSpeedHighAccel, 0.15}, true
	}
	return trigger{}, false
}

func ruleHeading(e *evaluation) (trigger, bool) {
	if e.f.HeadingDeltaDeg == nil {
		return trigger{}, false
	}
	d, speed := *e.f.HeadingDeltaDeg, e.sample.SpeedKmh
	switch {
	case d > 150 && speed > 30:
		return trigger{RuleHeadingReversal, 0.20}, true
	case d > 90 && speed > 60:
		return trigger{RuleHeadingJump, 0.15}, true
	}
	return trigger{}, false
}

func ruleAltitude(e *evaluation) (trigger, bool) {
	if e.f.VerticalRateMps != nil && *e.f.VerticalRateMps > 50 {
		return trigger{RuleAltitudeImpossibleRate, 0.15}, true
	}
	return trigger{}, false
}

// ruleStaticWithMovement flags a fix that reports driving speed while the
// position stays put, the signature of a replayed or simulated signal.
func ruleStaticWithMovement(e *evaluation) (trigger, bool) {
	if e.f.DistanceM == nil {
		return trigger{}, false
	}
	if e.sample.SpeedKmh > 20 && *e.f.DistanceM < 5 {
		return trigger{RuleSpeedWithoutMovement, 0.25}, true
	}
	return trigger{}, false
}

