package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"fleet-monitor/safety/internal/domain"
)

const maxVehicleIDLen = 128

// Payload is the wire shape of one vehicle update. Enum fields are kept as
// raw strings so they can be canonicalized case-insensitively.
type Payload struct {
	VehicleID string `json:"vehicle_id"`
	Timestamp string `json:"timestamp,omitempty"`

	DriverAlertness *domain.DriverAlertness `json:"driver_alertness,omitempty"`
	SpeedData       *domain.SpeedData       `json:"speed_data,omitempty"`
	FireStatus      *domain.FireStatus      `json:"fire_status,omitempty"`
	WaterStatus     *waterPayload           `json:"water_status,omitempty"`
	CollisionData   *collisionPayload       `json:"collision_data,omitempty"`
}

type waterPayload struct {
	WaterLevelCm *float64 `json:"water_level_cm,omitempty"`
	FloodRisk    *string  `json:"flood_risk,omitempty"`
}

type collisionPayload struct {
	GForce   *float64 `json:"g_force,omitempty"`
	Severity *string  `json:"severity,omitempty"`
}

// ValidationError names the first offending field of a rejected payload.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Normalizer struct {
	now func() time.Time
}

func NewNormalizer() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewNormalizerWithClock is used by tests and the offline classify tool to
// control receipt timestamps.
func NewNormalizerWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize validates p and returns the canonical sample. Nothing is returned
// for a payload that fails validation; callers must not apply it partially.
func (n *Normalizer) Normalize(p Payload) (domain.TelemetrySample, error) {
	id := strings.TrimSpace(p.VehicleID)
	if id == "" {
		return domain.TelemetrySample{}, &ValidationError{Field: "vehicle_id", Reason: "must not be empty"}
	}
	if len(id) > maxVehicleIDLen {
		return domain.TelemetrySample{}, &ValidationError{Field: "vehicle_id", Reason: fmt.Sprintf("longer than %d characters", maxVehicleIDLen)}
	}

	s := domain.TelemetrySample{
		VehicleID:  id,
		ReceivedAt: n.now(),
	}

	// Producer timestamps are advisory; an unparseable one is dropped rather
	// than failing the whole update.
	if p.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, p.Timestamp); err == nil {
			s.ReportedAt = &t
		}
	}

	var err error
	if s.Driver, err = normalizeDriver(p.DriverAlertness); err != nil {
		return domain.TelemetrySample{}, err
	}
	if s.Speed, err = normalizeSpeed(p.SpeedData); err != nil {
		return domain.TelemetrySample{}, err
	}
	if s.Fire, err = normalizeFire(p.FireStatus); err != nil {
		return domain.TelemetrySample{}, err
	}
	if s.Water, err = normalizeWater(p.WaterStatus); err != nil {
		return domain.TelemetrySample{}, err
	}
	if s.Collision, err = normalizeCollision(p.CollisionData); err != nil {
		return domain.TelemetrySample{}, err
	}
	return s, nil
}

func normalizeDriver(d *domain.DriverAlertness) (*domain.DriverAlertness, error) {
	if d == nil || (d.EyeClosurePct == nil && d.BlinkDurationMs == nil && d.YawningRatePerMin == nil) {
		return nil, nil
	}
	if err := inRange("driver_alertness.eye_closure_pct", d.EyeClosurePct, 0, 100); err != nil {
		return nil, err
	}
	if err := inRange("driver_alertness.blink_duration_ms", d.BlinkDurationMs, 0, 60000); err != nil {
		return nil, err
	}
	if err := inRange("driver_alertness.yawning_rate_per_min", d.YawningRatePerMin, 0, 120); err != nil {
		return nil, err
	}
	return &domain.DriverAlertness{
		EyeClosurePct:     copyFloat(d.EyeClosurePct),
		BlinkDurationMs:   copyFloat(d.BlinkDurationMs),
		YawningRatePerMin: copyFloat(d.YawningRatePerMin),
	}, nil
}

func normalizeSpeed(sp *domain.SpeedData) (*domain.SpeedData, error) {
	if sp == nil || (sp.CurrentSpeedKmh == nil && sp.SpeedLimitKmh == nil) {
		return nil, nil
	}
	if err := inRange("speed_data.current_speed_kmh", sp.CurrentSpeedKmh, 0, 500); err != nil {
		return nil, err
	}
	if err := inRange("speed_data.speed_limit_kmh", sp.SpeedLimitKmh, 0, 500); err != nil {
		return nil, err
	}
	if sp.SpeedLimitKmh != nil && *sp.SpeedLimitKmh == 0 {
		return nil, &ValidationError{Field: "speed_data.speed_limit_kmh", Reason: "must be greater than 0"}
	}
	return &domain.SpeedData{
		CurrentSpeedKmh: copyFloat(sp.CurrentSpeedKmh),
		SpeedLimitKmh:   copyFloat(sp.SpeedLimitKmh),
	}, nil
}

func normalizeFire(f *domain.FireStatus) (*domain.FireStatus, error) {
	if f == nil || (f.CabinTempC == nil && f.BatteryTempC == nil && f.FireConfidencePct == nil) {
		return nil, nil
	}
	if err := inRange("fire_status.cabin_temp_celsius", f.CabinTempC, -50, 200); err != nil {
		return nil, err
	}
	if err := inRange("fire_status.battery_temp_celsius", f.BatteryTempC, -50, 200); err != nil {
		return nil, err
	}
	if err := inRange("fire_status.fire_confidence_pct", f.FireConfidencePct, 0, 100); err != nil {
		return nil, err
	}
	return &domain.FireStatus{
		CabinTempC:        copyFloat(f.CabinTempC),
		BatteryTempC:      copyFloat(f.BatteryTempC),
		FireConfidencePct: copyFloat(f.FireConfidencePct),
	}, nil
}

func normalizeWater(w *waterPayload) (*domain.WaterStatus, error) {
	if w == nil || (w.WaterLevelCm == nil && w.FloodRisk == nil) {
		return nil, nil
	}
	if err := inRange("water_status.water_level_cm", w.WaterLevelCm, 0, 1000); err != nil {
		return nil, err
	}
	risk, err := parseLevel("water_status.flood_risk", w.FloodRisk)
	if err != nil {
		return nil, err
	}
	return &domain.WaterStatus{
		WaterLevelCm: copyFloat(w.WaterLevelCm),
		FloodRisk:    risk,
	}, nil
}

func normalizeCollision(c *collisionPayload) (*domain.CollisionData, error) {
	if c == nil || (c.GForce == nil && c.Severity == nil) {
		return nil, nil
	}
	if err := inRange("collision_data.g_force", c.GForce, 0, 100); err != nil {
		return nil, err
	}
	sev, err := parseLevel("collision_data.severity", c.Severity)
	if err != nil {
		return nil, err
	}
	return &domain.CollisionData{
		GForce:   copyFloat(c.GForce),
		Severity: sev,
	}, nil
}

func inRange(field string, v *float64, min, max float64) error {
	if v == nil {
		return nil
	}
	if math.IsNaN(*v) || math.IsInf(*v, 0) {
		return &ValidationError{Field: field, Reason: "must be a finite number"}
	}
	if *v < min || *v > max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%g outside [%g, %g]", *v, min, max)}
	}
	return nil
}

func parseLevel(field string, raw *string) (*domain.Level, error) {
	if raw == nil {
		return nil, nil
	}
	l, ok := domain.ParseLevel(*raw)
	if !ok {
		return nil, &ValidationError{Field: field, Reason: fmt.Sprintf("%q is not one of Low, Medium, High", *raw)}
	}
	return &l, nil
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
