package domain

import (
	"strings"
	"time"
)

// Level is the three-step scale used by flood risk and collision severity.
type Level string

const (
	LevelLow    Level = "Low"
	LevelMedium Level = "Medium"
	LevelHigh   Level = "High"
)

// ParseLevel canonicalizes a level name, case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, true
	case "medium":
		return LevelMedium, true
	case "high":
		return LevelHigh, true
	default:
		return "", false
	}
}

type DriverAlertness struct {
	EyeClosurePct     *float64 `json:"eye_closure_pct,omitempty"`
	BlinkDurationMs   *float64 `json:"blink_duration_ms,omitempty"`
	YawningRatePerMin *float64 `json:"yawning_rate_per_min,omitempty"`
}

type SpeedData struct {
	CurrentSpeedKmh *float64 `json:"current_speed_kmh,omitempty"`
	SpeedLimitKmh   *float64 `json:"speed_limit_kmh,omitempty"`
}

type FireStatus struct {
	CabinTempC        *float64 `json:"cabin_temp_celsius,omitempty"`
	BatteryTempC      *float64 `json:"battery_temp_celsius,omitempty"`
	FireConfidencePct *float64 `json:"fire_confidence_pct,omitempty"`
}

type WaterStatus struct {
	WaterLevelCm *float64 `json:"water_level_cm,omitempty"`
	FloodRisk    *Level   `json:"flood_risk,omitempty"`
}

type CollisionData struct {
	GForce   *float64 `json:"g_force,omitempty"`
	Severity *Level   `json:"severity,omitempty"`
}

// TelemetrySample is the canonical, validated form of one vehicle update.
// A nil sub-record means the update carried no observation for that category.
type TelemetrySample struct {
	VehicleID string `json:"vehicle_id"`

	// ReceivedAt is assigned by the server and is the only ordering key.
	ReceivedAt time.Time `json:"received_at"`
	// ReportedAt is the producer's own clock, kept for display only.
	ReportedAt *time.Time `json:"reported_at,omitempty"`

	Driver    *DriverAlertness `json:"driver_alertness,omitempty"`
	Speed     *SpeedData       `json:"speed_data,omitempty"`
	Fire      *FireStatus      `json:"fire_status,omitempty"`
	Water     *WaterStatus     `json:"water_status,omitempty"`
	Collision *CollisionData   `json:"collision_data,omitempty"`
}

// Empty reports whether the sample carries no observation at all.
func (s *TelemetrySample) Empty() bool {
	return s.Driver == nil && s.Speed == nil && s.Fire == nil && s.Water == nil && s.Collision == nil
}

// Slice returns a deep copy of the sample holding only the sub-record that
// feeds the given category.
func (s *TelemetrySample) Slice(c Category) TelemetrySample {
	out := TelemetrySample{
		VehicleID:  s.VehicleID,
		ReceivedAt: s.ReceivedAt,
	}
	if s.ReportedAt != nil {
		t := *s.ReportedAt
		out.ReportedAt = &t
	}

	switch c {
	case CategoryDriverFatigue:
		if s.Driver != nil {
			out.Driver = &DriverAlertness{
				EyeClosurePct:     cloneFloat(s.Driver.EyeClosurePct),
				BlinkDurationMs:   cloneFloat(s.Driver.BlinkDurationMs),
				YawningRatePerMin: cloneFloat(s.Driver.YawningRatePerMin),
			}
		}
	case CategoryOverspeed:
		if s.Speed != nil {
			out.Speed = &SpeedData{
				CurrentSpeedKmh: cloneFloat(s.Speed.CurrentSpeedKmh),
				SpeedLimitKmh:   cloneFloat(s.Speed.SpeedLimitKmh),
			}
		}
	case CategoryFire:
		if s.Fire != nil {
			out.Fire = &FireStatus{
				CabinTempC:        cloneFloat(s.Fire.CabinTempC),
				BatteryTempC:      cloneFloat(s.Fire.BatteryTempC),
				FireConfidencePct: cloneFloat(s.Fire.FireConfidencePct),
			}
		}
	case CategoryFlood:
		if s.Water != nil {
			out.Water = &WaterStatus{
				WaterLevelCm: cloneFloat(s.Water.WaterLevelCm),
				FloodRisk:    cloneLevel(s.Water.FloodRisk),
			}
		}
	case CategoryCollision:
		if s.Collision != nil {
			out.Collision = &CollisionData{
				GForce:   cloneFloat(s.Collision.GForce),
				Severity: cloneLevel(s.Collision.Severity),
			}
		}
	}
	return out
}

func cloneFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneLevel(p *Level) *Level {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Float and LevelPtr build optional fields; mostly useful in tests and tools.
func Float(v float64) *float64 { return &v }

func LevelPtr(l Level) *Level { return &l }
