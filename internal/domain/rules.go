package domain

// Thresholds holds the per-category trip points. Every sub-condition of a
// category is OR'ed: one qualifying field is enough for an incident.
type Thresholds struct {
	FatigueEyeClosurePct float64 `yaml:"fatigue_eye_closure_pct"`
	FatigueBlinkMs       float64 `yaml:"fatigue_blink_ms"`
	FatigueYawnPerMin    float64 `yaml:"fatigue_yawn_per_min"`

	OverspeedFactor float64 `yaml:"overspeed_factor"`

	FireConfidencePct float64 `yaml:"fire_confidence_pct"`
	FireCabinTempC    float64 `yaml:"fire_cabin_temp_c"`
	FireBatteryTempC  float64 `yaml:"fire_battery_temp_c"`

	FloodWaterLevelCm float64 `yaml:"flood_water_level_cm"`

	CollisionGForce float64 `yaml:"collision_g_force"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		FatigueEyeClosurePct: 60,
		FatigueBlinkMs:       400,
		FatigueYawnPerMin:    5,
		OverspeedFactor:      1.1,
		FireConfidencePct:    70,
		FireCabinTempC:       65,
		FireBatteryTempC:     60,
		FloodWaterLevelCm:    15,
		CollisionGForce:      4.0,
	}
}

// Evaluation is the outcome of applying one rule to one sample.
type Evaluation struct {
	// Observed is false when the sample carried nothing for the category.
	Observed   bool
	Present    int
	Qualifying int
	Triggers   []string
}

func (e Evaluation) Breached() bool { return e.Qualifying > 0 }

// Confidence is the share of present sub-conditions that qualified.
func (e Evaluation) Confidence() float64 {
	if e.Present == 0 {
		return 0
	}
	return float64(e.Qualifying) / float64(e.Present)
}

func (e *Evaluation) check(name string, qualifies bool) {
	e.Observed = true
	e.Present++
	if qualifies {
		e.Qualifying++
		e.Triggers = append(e.Triggers, name)
	}
}

type Rule struct {
	Category  Category
	Evaluator func(s *TelemetrySample, t Thresholds) Evaluation
}

var DefaultRules = []Rule{
	{
		Category: CategoryDriverFatigue,
		Evaluator: func(s *TelemetrySample, t Thresholds) Evaluation {
			var e Evaluation
			d := s.Driver
			if d == nil {
				return e
			}
			if d.EyeClosurePct != nil {
				e.check("eye_closure_pct", *d.EyeClosurePct >= t.FatigueEyeClosurePct)
			}
			if d.BlinkDurationMs != nil {
				e.check("blink_duration_ms", *d.BlinkDurationMs >= t.FatigueBlinkMs)
			}
			if d.YawningRatePerMin != nil {
				e.check("yawning_rate_per_min", *d.YawningRatePerMin >= t.FatigueYawnPerMin)
			}
			return e
		},
	},
	{
		Category: CategoryOverspeed,
		Evaluator: func(s *TelemetrySample, t Thresholds) Evaluation {
			var e Evaluation
			sp := s.Speed
			// A speed without its limit is not a comparable observation.
			if sp == nil || sp.CurrentSpeedKmh == nil || sp.SpeedLimitKmh == nil {
				return e
			}
			e.check("current_speed_kmh", *sp.CurrentSpeedKmh > *sp.SpeedLimitKmh*t.OverspeedFactor)
			return e
		},
	},
	{
		Category: CategoryFire,
		Evaluator: func(s *TelemetrySample, t Thresholds) Evaluation {
			var e Evaluation
			f := s.Fire
			if f == nil {
				return e
			}
			if f.FireConfidencePct != nil {
				e.check("fire_confidence_pct", *f.FireConfidencePct >= t.FireConfidencePct)
			}
			if f.CabinTempC != nil {
				e.check("cabin_temp_celsius", *f.CabinTempC >= t.FireCabinTempC)
			}
			if f.BatteryTempC != nil {
				e.check("battery_temp_celsius", *f.BatteryTempC >= t.FireBatteryTempC)
			}
			return e
		},
	},
	{
		Category: CategoryFlood,
		Evaluator: func(s *TelemetrySample, t Thresholds) Evaluation {
			var e Evaluation
			w := s.Water
			if w == nil {
				return e
			}
			if w.FloodRisk != nil {
				e.check("flood_risk", *w.FloodRisk == LevelHigh)
			}
			if w.WaterLevelCm != nil {
				e.check("water_level_cm", *w.WaterLevelCm >= t.FloodWaterLevelCm)
			}
			return e
		},
	},
	{
		Category: CategoryCollision,
		Evaluator: func(s *TelemetrySample, t Thresholds) Evaluation {
			var e Evaluation
			c := s.Collision
			if c == nil {
				return e
			}
			if c.Severity != nil {
				e.check("severity", *c.Severity == LevelHigh)
			}
			if c.GForce != nil {
				e.check("g_force", *c.GForce >= t.CollisionGForce)
			}
			return e
		},
	},
}
