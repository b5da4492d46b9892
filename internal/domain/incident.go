package domain

import "time"

type Category string

const (
	CategoryDriverFatigue Category = "DRIVER_FATIGUE"
	CategoryOverspeed     Category = "OVERSPEED"
	CategoryFire          Category = "FIRE"
	CategoryFlood         Category = "FLOOD"
	CategoryCollision     Category = "COLLISION"
)

// Categories lists every incident category in a stable order.
var Categories = []Category{
	CategoryDriverFatigue,
	CategoryOverspeed,
	CategoryFire,
	CategoryFlood,
	CategoryCollision,
}

func (c Category) Valid() bool {
	switch c {
	case CategoryDriverFatigue, CategoryOverspeed, CategoryFire, CategoryFlood, CategoryCollision:
		return true
	}
	return false
}

type Status string

const (
	StatusNormal   Status = "NORMAL"
	StatusIncident Status = "INCIDENT"
)

func (s Status) Valid() bool {
	return s == StatusNormal || s == StatusIncident
}

// IncidentState is the classifier's verdict for one category of one vehicle.
type IncidentState struct {
	Status     Status          `json:"status"`
	Since      time.Time       `json:"since"`
	LastSample TelemetrySample `json:"last_sample"`
	Confidence float64         `json:"confidence"`
}

// VehicleState aggregates every category for a vehicle. Values handed out by
// the store are snapshots; use Clone before mutating.
type VehicleState struct {
	VehicleID  string                     `json:"vehicle_id"`
	Categories map[Category]IncidentState `json:"categories"`
	FirstSeen  time.Time                  `json:"first_seen"`
	LastSeen   time.Time                  `json:"last_seen"`
	Sequence   uint64                     `json:"sequence"`
}

// NewVehicleState returns a state with every category NORMAL since now.
func NewVehicleState(vehicleID string, now time.Time) VehicleState {
	vs := VehicleState{
		VehicleID:  vehicleID,
		Categories: make(map[Category]IncidentState, len(Categories)),
		FirstSeen:  now,
		LastSeen:   now,
	}
	for _, c := range Categories {
		vs.Categories[c] = IncidentState{
			Status:     StatusNormal,
			Since:      now,
			LastSample: TelemetrySample{VehicleID: vehicleID},
		}
	}
	return vs
}

func (v VehicleState) Clone() VehicleState {
	out := v
	out.Categories = make(map[Category]IncidentState, len(v.Categories))
	for c, st := range v.Categories {
		out.Categories[c] = st
	}
	return out
}

// Statuses flattens the state into a category -> status summary.
func (v VehicleState) Statuses() map[Category]Status {
	out := make(map[Category]Status, len(v.Categories))
	for c, st := range v.Categories {
		out[c] = st.Status
	}
	return out
}

// StateChangeEvent records exactly one status transition.
type StateChangeEvent struct {
	ID         string          `json:"id" msgpack:"id"`
	VehicleID  string          `json:"vehicle_id" msgpack:"vehicle_id"`
	Category   Category        `json:"category" msgpack:"category"`
	OldStatus  Status          `json:"old_status" msgpack:"old_status"`
	NewStatus  Status          `json:"new_status" msgpack:"new_status"`
	Timestamp  time.Time       `json:"timestamp" msgpack:"timestamp"`
	Sequence   uint64          `json:"sequence" msgpack:"sequence"`
	Confidence float64         `json:"confidence" msgpack:"confidence"`
	Sample     TelemetrySample `json:"sample" msgpack:"sample"`
}
