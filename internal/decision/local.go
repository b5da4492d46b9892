package decision

import (
	"context"
	"fmt"
	"strings"

	"fleet-monitor/safety/internal/domain"
)

const (
	ActionDispatchSOS       = "dispatch_sos"
	ActionUnlockDoors       = "unlock_doors"
	ActionEmergencyAlarm    = "emergency_alarm"
	ActionEmergencyLighting = "emergency_lighting"
	ActionPAAnnouncement    = "pa_announcement"
	ActionDriverAlertTone   = "driver_alert_tone"
	ActionSeatVibration     = "seat_vibration"
	ActionNotifyFleet       = "notify_fleet"
	ActionReportViolation   = "report_violation"
)

var localActions = map[domain.Category][]string{
	domain.CategoryFire: {
		ActionDispatchSOS, ActionUnlockDoors, ActionEmergencyAlarm, ActionEmergencyLighting, ActionPAAnnouncement,
	},
	domain.CategoryFlood: {
		ActionDispatchSOS, ActionUnlockDoors, ActionEmergencyAlarm, ActionPAAnnouncement,
	},
	domain.CategoryCollision: {
		ActionDispatchSOS, ActionUnlockDoors, ActionEmergencyLighting, ActionNotifyFleet,
	},
	domain.CategoryDriverFatigue: {
		ActionDriverAlertTone, ActionSeatVibration, ActionNotifyFleet,
	},
	domain.CategoryOverspeed: {
		ActionDriverAlertTone, ActionReportViolation,
	},
}

// LocalProvider maps a category to a fixed action set. It never fails and
// is the fallback for every other provider.
type LocalProvider struct{}

func NewLocalProvider() *LocalProvider {
	return &LocalProvider{}
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) Decide(_ context.Context, req Request) (Decision, error) {
	actions, ok := localActions[req.Category]
	if !ok {
		return Decision{
			Actions:   []string{ActionNotifyFleet},
			Rationale: fmt.Sprintf("no local rule for %s, escalating to fleet", req.Category),
		}, nil
	}
	return Decision{
		Actions:   append([]string(nil), actions...),
		Rationale: fmt.Sprintf("%s incident on %s: %s", req.Category, req.VehicleID, strings.Join(actions, ", ")),
	}, nil
}
