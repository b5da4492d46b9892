package decision

import (
	"sync"

	"fleet-monitor/safety/internal/domain"
)

// AuditTrail keeps the most recent decisions per vehicle and indexes them by
// event id.
type AuditTrail struct {
	size int

	mu        sync.RWMutex
	byVehicle map[string][]domain.DecisionRecord
	byEvent   map[string]domain.DecisionRecord
}

func NewAuditTrail(size int) *AuditTrail {
	if size < 1 {
		size = 1
	}
	return &AuditTrail{
		size:      size,
		byVehicle: make(map[string][]domain.DecisionRecord),
		byEvent:   make(map[string]domain.DecisionRecord),
	}
}

func (a *AuditTrail) Record(rec domain.DecisionRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := append(a.byVehicle[rec.VehicleID], rec)
	if over := len(list) - a.size; over > 0 {
		for _, old := range list[:over] {
			delete(a.byEvent, old.EventID)
		}
		list = append([]domain.DecisionRecord(nil), list[over:]...)
	}
	a.byVehicle[rec.VehicleID] = list
	a.byEvent[rec.EventID] = rec
}

func (a *AuditTrail) Lookup(eventID string) (domain.DecisionRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rec, ok := a.byEvent[eventID]
	return rec, ok
}

// ForVehicle returns a copy of the vehicle's decisions, oldest first.
func (a *AuditTrail) ForVehicle(vehicleID string) []domain.DecisionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]domain.DecisionRecord(nil), a.byVehicle[vehicleID]...)
}
