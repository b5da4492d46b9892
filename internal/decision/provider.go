package decision

import (
	"context"
	"errors"
	"time"

	"fleet-monitor/safety/internal/domain"
)

var (
	ErrProviderTimeout     = errors.New("decision provider timed out")
	ErrProviderUnavailable = errors.New("decision provider unavailable")
	ErrMalformedResponse   = errors.New("decision provider returned a malformed response")
)

// Request is everything a provider gets to decide on one incident.
type Request struct {
	EventID     string                 `json:"event_id"`
	VehicleID   string                 `json:"vehicle_id"`
	Category    domain.Category        `json:"category"`
	PriorStatus domain.Status          `json:"prior_status"`
	Confidence  float64                `json:"confidence"`
	Sample      domain.TelemetrySample `json:"sample"`
	Timestamp   time.Time              `json:"timestamp"`
}

func RequestFromEvent(evt domain.StateChangeEvent) Request {
	return Request{
		EventID:     evt.ID,
		VehicleID:   evt.VehicleID,
		Category:    evt.Category,
		PriorStatus: evt.OldStatus,
		Confidence:  evt.Confidence,
		Sample:      evt.Sample,
		Timestamp:   evt.Timestamp,
	}
}

type Decision struct {
	Actions   []string `json:"actions"`
	Rationale string   `json:"rationale"`
}

// Provider decides what to do about an incident.
type Provider interface {
	Name() string
	Decide(ctx context.Context, req Request) (Decision, error)
}
