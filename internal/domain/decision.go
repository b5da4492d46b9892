package domain

import "time"

// DecisionRecord is the audit entry for one decided incident event. It is
// what executors act on and what the audit trail returns.
type DecisionRecord struct {
	EventID     string    `json:"event_id" msgpack:"event_id"`
	VehicleID   string    `json:"vehicle_id" msgpack:"vehicle_id"`
	Category    Category  `json:"category" msgpack:"category"`
	PriorStatus Status    `json:"prior_status" msgpack:"prior_status"`
	Sequence    uint64    `json:"sequence" msgpack:"sequence"`
	Actions     []string  `json:"actions" msgpack:"actions"`
	Rationale   string    `json:"rationale" msgpack:"rationale"`
	Provider    string    `json:"provider" msgpack:"provider"`
	Degraded    bool      `json:"degraded" msgpack:"degraded"`
	// FallbackReason is set when Degraded is true.
	FallbackReason string    `json:"fallback_reason,omitempty" msgpack:"fallback_reason,omitempty"`
	DecidedAt      time.Time `json:"decided_at" msgpack:"decided_at"`
	LatencyMS      int64     `json:"latency_ms" msgpack:"latency_ms"`
}
