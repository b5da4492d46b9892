package hub

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

// Message types pushed to observers.
const (
	TypeSnapshot       = "snapshot"
	TypeStateChange    = "state_change"
	TypeResync         = "resync"
	TypeVehicleEvicted = "vehicle_evicted"
)

var ErrObserverClosed = errors.New("observer closed")

// Message is the unit delivered to a dashboard observer.
type Message struct {
	Type       string                `json:"type"`
	EventID    string                `json:"event_id,omitempty"`
	VehicleID  string                `json:"vehicle_id,omitempty"`
	Category   domain.Category       `json:"category,omitempty"`
	Status     domain.Status         `json:"status,omitempty"`
	OldStatus  domain.Status         `json:"old_status,omitempty"`
	Sequence   uint64                `json:"sequence,omitempty"`
	Confidence float64               `json:"confidence,omitempty"`
	Timestamp  time.Time             `json:"timestamp"`
	Vehicles   []domain.VehicleState `json:"vehicles,omitempty"`
	// Dropped is the observer's running drop count, set on resync.
	Dropped uint64 `json:"dropped,omitempty"`
}

// Snapshotter supplies the full current state for catch-up.
type Snapshotter interface {
	Snapshot() []domain.VehicleState
}

// Hub fans state changes out to observers. Publishing never waits on an
// observer; each observer owns a bounded queue that drops its oldest entry
// when full.
type Hub struct {
	source    Snapshotter
	queueSize int
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	observers map[string]*Observer
}

func New(source Snapshotter, queueSize int, logger *slog.Logger) *Hub {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Hub{
		source:    source,
		queueSize: queueSize,
		logger:    logger,
		now:       time.Now,
		observers: make(map[string]*Observer),
	}
}

// Subscribe registers a new observer. Registration happens before the
// catch-up snapshot is read, so the first message delivered by Next is a
// snapshot and no later event can fall between it and the live stream.
func (h *Hub) Subscribe() *Observer {
	o := &Observer{
		ID:      uuid.NewString(),
		hub:     h,
		buf:     make([]item, h.queueSize),
		pending: TypeSnapshot,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		lastSeq: make(map[string]uint64),
	}

	h.mu.Lock()
	h.observers[o.ID] = o
	n := len(h.observers)
	h.mu.Unlock()

	metrics.Observers.Set(float64(n))
	h.logger.Info("observer connected", "observer_id", o.ID, "observers", n)
	return o
}

func (h *Hub) Unsubscribe(o *Observer) {
	h.mu.Lock()
	_, ok := h.observers[o.ID]
	delete(h.observers, o.ID)
	n := len(h.observers)
	h.mu.Unlock()

	if !ok {
		return
	}
	o.close()
	metrics.Observers.Set(float64(n))
	h.logger.Info("observer disconnected",
		"observer_id", o.ID,
		"dropped", o.Dropped(),
		"observers", n,
	)
}

// Publish enqueues a state change for every observer.
func (h *Hub) Publish(evt domain.StateChangeEvent, _ domain.VehicleState) {
	h.broadcast(item{event: &evt})
}

// Evicted tells observers a vehicle is gone and its sequence restarts.
func (h *Hub) Evicted(vehicleID string) {
	h.broadcast(item{evicted: vehicleID, at: h.now()})
}

// BroadcastSnapshot pushes the full current state to every observer.
func (h *Hub) BroadcastSnapshot() {
	h.broadcast(item{snapshot: h.source.Snapshot(), at: h.now()})
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

func (h *Hub) broadcast(it item) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.observers {
		o.enqueue(it)
	}
}

// Close disconnects every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	obs := h.observers
	h.observers = make(map[string]*Observer)
	h.mu.Unlock()

	for _, o := range obs {
		o.close()
	}
	metrics.Observers.Set(0)
}
