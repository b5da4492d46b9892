package pipeline

import (
	"context"
	"sync"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

// Transition is a committed state change together with the state it produced.
type Transition struct {
	Event domain.StateChangeEvent
	State domain.VehicleState
}

// Dispatcher fans transitions and decisions out to the persistence stages.
// Sends never block; a full channel drops the item and counts it. A channel
// created with size 0 is disabled.
type Dispatcher struct {
	DBChan       chan domain.StateChangeEvent
	StateChan    chan Transition
	DecisionChan chan domain.DecisionRecord

	mu     sync.RWMutex
	closed bool
}

func NewDispatcher(dbSize, stateSize, decisionSize int) *Dispatcher {
	d := &Dispatcher{}
	if dbSize > 0 {
		d.DBChan = make(chan domain.StateChangeEvent, dbSize)
	}
	if stateSize > 0 {
		d.StateChan = make(chan Transition, stateSize)
	}
	if decisionSize > 0 {
		d.DecisionChan = make(chan domain.DecisionRecord, decisionSize)
	}
	return d
}

// Publish is called by the classifier under the vehicle lock.
func (d *Dispatcher) Publish(evt domain.StateChangeEvent, state domain.VehicleState) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	if d.DBChan != nil {
		select {
		case d.DBChan <- evt:
		default:
			metrics.ChannelDrops.WithLabelValues("db").Inc()
		}
	}

	if d.StateChan != nil {
		select {
		case d.StateChan <- Transition{Event: evt, State: state}:
		default:
			metrics.ChannelDrops.WithLabelValues("state").Inc()
		}
	}
}

// Execute hands a decision to the persistence stage; it satisfies
// decision.Executor.
func (d *Dispatcher) Execute(_ context.Context, rec domain.DecisionRecord) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.DecisionChan == nil {
		return nil
	}

	select {
	case d.DecisionChan <- rec:
	default:
		metrics.ChannelDrops.WithLabelValues("decision").Inc()
	}
	return nil
}

// Close closes every channel so the stages flush and exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.DBChan != nil {
		close(d.DBChan)
	}
	if d.StateChan != nil {
		close(d.StateChan)
	}
	if d.DecisionChan != nil {
		close(d.DecisionChan)
	}
}
