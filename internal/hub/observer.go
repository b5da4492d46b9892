package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

// item is one queued entry; exactly one field is set.
type item struct {
	event    *domain.StateChangeEvent
	snapshot []domain.VehicleState
	evicted  string
	at       time.Time
}

// Observer is one subscriber's view of the hub. Next must be called from a
// single goroutine.
type Observer struct {
	ID  string
	hub *Hub

	mu   sync.Mutex
	buf  []item
	head int
	size int
	// pending is a snapshot or resync owed to the consumer before anything
	// else in the queue.
	pending string
	closed  bool

	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64

	// Consumer-owned: highest sequence delivered per vehicle.
	lastSeq map[string]uint64
}

func (o *Observer) enqueue(it item) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if o.size == len(o.buf) {
		o.buf[o.head] = item{}
		o.head = (o.head + 1) % len(o.buf)
		o.size--
		o.dropped.Add(1)
		metrics.ObserverDrops.Inc()
		if o.pending == "" {
			o.pending = TypeResync
		}
	}
	o.buf[(o.head+o.size)%len(o.buf)] = it
	o.size++
	o.mu.Unlock()

	o.wake()
}

func (o *Observer) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// RequestResync asks for a full snapshot ahead of any queued messages.
func (o *Observer) RequestResync() {
	o.mu.Lock()
	if o.pending == "" {
		o.pending = TypeResync
	}
	o.mu.Unlock()
	o.wake()
}

// Dropped is the number of messages lost to a full queue.
func (o *Observer) Dropped() uint64 {
	return o.dropped.Load()
}

// Done is closed once the observer is unsubscribed.
func (o *Observer) Done() <-chan struct{} {
	return o.done
}

// Next blocks until a message is ready. Events already covered by a
// delivered snapshot are skipped, and a sequence gap turns into a resync.
func (o *Observer) Next(ctx context.Context) (Message, error) {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return Message{}, ErrObserverClosed
		}

		if kind := o.pending; kind != "" {
			o.pending = ""
			// Everything queued was committed before this snapshot is read.
			o.resetLocked()
			o.mu.Unlock()
			return o.fullState(kind), nil
		}

		if o.size > 0 {
			it := o.buf[o.head]
			o.buf[o.head] = item{}
			o.head = (o.head + 1) % len(o.buf)
			o.size--
			o.mu.Unlock()

			if msg, ok := o.process(it); ok {
				return msg, nil
			}
			continue
		}
		o.mu.Unlock()

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-o.done:
		case <-o.notify:
		}
	}
}

func (o *Observer) process(it item) (Message, bool) {
	switch {
	case it.event != nil:
		evt := it.event
		last := o.lastSeq[evt.VehicleID]
		if evt.Sequence <= last {
			return Message{}, false
		}
		if evt.Sequence != last+1 {
			o.hub.logger.Warn("observer sequence gap",
				"observer_id", o.ID,
				"vehicle_id", evt.VehicleID,
				"expected", last+1,
				"got", evt.Sequence,
			)
			o.RequestResync()
			return Message{}, false
		}
		o.lastSeq[evt.VehicleID] = evt.Sequence
		return Message{
			Type:       TypeStateChange,
			EventID:    evt.ID,
			VehicleID:  evt.VehicleID,
			Category:   evt.Category,
			Status:     evt.NewStatus,
			OldStatus:  evt.OldStatus,
			Sequence:   evt.Sequence,
			Confidence: evt.Confidence,
			Timestamp:  evt.Timestamp,
		}, true

	case it.evicted != "":
		delete(o.lastSeq, it.evicted)
		return Message{Type: TypeVehicleEvicted, VehicleID: it.evicted, Timestamp: it.at}, true

	default:
		// Periodic snapshot: skip vehicles this observer has already seen
		// past, and advance the rest.
		fresh := make([]domain.VehicleState, 0, len(it.snapshot))
		for _, vs := range it.snapshot {
			if vs.Sequence < o.lastSeq[vs.VehicleID] {
				continue
			}
			o.lastSeq[vs.VehicleID] = vs.Sequence
			fresh = append(fresh, vs)
		}
		return Message{Type: TypeSnapshot, Vehicles: fresh, Timestamp: it.at}, true
	}
}

func (o *Observer) fullState(kind string) Message {
	states := o.hub.source.Snapshot()

	o.lastSeq = make(map[string]uint64, len(states))
	for _, vs := range states {
		o.lastSeq[vs.VehicleID] = vs.Sequence
	}

	msg := Message{
		Type:      kind,
		Vehicles:  states,
		Timestamp: o.hub.now(),
	}
	if kind == TypeResync {
		metrics.ObserverResyncs.Inc()
		msg.Dropped = o.Dropped()
	}
	return msg
}

func (o *Observer) resetLocked() {
	for i := range o.buf {
		o.buf[i] = item{}
	}
	o.head, o.size = 0, 0
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.resetLocked()
	close(o.done)
}
