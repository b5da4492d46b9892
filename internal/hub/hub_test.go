package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/logging"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu     sync.Mutex
	states map[string]domain.VehicleState
}

func newFakeSource() *fakeSource {
	return &fakeSource{states: map[string]domain.VehicleState{}}
}

func (f *fakeSource) set(id string, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vs := domain.NewVehicleState(id, t0)
	vs.Sequence = seq
	f.states[id] = vs
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
}

func (f *fakeSource) Snapshot() []domain.VehicleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.VehicleState, 0, len(f.states))
	for _, vs := range f.states {
		out = append(out, vs)
	}
	return out
}

func event(id string, seq uint64) domain.StateChangeEvent {
	status := domain.StatusIncident
	if seq%2 == 0 {
		status = domain.StatusNormal
	}
	return domain.StateChangeEvent{
		ID:        "evt",
		VehicleID: id,
		Category:  domain.CategoryFire,
		NewStatus: status,
		Sequence:  seq,
		Timestamp: t0,
	}
}

// commit mirrors the classifier: state first, then the event.
func commit(h *Hub, src *fakeSource, id string, seq uint64) {
	src.set(id, seq)
	h.Publish(event(id, seq), domain.VehicleState{})
}

func next(t *testing.T, o *Observer) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := o.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestFirstMessageIsSnapshot(t *testing.T) {
	src := newFakeSource()
	src.set("VEH001", 3)
	h := New(src, 8, logging.Discard())

	o := h.Subscribe()
	defer h.Unsubscribe(o)

	msg := next(t, o)
	assert.Equal(t, TypeSnapshot, msg.Type)
	require.Len(t, msg.Vehicles, 1)
	assert.Equal(t, uint64(3), msg.Vehicles[0].Sequence)

	commit(h, src, "VEH001", 4)
	msg = next(t, o)
	assert.Equal(t, TypeStateChange, msg.Type)
	assert.Equal(t, "VEH001", msg.VehicleID)
	assert.Equal(t, uint64(4), msg.Sequence)
	assert.Equal(t, domain.StatusNormal, msg.Status)
}

func TestEventsRacingTheSnapshotAreDeduplicated(t *testing.T) {
	src := newFakeSource()
	h := New(src, 8, logging.Discard())

	o := h.Subscribe()
	defer h.Unsubscribe(o)

	// Committed and published after registration but before the snapshot read.
	commit(h, src, "V", 1)
	commit(h, src, "V", 2)

	msg := next(t, o)
	assert.Equal(t, TypeSnapshot, msg.Type)
	require.Len(t, msg.Vehicles, 1)
	assert.Equal(t, uint64(2), msg.Vehicles[0].Sequence)

	commit(h, src, "V", 3)
	msg = next(t, o)
	assert.Equal(t, uint64(3), msg.Sequence, "events covered by the snapshot are skipped")
}

func TestSequencesStrictlyIncreasingPerVehicle(t *testing.T) {
	src := newFakeSource()
	h := New(src, 64, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	for seq := uint64(1); seq <= 10; seq++ {
		commit(h, src, "A", seq)
		commit(h, src, "B", seq)
	}

	last := map[string]uint64{}
	for i := 0; i < 20; i++ {
		msg := next(t, o)
		require.Equal(t, TypeStateChange, msg.Type)
		assert.Equal(t, last[msg.VehicleID]+1, msg.Sequence)
		last[msg.VehicleID] = msg.Sequence
	}
}

func TestFullQueueDropsOldestAndResyncs(t *testing.T) {
	src := newFakeSource()
	h := New(src, 2, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	for seq := uint64(1); seq <= 5; seq++ {
		commit(h, src, "V", seq)
	}
	assert.Equal(t, uint64(3), o.Dropped())

	msg := next(t, o)
	assert.Equal(t, TypeResync, msg.Type)
	assert.Equal(t, uint64(3), msg.Dropped)
	require.Len(t, msg.Vehicles, 1)
	assert.Equal(t, uint64(5), msg.Vehicles[0].Sequence, "resync matches the store")

	commit(h, src, "V", 6)
	msg = next(t, o)
	assert.Equal(t, TypeStateChange, msg.Type)
	assert.Equal(t, uint64(6), msg.Sequence)
}

func TestGapTriggersResync(t *testing.T) {
	src := newFakeSource()
	h := New(src, 8, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	commit(h, src, "V", 1)
	src.set("V", 2) // seq 2 never published
	commit(h, src, "V", 3)

	assert.Equal(t, uint64(1), next(t, o).Sequence)

	msg := next(t, o)
	assert.Equal(t, TypeResync, msg.Type)
	assert.Equal(t, uint64(3), msg.Vehicles[0].Sequence)
}

func TestClientRequestedResync(t *testing.T) {
	src := newFakeSource()
	src.set("V", 7)
	h := New(src, 8, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	o.RequestResync()
	msg := next(t, o)
	assert.Equal(t, TypeResync, msg.Type)
	assert.Zero(t, msg.Dropped)
	assert.Len(t, msg.Vehicles, 1)
}

func TestEvictionResetsSequenceTracking(t *testing.T) {
	src := newFakeSource()
	src.set("V", 4)
	h := New(src, 8, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	src.remove("V")
	h.Evicted("V")
	commit(h, src, "V", 1)

	msg := next(t, o)
	assert.Equal(t, TypeVehicleEvicted, msg.Type)
	assert.Equal(t, "V", msg.VehicleID)

	msg = next(t, o)
	assert.Equal(t, TypeStateChange, msg.Type)
	assert.Equal(t, uint64(1), msg.Sequence)
}

func TestPeriodicSnapshotSkipsStaleVehicles(t *testing.T) {
	src := newFakeSource()
	h := New(src, 8, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	commit(h, src, "A", 1)
	commit(h, src, "A", 2)
	require.Equal(t, uint64(1), next(t, o).Sequence)
	require.Equal(t, uint64(2), next(t, o).Sequence)

	// Snapshot taken while A was behind what the observer already has.
	stale := domain.NewVehicleState("A", t0)
	stale.Sequence = 1
	fresh := domain.NewVehicleState("B", t0)
	h.broadcast(item{snapshot: []domain.VehicleState{stale, fresh}, at: t0})

	msg := next(t, o)
	assert.Equal(t, TypeSnapshot, msg.Type)
	require.Len(t, msg.Vehicles, 1)
	assert.Equal(t, "B", msg.Vehicles[0].VehicleID)
}

func TestSlowObserverNeverBlocksPublisher(t *testing.T) {
	src := newFakeSource()
	h := New(src, 4, logging.Discard())
	slow := h.Subscribe()
	defer h.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for seq := uint64(1); seq <= 10000; seq++ {
			h.Publish(event("V", seq), domain.VehicleState{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stalled observer")
	}
	assert.Equal(t, uint64(10000-4), slow.Dropped())
}

func TestUnsubscribeReleasesObserver(t *testing.T) {
	h := New(newFakeSource(), 8, logging.Discard())
	o := h.Subscribe()
	other := h.Subscribe()
	defer h.Unsubscribe(other)

	h.Unsubscribe(o)
	assert.Equal(t, 1, h.Len())

	select {
	case <-o.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, err := o.Next(context.Background())
	assert.ErrorIs(t, err, ErrObserverClosed)

	commit(h, newFakeSource(), "V", 1)
	require.Equal(t, TypeSnapshot, next(t, other).Type)
}

func TestNextHonorsContext(t *testing.T) {
	h := New(newFakeSource(), 8, logging.Discard())
	o := h.Subscribe()
	defer h.Unsubscribe(o)
	require.Equal(t, TypeSnapshot, next(t, o).Type)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := o.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
