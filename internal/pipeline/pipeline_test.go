package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/logging"
)

type fakeEventStore struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  [][]domain.StateChangeEvent
}

func (f *fakeEventStore) BatchInsertEvents(_ context.Context, events []domain.StateChangeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("db down")
	}
	f.batches = append(f.batches, append([]domain.StateChangeEvent(nil), events...))
	return nil
}

func (f *fakeEventStore) written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

type fakeMirror struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeMirror) PipelineTransition(_ context.Context, evt domain.StateChangeEvent, _ domain.VehicleState) error {
	f.mu.Lock()
	f.ids = append(f.ids, evt.ID)
	f.mu.Unlock()
	return nil
}

type fakeDecisionTarget struct {
	mu       sync.Mutex
	inserted []string
	pushed   []string
}

func (f *fakeDecisionTarget) InsertDecision(_ context.Context, rec domain.DecisionRecord) error {
	f.mu.Lock()
	f.inserted = append(f.inserted, rec.EventID)
	f.mu.Unlock()
	return nil
}

func (f *fakeDecisionTarget) PushDecision(_ context.Context, rec domain.DecisionRecord) error {
	f.mu.Lock()
	f.pushed = append(f.pushed, rec.EventID)
	f.mu.Unlock()
	return nil
}

func evt(id string) domain.StateChangeEvent {
	return domain.StateChangeEvent{ID: id, VehicleID: "V", Category: domain.CategoryFire, NewStatus: domain.StatusIncident}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1)

	d.Publish(evt("a"), domain.VehicleState{})
	d.Publish(evt("b"), domain.VehicleState{})
	require.NoError(t, d.Execute(context.Background(), domain.DecisionRecord{EventID: "a"}))
	require.NoError(t, d.Execute(context.Background(), domain.DecisionRecord{EventID: "b"}))

	assert.Equal(t, "a", (<-d.DBChan).ID)
	assert.Equal(t, "a", (<-d.StateChan).Event.ID)
	assert.Equal(t, "a", (<-d.DecisionChan).EventID)
	assert.Empty(t, d.DBChan)
}

func TestDispatcherDisabledChannels(t *testing.T) {
	d := NewDispatcher(0, 4, 0)
	assert.Nil(t, d.DBChan)
	assert.Nil(t, d.DecisionChan)

	d.Publish(evt("a"), domain.VehicleState{})
	require.NoError(t, d.Execute(context.Background(), domain.DecisionRecord{EventID: "a"}))
	assert.Len(t, d.StateChan, 1)
}

func TestDispatcherCloseIsSafe(t *testing.T) {
	d := NewDispatcher(4, 4, 4)
	d.Close()
	d.Close()

	assert.NotPanics(t, func() {
		d.Publish(evt("late"), domain.VehicleState{})
		_ = d.Execute(context.Background(), domain.DecisionRecord{EventID: "late"})
	})
}

func TestDBWriterBatchesAndFlushesOnClose(t *testing.T) {
	store := &fakeEventStore{}
	ch := make(chan domain.StateChangeEvent, 10)
	w := NewDBWriter(ch, store, 2, 60000, logging.Discard())

	for _, id := range []string{"a", "b", "c"} {
		ch <- evt(id)
	}
	close(ch)
	w.Run(context.Background())

	require.Len(t, store.batches, 2)
	assert.Len(t, store.batches[0], 2)
	assert.Len(t, store.batches[1], 1)
}

func TestDBWriterFlushesOnTicker(t *testing.T) {
	store := &fakeEventStore{}
	ch := make(chan domain.StateChangeEvent, 10)
	w := NewDBWriter(ch, store, 100, 10, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	ch <- evt("a")
	assert.Eventually(t, func() bool { return store.written() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDBWriterRetriesOnce(t *testing.T) {
	store := &fakeEventStore{failures: 1}
	ch := make(chan domain.StateChangeEvent, 1)
	w := NewDBWriter(ch, store, 1, 60000, logging.Discard())
	w.retryDelay = time.Millisecond

	ch <- evt("a")
	close(ch)
	w.Run(context.Background())

	assert.Equal(t, 2, store.calls)
	assert.Equal(t, 1, store.written())
}

func TestDBWriterGivesUpAfterRetry(t *testing.T) {
	store := &fakeEventStore{failures: 5}
	ch := make(chan domain.StateChangeEvent, 1)
	w := NewDBWriter(ch, store, 1, 60000, logging.Discard())
	w.retryDelay = time.Millisecond

	ch <- evt("a")
	close(ch)
	w.Run(context.Background())

	assert.Equal(t, 2, store.calls)
	assert.Zero(t, store.written())
}

func TestStateWriterMirrorsInOrder(t *testing.T) {
	mirror := &fakeMirror{}
	ch := make(chan Transition, 10)
	w := NewStateWriter(ch, mirror, logging.Discard())

	for _, id := range []string{"a", "b", "c"} {
		ch <- Transition{Event: evt(id)}
	}
	close(ch)
	w.Run(context.Background())

	assert.Equal(t, []string{"a", "b", "c"}, mirror.ids)
}

func TestDecisionWriterWritesBothTargets(t *testing.T) {
	target := &fakeDecisionTarget{}
	ch := make(chan domain.DecisionRecord, 2)
	w := NewDecisionWriter(ch, target, target, logging.Discard())

	ch <- domain.DecisionRecord{EventID: "a"}
	ch <- domain.DecisionRecord{EventID: "b"}
	close(ch)
	w.Run(context.Background())

	assert.Equal(t, []string{"a", "b"}, target.inserted)
	assert.Equal(t, []string{"a", "b"}, target.pushed)
}

func TestDecisionWriterOptionalTargets(t *testing.T) {
	target := &fakeDecisionTarget{}
	ch := make(chan domain.DecisionRecord, 1)
	w := NewDecisionWriter(ch, nil, target, logging.Discard())

	ch <- domain.DecisionRecord{EventID: "a"}
	close(ch)
	w.Run(context.Background())

	assert.Empty(t, target.inserted)
	assert.Equal(t, []string{"a"}, target.pushed)
}
