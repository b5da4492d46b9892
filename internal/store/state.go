package store

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"fleet-monitor/safety/internal/domain"
	"fleet-monitor/safety/internal/metrics"
)

// ErrStoreCorruption means a committed record no longer matches its key.
// It is unreachable while updates go through Update.
var ErrStoreCorruption = errors.New("vehicle state store corruption")

// Track is classifier bookkeeping that never leaves the store.
type Track struct {
	ClearStreak    int
	LastQualifying time.Time
}

// Record is the mutable working copy handed to an update function.
type Record struct {
	State  domain.VehicleState
	Tracks map[domain.Category]Track
}

func (r *Record) clone() Record {
	out := Record{
		State:  r.State.Clone(),
		Tracks: make(map[domain.Category]Track, len(r.Tracks)),
	}
	for c, t := range r.Tracks {
		out.Tracks[c] = t
	}
	return out
}

type entry struct {
	mu   sync.Mutex
	rec  *Record
	dead bool

	// snap is replaced wholesale on commit; readers never see a partial update.
	snap atomic.Pointer[domain.VehicleState]
}

// StateStore maps vehicle id to its current state. Each vehicle has its own
// lock; nothing on the update path is shared across vehicles.
type StateStore struct {
	entries sync.Map // string -> *entry
	count   atomic.Int64
	alarm   atomic.Bool
	logger  *slog.Logger
}

func NewStateStore(logger *slog.Logger) *StateStore {
	return &StateStore{logger: logger}
}

// Update runs fn against a private copy of the vehicle's record while holding
// the vehicle lock. The copy is committed only when fn succeeds; after is then
// called with the committed snapshot, still under the lock, so anything it
// publishes is ordered per vehicle.
func (s *StateStore) Update(
	vehicleID string,
	now time.Time,
	fn func(rec *Record) error,
	after func(state domain.VehicleState),
) (domain.VehicleState, error) {
	for {
		e := s.load(vehicleID)

		e.mu.Lock()
		if e.dead {
			// Evicted between load and lock; the map now holds a fresh entry.
			e.mu.Unlock()
			continue
		}

		var working Record
		if e.rec == nil {
			working = Record{
				State:  domain.NewVehicleState(vehicleID, now),
				Tracks: make(map[domain.Category]Track, len(domain.Categories)),
			}
		} else {
			working = e.rec.clone()
		}

		if err := fn(&working); err != nil {
			prev := s.current(e, vehicleID)
			if e.rec == nil {
				e.dead = true
				s.entries.Delete(vehicleID)
			}
			e.mu.Unlock()
			return prev, err
		}

		if working.State.VehicleID != vehicleID {
			e.mu.Unlock()
			s.raiseAlarm(vehicleID, working.State.VehicleID)
			return domain.VehicleState{}, fmt.Errorf("%w: key %q holds %q", ErrStoreCorruption, vehicleID, working.State.VehicleID)
		}

		if e.rec == nil {
			metrics.VehiclesTracked.Set(float64(s.count.Add(1)))
		}
		e.rec = &working
		snap := working.State.Clone()
		e.snap.Store(&snap)

		if after != nil {
			after(snap)
		}
		e.mu.Unlock()
		return snap, nil
	}
}

func (s *StateStore) load(vehicleID string) *entry {
	if v, ok := s.entries.Load(vehicleID); ok {
		return v.(*entry)
	}
	v, _ := s.entries.LoadOrStore(vehicleID, &entry{})
	return v.(*entry)
}

func (s *StateStore) current(e *entry, vehicleID string) domain.VehicleState {
	if p := e.snap.Load(); p != nil {
		return *p
	}
	return domain.VehicleState{VehicleID: vehicleID}
}

// Get returns the last committed state for a vehicle.
func (s *StateStore) Get(vehicleID string) (domain.VehicleState, bool) {
	v, ok := s.entries.Load(vehicleID)
	if !ok {
		return domain.VehicleState{}, false
	}
	p := v.(*entry).snap.Load()
	if p == nil {
		return domain.VehicleState{}, false
	}
	return *p, true
}

// Snapshot enumerates every committed vehicle, ordered by id.
func (s *StateStore) Snapshot() []domain.VehicleState {
	out := make([]domain.VehicleState, 0, s.count.Load())
	s.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		p := e.snap.Load()
		if p == nil {
			return true
		}
		if p.VehicleID != key.(string) {
			s.raiseAlarm(key.(string), p.VehicleID)
			return true
		}
		out = append(out, *p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (s *StateStore) Len() int {
	return int(s.count.Load())
}

// EvictIdle removes vehicles not seen since cutoff. onEvict runs under the
// vehicle lock before the entry disappears, so it is ordered before any
// event of a vehicle recreated with the same id.
func (s *StateStore) EvictIdle(cutoff time.Time, onEvict func(vehicleID string)) []string {
	var evicted []string
	s.entries.Range(func(key, value any) bool {
		id := key.(string)
		e := value.(*entry)

		e.mu.Lock()
		defer e.mu.Unlock()

		if e.dead || e.rec == nil || !e.rec.State.LastSeen.Before(cutoff) {
			return true
		}
		e.dead = true
		if onEvict != nil {
			onEvict(id)
		}
		s.entries.Delete(id)
		metrics.VehiclesTracked.Set(float64(s.count.Add(-1)))
		evicted = append(evicted, id)
		return true
	})
	return evicted
}

// Alarmed reports whether corruption was ever detected.
func (s *StateStore) Alarmed() bool {
	return s.alarm.Load()
}

func (s *StateStore) raiseAlarm(key, found string) {
	s.alarm.Store(true)
	metrics.StoreCorruption.Inc()
	s.logger.Error("vehicle state store corruption",
		"key", key,
		"found_vehicle_id", found,
	)
}
