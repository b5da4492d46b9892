package decision

import (
	"context"
	"sync"
	"time"
)

// Claimer grants the right to act on an event id exactly once.
type Claimer interface {
	Claim(ctx context.Context, eventID string) (bool, error)
}

type ClaimerFunc func(ctx context.Context, eventID string) (bool, error)

func (f ClaimerFunc) Claim(ctx context.Context, eventID string) (bool, error) {
	return f(ctx, eventID)
}

// MemoryClaimer remembers claimed ids for ttl within this process.
type MemoryClaimer struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	claimed map[string]time.Time
}

func NewMemoryClaimer(ttl time.Duration) *MemoryClaimer {
	return &MemoryClaimer{
		ttl:     ttl,
		now:     time.Now,
		claimed: make(map[string]time.Time),
	}
}

func (m *MemoryClaimer) Claim(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if at, ok := m.claimed[eventID]; ok && now.Sub(at) < m.ttl {
		return false, nil
	}
	m.claimed[eventID] = now

	if len(m.claimed) > 10000 {
		for id, at := range m.claimed {
			if now.Sub(at) >= m.ttl {
				delete(m.claimed, id)
			}
		}
	}
	return true, nil
}
