package reservations

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryTracker keeps reservations in process memory. Reservations do not
// survive a restart, so it suits single-instance deployments and tests.
type MemoryTracker struct {
	mu      sync.Mutex
	pending map[string]Reservation
}

// NewMemoryTracker creates an empty tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{pending: make(map[string]Reservation)}
}

var _ Tracker = (*MemoryTracker)(nil)

func (t *MemoryTracker) Track(ctx context.Context, r Reservation) error {
	if r.ID == "" {
		return fmt.Errorf("reservation id is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[r.ID] = r
	return nil
}

func (t *MemoryTracker) Claim(ctx context.Context, id string) (*Reservation, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.pending[id]
	if !ok {
		return nil, false, nil
	}
	delete(t.pending, id)
	return &r, true, nil
}

func (t *MemoryTracker) Get(ctx context.Context, id string) (*Reservation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.pending[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *MemoryTracker) Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	t.mu.Lock()
	expired := make([]Reservation, 0)
	for _, r := range t.pending {
		if r.Expired(now) {
			expired = append(expired, r)
		}
	}
	t.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// Len returns the number of outstanding reservations
func (t *MemoryTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
