package discovery

import (
	"sync"

	"chunkfrontier.ai/internal/sim/region"
)

// Tracker remembers the last region each online player was seen in so that
// movement within a region does not reach the engine.
type Tracker struct {
	mu   sync.Mutex
	last map[string]region.Key
}

func NewTracker() *Tracker {
	return &Tracker{last: map[string]region.Key{}}
}

// Moved records k and reports whether it differs from the previous region.
func (t *Tracker) Moved(playerID string, k region.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.last[playerID]; ok && prev == k {
		return false
	}
	t.last[playerID] = k
	return true
}

func (t *Tracker) Forget(playerID string) {
	t.mu.Lock()
	delete(t.last, playerID)
	t.mu.Unlock()
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}
