package border

import "sync"

// Boundary is the live, in-world border the controller drives.
type Boundary interface {
	SetSize(world string, size float64)
	Size(world string) (float64, bool)
}

// Memory is a Boundary held in process memory.
type Memory struct {
	mu    sync.RWMutex
	sizes map[string]float64
}

func NewMemory() *Memory {
	return &Memory{sizes: map[string]float64{}}
}

func (m *Memory) SetSize(world string, size float64) {
	m.mu.Lock()
	m.sizes[world] = size
	m.mu.Unlock()
}

func (m *Memory) Size(world string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sizes[world]
	return s, ok
}

// Snapshot returns all live sizes keyed by world.
func (m *Memory) Snapshot() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(m.sizes))
	for k, v := range m.sizes {
		out[k] = v
	}
	return out
}
