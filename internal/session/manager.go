package session

import (
	"sync"
	"time"
)

// Manager serializes processing per conversation. Two inbound events
// for the same contact arriving close together must not run two
// overlapping AI turns, or duplicate tool side effects (duplicate CRM
// records, duplicate Trello cards) and history races follow. Different
// contacts run in parallel.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu       sync.Mutex
	lastUsed time.Time
}

func NewManager() *Manager {
	return &Manager{
		locks: make(map[string]*convLock),
	}
}

// WithLock runs fn under the contact's lock, creating the lock on
// first use. Callers wrap the whole greeting-or-turn decision in it so
// the HasOutbound check and the send it gates stay atomic.
func (m *Manager) WithLock(contactNumber string, fn func() error) error {
	m.mu.Lock()
	cl, ok := m.locks[contactNumber]
	if !ok {
		cl = &convLock{}
		m.locks[contactNumber] = cl
	}
	m.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	cl.lastUsed = time.Now()
	return fn()
}

// Cleanup drops locks idle longer than maxAge; the lock map would
// otherwise grow with every contact that ever wrote in.
func (m *Manager) Cleanup(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for num, cl := range m.locks {
		if now.Sub(cl.lastUsed) > maxAge {
			delete(m.locks, num)
		}
	}
}
