package store

import (
	"context"
	"sync"
	"time"
)

const janitorInterval = 30 * time.Second

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is an in-process Store with per-record expiry. It is suitable for
// single-instance deployments and tests; use Redis when multiple server
// instances must share sessions.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// now is swappable so expiry behavior can be tested without sleeping.
	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

var _ Store = (*Memory)(nil)

// NewMemory creates the store and starts a janitor goroutine that evicts
// expired records. Expired records are also filtered on read, so the janitor
// only bounds memory growth.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.janitor()
	return m
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.evictExpired()
		case <-m.stop:
			return
		}
	}
}

func (m *Memory) evictExpired() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cp := make([]byte, len(value))
	copy(cp, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{value: cp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()

	if !ok || m.now().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	cp := make([]byte, len(e.value))
	copy(cp, e.value)
	return cp, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}
