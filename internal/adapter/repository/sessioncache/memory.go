package sessioncache

import (
	"context"
	"sync"
	"time"

	"github.com/praxio/localcore/internal/domain"
)

type memoryEntry struct {
	session   domain.AuthSession
	expiresAt time.Time
}

// Memory is the in-process fast tier of the session cache, used on devices
// without a local Redis. Entries carry their own expiry; expired entries are
// treated as misses and dropped lazily.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemory creates an empty in-memory session cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memoryEntry)}
}

func (m *Memory) Get(ctx context.Context, key string) (*domain.AuthSession, error) {
	m.mu.RLock()
	entry, found := m.entries[key]
	m.mu.RUnlock()

	if !found {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Lock()
		delete(m.entries, key)
		m.mu.Unlock()
		return nil, nil
	}
	session := entry.session
	return &session, nil
}

func (m *Memory) Set(ctx context.Context, key string, session *domain.AuthSession, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{session: *session, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
