package dedup

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps processed ids in process memory. It is lost on restart and
// not shared between processes, so it only suits a single worker host.
type MemoryStore struct {
	mu     sync.RWMutex
	seen   map[string]seenAt
	closed bool
	now    func() time.Time
}

type seenAt struct {
	kind string
	at   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]seenAt), now: time.Now}
}

func (m *MemoryStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}

	_, ok := m.seen[messageID]
	return ok, nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, messageID, messageType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	if _, ok := m.seen[messageID]; !ok {
		m.seen[messageID] = seenAt{kind: messageType, at: m.now()}
	}
	return nil
}

func (m *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	for id, s := range m.seen {
		if s.at.Before(cutoff) {
			delete(m.seen, id)
		}
	}
	return nil
}

// Len reports how many ids are currently remembered.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.seen)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.seen = nil
	return nil
}
