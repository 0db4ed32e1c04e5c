package history

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type memSession struct {
	turns     []Turn
	expiresAt time.Time
}

// MemoryBackend keeps history in process memory with the same trim and TTL
// semantics as the Redis backend. Expired sessions are dropped on access.
type MemoryBackend struct {
	clock Clock

	mu       sync.Mutex
	sessions map[string]*memSession
}

func NewMemoryBackend(clock Clock) *MemoryBackend {
	if clock == nil {
		clock = realClock{}
	}
	return &MemoryBackend{clock: clock, sessions: make(map[string]*memSession)}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Append(_ context.Context, id string, t Turn, limit int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	s, ok := m.sessions[id]
	if !ok || !now.Before(s.expiresAt) {
		s = &memSession{}
		m.sessions[id] = s
	}
	s.turns = append(s.turns, t)
	if limit > 0 && len(s.turns) > limit {
		trimmed := make([]Turn, limit)
		copy(trimmed, s.turns[len(s.turns)-limit:])
		s.turns = trimmed
	}
	s.expiresAt = now.Add(ttl)
	return nil
}

func (m *MemoryBackend) Read(_ context.Context, id string) ([]Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	if !m.clock.Now().Before(s.expiresAt) {
		delete(m.sessions, id)
		return nil, nil
	}
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (m *MemoryBackend) Clear(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

// Count returns the number of live sessions, sweeping expired ones.
func (m *MemoryBackend) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for id, s := range m.sessions {
		if !now.Before(s.expiresAt) {
			delete(m.sessions, id)
		}
	}
	return len(m.sessions), nil
}

// Ping always succeeds.
func (m *MemoryBackend) Ping(context.Context) error { return nil }
