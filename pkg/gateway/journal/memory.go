package journal

import (
	"context"
	"sync"
	"time"
)

const defaultMaxSessions = 1024

type memorySession struct {
	rec    SessionRecord
	events []Event
	closed bool
}

// MemoryStore keeps journals in process. Once MaxSessions is reached the
// oldest closed sessions are evicted first.
type MemoryStore struct {
	MaxSessions int
	Now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*memorySession
	order    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) Open(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*memorySession)
	}
	if _, ok := m.sessions[rec.ID]; ok {
		return nil
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = m.now()
	}
	m.sessions[rec.ID] = &memorySession{rec: rec}
	m.order = append(m.order, rec.ID)
	m.evictLocked()
	return nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if ev.At.IsZero() {
		ev.At = m.now()
	}
	ev.Seq = int64(len(s.events) + 1)
	s.events = append(s.events, ev)
	return nil
}

func (m *MemoryStore) Close(ctx context.Context, sessionID, reason string) error {
	if err := m.Append(ctx, sessionID, Event{Kind: KindClosed, Text: reason}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.closed = true
	}
	return nil
}

func (m *MemoryStore) Events(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out, nil
}

func (m *MemoryStore) evictLocked() {
	limit := m.MaxSessions
	if limit <= 0 {
		limit = defaultMaxSessions
	}
	for len(m.order) > limit {
		victim := -1
		for i, id := range m.order {
			if s := m.sessions[id]; s != nil && s.closed {
				victim = i
				break
			}
		}
		if victim < 0 {
			// Every tracked session is live; drop the oldest.
			victim = 0
		}
		delete(m.sessions, m.order[victim])
		m.order = append(m.order[:victim], m.order[victim+1:]...)
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
