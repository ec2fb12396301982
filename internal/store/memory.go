package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felislab/felistrace/backend/internal/model/session"
)

// MemoryStore implements Store with a mutex-guarded map. It is the reference
// implementation of the store contract and backs handler and service tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*session.Session)}
}

func (m *MemoryStore) InsertSession(_ context.Context, s *session.Session) (string, error) {
	stored := cloneSession(s)
	stored.ID = uuid.NewString()

	m.mu.Lock()
	m.sessions[stored.ID] = stored
	m.mu.Unlock()

	return stored.ID, nil
}

func (m *MemoryStore) AppendEvents(_ context.Context, id string, events []session.Event, endTime *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}

	alreadyClosed := s.Closed()
	s.Events = append(s.Events, cloneEvents(events)...)
	if endTime != nil && !alreadyClosed {
		t := endTime.UTC()
		s.ClientEndTime = &t
	}
	return alreadyClosed, nil
}

func (m *MemoryStore) GetSession(_ context.Context, id string) (*session.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// cloneSession copies the document so callers never alias stored state.
func cloneSession(s *session.Session) *session.Session {
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	if s.ClientEndTime != nil {
		t := *s.ClientEndTime
		c.ClientEndTime = &t
	}
	c.Events = cloneEvents(s.Events)
	return &c
}

func cloneEvents(events []session.Event) []session.Event {
	if len(events) == 0 {
		return nil
	}
	c := make([]session.Event, len(events))
	copy(c, events)
	return c
}
