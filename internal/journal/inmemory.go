package journal

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// InMemoryStore is a simple in-process journal for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	events   map[string][]EventRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*SessionRecord),
		events:   make(map[string][]EventRecord),
	}
}

func (s *InMemoryStore) StartSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		// Resume: a reconnecting client reuses its journal.
		existing.Status = StatusActive
		existing.EndedAt = nil
		return nil
	}
	s.sessions[sessionID] = &SessionRecord{
		ID:        sessionID,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	return nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, rec EventRecord) (EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[rec.SessionID]; !ok {
		return EventRecord{}, ErrNotFound
	}
	rec.ID = ulid.Make().String()
	rec.Seq = len(s.events[rec.SessionID]) + 1
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.events[rec.SessionID] = append(s.events[rec.SessionID], rec)
	return rec, nil
}

func (s *InMemoryStore) FinishSession(_ context.Context, sessionID, status, summary string, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.Summary = summary
	rec.DurationSeconds = int64(duration.Seconds())
	rec.EndedAt = &now
	return nil
}

func (s *InMemoryStore) Session(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return *rec, nil
}

func (s *InMemoryStore) Events(_ context.Context, sessionID string) ([]EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	arr := s.events[sessionID]
	out := make([]EventRecord, len(arr))
	copy(out, arr)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
