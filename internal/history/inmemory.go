package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore keeps history for the process lifetime. It is the default when
// no database is configured, and the workhorse of the tests.
type InMemoryStore struct {
	mu       sync.Mutex
	turns    []TurnRecord
	progress map[string]ProgressRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{progress: make(map[string]ProgressRecord)}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, record)
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, bookID string, limit int) ([]TurnRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []TurnRecord
	for _, r := range s.turns {
		if r.BookID == bookID {
			matched = append(matched, r)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]TurnRecord, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *InMemoryStore) SaveProgress(_ context.Context, record ProgressRecord) error {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[record.BookID] = record
	return nil
}

func (s *InMemoryStore) Progress(_ context.Context, bookID string) (ProgressRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.progress[bookID]
	return rec, ok, nil
}

func (s *InMemoryStore) Close() error { return nil }
