package match

import (
	"context"
	"sync"
	"time"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
)

// MemoryStore is a mutex-guarded in-memory Store with the same versioned
// write semantics as PGStore. Used in tests and single-process dev mode.
type MemoryStore struct {
	mu      sync.Mutex
	matches map[string]domain.Match
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{matches: make(map[string]domain.Match)}
}

func (s *MemoryStore) Create(_ context.Context, m *domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.matches[m.MatchID]; ok {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("match already exists: %s", m.MatchID))
	}

	m.UpdateTime = m.CreateTime
	s.matches[m.MatchID] = *m

	return nil
}

func (s *MemoryStore) Get(_ context.Context, matchID string) (*domain.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.matches[matchID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("match not found: %s", matchID))
	}

	return &m, nil
}

func (s *MemoryStore) Update(_ context.Context, m *domain.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.matches[m.MatchID]
	if !ok {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("match not found: %s", m.MatchID))
	}
	if cur.Version != m.Version {
		return versionConflict(m.MatchID)
	}

	m.Version++
	m.UpdateTime = time.Now()
	s.matches[m.MatchID] = *m

	return nil
}
