package results

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PrefStore keeps each student's personal show-results flag per match.
// Absent rows default to true: the teacher's flag alone decides until the
// student opts out.
type PrefStore interface {
	Set(ctx context.Context, matchID, userID string, show bool) error
	Get(ctx context.Context, matchID, userID string) (bool, error)
}

// PGPrefStore persists preferences in Postgres.
type PGPrefStore struct {
	db *pgxpool.Pool
}

func NewPGPrefStore(db *pgxpool.Pool) *PGPrefStore {
	return &PGPrefStore{db: db}
}

func (s *PGPrefStore) Set(ctx context.Context, matchID, userID string, show bool) error {
	const stmt = `
INSERT INTO result_prefs (match_id, user_id, show_results)
VALUES ($1, $2, $3)
ON CONFLICT (match_id, user_id) DO UPDATE SET show_results = EXCLUDED.show_results;`

	if _, err := s.db.Exec(ctx, stmt, matchID, userID, show); err != nil {
		return fmt.Errorf("upsert result pref: %w", err)
	}

	return nil
}

func (s *PGPrefStore) Get(ctx context.Context, matchID, userID string) (bool, error) {
	const stmt = `
SELECT COALESCE(
	(SELECT show_results FROM result_prefs WHERE match_id = $1 AND user_id = $2),
	TRUE);`

	var show bool
	if err := s.db.QueryRow(ctx, stmt, matchID, userID).Scan(&show); err != nil {
		return false, fmt.Errorf("select result pref: %w", err)
	}

	return show, nil
}

// MemoryPrefStore is the in-memory PrefStore for tests and dev mode.
type MemoryPrefStore struct {
	mu    sync.Mutex
	prefs map[string]bool
}

func NewMemoryPrefStore() *MemoryPrefStore {
	return &MemoryPrefStore{prefs: make(map[string]bool)}
}

func (s *MemoryPrefStore) Set(_ context.Context, matchID, userID string, show bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[matchID+"/"+userID] = show
	return nil
}

func (s *MemoryPrefStore) Get(_ context.Context, matchID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	show, ok := s.prefs[matchID+"/"+userID]
	if !ok {
		return true, nil
	}
	return show, nil
}
