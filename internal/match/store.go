package match

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
)

// Store is the durable record of matches. Update is a compare-and-swap on
// the row's version: a stale write fails with Aborted/CONFLICT and the
// caller decides whether to reload and retry.
type Store interface {
	Create(ctx context.Context, m *domain.Match) error
	Get(ctx context.Context, matchID string) (*domain.Match, error)
	Update(ctx context.Context, m *domain.Match) error
}

// PGStore persists matches in Postgres.
type PGStore struct {
	db *pgxpool.Pool
}

func NewPGStore(db *pgxpool.Pool) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Create(ctx context.Context, m *domain.Match) error {
	const stmt = `
INSERT INTO matches (
	match_id, game_id, course_id, teacher_id,
	status, question_index, opens_at, closes_at,
	paused_remaining_ms, paused_status,
	show_results, columns, version, create_time, update_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14);`

	_, err := s.db.Exec(ctx, stmt,
		m.MatchID, m.GameID, m.CourseID, m.TeacherID,
		m.Status, m.QuestionIndex, m.OpensAt, m.ClosesAt,
		m.PausedRemaining.Milliseconds(), nullIfEmpty(string(m.PausedStatus)),
		m.ShowResults, m.Columns, m.Version, m.CreateTime,
	)
	if err != nil {
		return fmt.Errorf("insert match: %w", err)
	}
	m.UpdateTime = m.CreateTime

	return nil
}

func (s *PGStore) Get(ctx context.Context, matchID string) (*domain.Match, error) {
	const stmt = `
SELECT match_id, game_id, course_id, teacher_id,
	status, question_index, opens_at, closes_at,
	paused_remaining_ms, paused_status,
	show_results, columns, version, create_time, update_time
FROM matches WHERE match_id = $1;`

	var (
		m           domain.Match
		remainingMS int64
		pausedSt    *string
	)
	err := s.db.QueryRow(ctx, stmt, matchID).Scan(
		&m.MatchID, &m.GameID, &m.CourseID, &m.TeacherID,
		&m.Status, &m.QuestionIndex, &m.OpensAt, &m.ClosesAt,
		&remainingMS, &pausedSt,
		&m.ShowResults, &m.Columns, &m.Version, &m.CreateTime, &m.UpdateTime,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("match not found: %s", matchID))
	}
	if err != nil {
		return nil, fmt.Errorf("select match: %w", err)
	}

	m.PausedRemaining = time.Duration(remainingMS) * time.Millisecond
	if pausedSt != nil {
		m.PausedStatus = domain.MatchStatus(*pausedSt)
	}

	return &m, nil
}

func (s *PGStore) Update(ctx context.Context, m *domain.Match) error {
	const stmt = `
UPDATE matches SET
	status = $2, question_index = $3, opens_at = $4, closes_at = $5,
	paused_remaining_ms = $6, paused_status = $7,
	show_results = $8, columns = $9,
	version = version + 1, update_time = $10
WHERE match_id = $1 AND version = $11;`

	now := time.Now()
	tag, err := s.db.Exec(ctx, stmt,
		m.MatchID,
		m.Status, m.QuestionIndex, m.OpensAt, m.ClosesAt,
		m.PausedRemaining.Milliseconds(), nullIfEmpty(string(m.PausedStatus)),
		m.ShowResults, m.Columns,
		now, m.Version,
	)
	if err != nil {
		return fmt.Errorf("update match: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return versionConflict(m.MatchID)
	}

	m.Version++
	m.UpdateTime = now

	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func versionConflict(matchID string) error {
	return errors.New(errors.CodeAborted,
		errors.WithReason(errors.ReasonConflict),
		errors.WithMessagef("match changed concurrently: %s", matchID))
}
