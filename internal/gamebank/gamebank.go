// Package gamebank reads the externally authored question sets. The engine
// never writes here; authoring happens in a separate subsystem.
package gamebank

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
)

// Provider loads a game by ID.
type Provider interface {
	GetGame(ctx context.Context, gameID string) (*domain.Game, error)
}

// PGProvider reads games from the authoring schema in Postgres.
type PGProvider struct {
	db *pgxpool.Pool
}

func NewPGProvider(db *pgxpool.Pool) *PGProvider {
	return &PGProvider{db: db}
}

func (p *PGProvider) GetGame(ctx context.Context, gameID string) (*domain.Game, error) {
	const gameStmt = `SELECT game_id, course_id, countdown_seconds FROM games WHERE game_id = $1;`

	var g domain.Game
	err := p.db.QueryRow(ctx, gameStmt, gameID).Scan(&g.GameID, &g.CourseID, &g.CountdownSeconds)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("game not found: %s", gameID))
	}
	if err != nil {
		return nil, fmt.Errorf("select game: %w", err)
	}

	const questionStmt = `
SELECT question_id, prompt, option_count, correct_option, time_limit_seconds
FROM game_questions WHERE game_id = $1
ORDER BY position;`

	rows, err := p.db.Query(ctx, questionStmt, gameID)
	if err != nil {
		return nil, fmt.Errorf("select game questions: %w", err)
	}

	g.Questions, err = pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Question, error) {
		var q domain.Question
		if err := r.Scan(&q.QuestionID, &q.Prompt, &q.OptionCount, &q.CorrectOption, &q.TimeLimitSeconds); err != nil {
			return domain.Question{}, err
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}

	return &g, nil
}

// StaticProvider serves a fixed set of games from memory. Used in tests.
type StaticProvider struct {
	Games map[string]*domain.Game
}

func (p *StaticProvider) GetGame(_ context.Context, gameID string) (*domain.Game, error) {
	g, ok := p.Games[gameID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("game not found: %s", gameID))
	}

	return g, nil
}
