// Package answer is the append-mostly ledger of submitted answers. The only
// write paths are an atomic insert guarded by the (match, question, user)
// primary key and a delete for withdraw-before-close. Once-only acceptance
// rests entirely on the storage layer: there is no check-then-insert.
package answer

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
)

// Ledger stores at most one answer per (match, question, user).
type Ledger interface {
	// Insert records an answer. A duplicate fails with AlreadyExists /
	// ALREADY_ANSWERED; exactly one of concurrently racing duplicates
	// succeeds.
	Insert(ctx context.Context, a domain.Answer) error
	// Delete removes the user's answer if present, reporting whether a
	// row was deleted.
	Delete(ctx context.Context, matchID string, questionIndex int, userID string) (bool, error)
	// Get returns the user's answer for a question, or nil.
	Get(ctx context.Context, matchID string, questionIndex int, userID string) (*domain.Answer, error)
	// ListUpTo returns all answers of a match with question index <= upTo,
	// for aggregation.
	ListUpTo(ctx context.Context, matchID string, upTo int) ([]domain.Answer, error)
}

// PGLedger persists answers in Postgres.
type PGLedger struct {
	db *pgxpool.Pool
}

func NewPGLedger(db *pgxpool.Pool) *PGLedger {
	return &PGLedger{db: db}
}

func (l *PGLedger) Insert(ctx context.Context, a domain.Answer) error {
	const stmt = `
INSERT INTO answers (match_id, question_index, user_id, option_index, create_time)
VALUES ($1, $2, $3, $4, $5);`

	_, err := l.db.Exec(ctx, stmt, a.MatchID, a.QuestionIndex, a.UserID, a.OptionIndex, a.CreateTime)

	var pgErr *pgconn.PgError
	const codeUniqueViolation = "23505"
	if stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
		return duplicate(a)
	}

	if err != nil {
		return fmt.Errorf("insert answer: %w", err)
	}

	return nil
}

func (l *PGLedger) Delete(ctx context.Context, matchID string, questionIndex int, userID string) (bool, error) {
	const stmt = `DELETE FROM answers WHERE match_id = $1 AND question_index = $2 AND user_id = $3;`

	tag, err := l.db.Exec(ctx, stmt, matchID, questionIndex, userID)
	if err != nil {
		return false, fmt.Errorf("delete answer: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

func (l *PGLedger) Get(ctx context.Context, matchID string, questionIndex int, userID string) (*domain.Answer, error) {
	const stmt = `
SELECT match_id, question_index, user_id, option_index, create_time
FROM answers WHERE match_id = $1 AND question_index = $2 AND user_id = $3;`

	var a domain.Answer
	err := l.db.QueryRow(ctx, stmt, matchID, questionIndex, userID).
		Scan(&a.MatchID, &a.QuestionIndex, &a.UserID, &a.OptionIndex, &a.CreateTime)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select answer: %w", err)
	}

	return &a, nil
}

func (l *PGLedger) ListUpTo(ctx context.Context, matchID string, upTo int) ([]domain.Answer, error) {
	const stmt = `
SELECT match_id, question_index, user_id, option_index, create_time
FROM answers WHERE match_id = $1 AND question_index <= $2
ORDER BY question_index, user_id;`

	rows, err := l.db.Query(ctx, stmt, matchID, upTo)
	if err != nil {
		return nil, fmt.Errorf("select answers: %w", err)
	}

	answers, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (domain.Answer, error) {
		var a domain.Answer
		if err := r.Scan(&a.MatchID, &a.QuestionIndex, &a.UserID, &a.OptionIndex, &a.CreateTime); err != nil {
			return domain.Answer{}, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	return answers, nil
}

func duplicate(a domain.Answer) error {
	return errors.New(errors.CodeAlreadyExists,
		errors.WithReason(errors.ReasonAlreadyAnswered),
		errors.WithMessagef("answer already submitted: match=%s question=%d user=%s",
			a.MatchID, a.QuestionIndex, a.UserID))
}
