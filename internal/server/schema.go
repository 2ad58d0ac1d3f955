package server

import (
	"context"
	"fmt"
	"time"
)

// The engine owns matches, answers and result_prefs. Games and enrolments
// belong to the authoring and identity subsystems; their tables are created
// here only so a fresh dev database works end to end.
const coreSchema = `
CREATE TABLE IF NOT EXISTS games (
	game_id           TEXT PRIMARY KEY,
	course_id         TEXT NOT NULL,
	countdown_seconds INT  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS game_questions (
	game_id            TEXT NOT NULL REFERENCES games (game_id),
	position           INT  NOT NULL,
	question_id        TEXT NOT NULL,
	prompt             TEXT NOT NULL DEFAULT '',
	option_count       INT  NOT NULL,
	correct_option     INT  NOT NULL,
	time_limit_seconds INT  NOT NULL DEFAULT 0,
	PRIMARY KEY (game_id, position)
);

CREATE TABLE IF NOT EXISTS enrolments (
	course_id TEXT NOT NULL,
	user_id   TEXT NOT NULL,
	role      TEXT NOT NULL,
	PRIMARY KEY (course_id, user_id)
);

CREATE TABLE IF NOT EXISTS matches (
	match_id            TEXT PRIMARY KEY,
	game_id             TEXT NOT NULL,
	course_id           TEXT NOT NULL,
	teacher_id          TEXT NOT NULL,
	status              TEXT NOT NULL,
	question_index      INT  NOT NULL,
	opens_at            TIMESTAMPTZ,
	closes_at           TIMESTAMPTZ,
	paused_remaining_ms BIGINT NOT NULL DEFAULT 0,
	paused_status       TEXT,
	show_results        BOOLEAN NOT NULL DEFAULT FALSE,
	columns             INT NOT NULL DEFAULT 1,
	version             BIGINT NOT NULL DEFAULT 0,
	create_time         TIMESTAMPTZ NOT NULL,
	update_time         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS result_prefs (
	match_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	show_results BOOLEAN NOT NULL,
	PRIMARY KEY (match_id, user_id)
);`

// The composite primary key on answers is the once-only acceptance
// guarantee; nothing in the application pre-checks it.
const answersSchema = `
CREATE TABLE IF NOT EXISTS answers (
	match_id       TEXT NOT NULL,
	question_index INT  NOT NULL,
	user_id        TEXT NOT NULL,
	option_index   INT  NOT NULL,
	create_time    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (match_id, question_index, user_id)
);`

func (s *Server) ensureSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.infra.postgres.core.Exec(ctx, coreSchema); err != nil {
		return fmt.Errorf("core: %w", err)
	}

	if _, err := s.infra.postgres.answers.Exec(ctx, answersSchema); err != nil {
		return fmt.Errorf("answers: %w", err)
	}

	return nil
}
