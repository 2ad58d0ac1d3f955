package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchStatus is the lifecycle state of a live match.
type MatchStatus string

const (
	StatusCreated        MatchStatus = "CREATED"
	StatusCountdown      MatchStatus = "COUNTDOWN"
	StatusQuestionOpen   MatchStatus = "QUESTION_OPEN"
	StatusQuestionClosed MatchStatus = "QUESTION_CLOSED"
	StatusPaused         MatchStatus = "PAUSED"
	StatusFinished       MatchStatus = "FINISHED"
)

// NoQuestion is the question index of a match before its first question.
const NoQuestion = -1

// Match is one live playthrough of a Game inside a course.
//
// OpensAt/ClosesAt anchor the lazy time-based transitions: nothing in the
// process ticks, readers compare the stored timestamps against server time.
type Match struct {
	MatchID   string
	GameID    string
	CourseID  string
	TeacherID string

	Status        MatchStatus
	QuestionIndex int
	OpensAt       *time.Time
	ClosesAt      *time.Time

	// PausedRemaining and PausedStatus are set only while Status == PAUSED.
	PausedRemaining time.Duration
	PausedStatus    MatchStatus

	ShowResults bool
	Columns     int

	// Version is the optimistic concurrency token; every persisted write
	// increments it and a stale write fails.
	Version int64

	CreateTime time.Time
	UpdateTime time.Time
}

// Finished reports whether the match reached its absorbing terminal state.
func (m *Match) Finished() bool {
	return m.Status == StatusFinished
}

// Answer is one participant's recorded choice for one question of a match.
// At most one row exists per (match, question, user).
type Answer struct {
	MatchID       string
	QuestionIndex int
	UserID        string
	OptionIndex   int
	CreateTime    time.Time
}

// Game is the read-only, externally authored question set a match plays.
type Game struct {
	GameID           string
	CourseID         string
	CountdownSeconds int
	Questions        []Question
}

// Question carries only what the engine needs: the engine never interprets
// the prompt, it gates answers and scores them.
type Question struct {
	QuestionID    string
	Prompt        string
	OptionCount   int
	CorrectOption int
	// TimeLimitSeconds == 0 means the question stays open until the
	// teacher advances.
	TimeLimitSeconds int
}

// QuestionResult is the per-question aggregate computed from the answer
// ledger on demand. Never a source of truth.
type QuestionResult struct {
	QuestionIndex int    `json:"question_index"`
	OptionCounts  []int  `json:"option_counts"`
	Answered      int    `json:"answered"`
	Unanswered    int    `json:"unanswered"`
	CorrectOption int    `json:"correct_option"`
}

// UserResult is one participant's standing across the closed questions.
type UserResult struct {
	UserID     string          `json:"user_id"`
	Correct    int             `json:"correct"`
	Incorrect  int             `json:"incorrect"`
	Unanswered int             `json:"unanswered"`
	Score      decimal.Decimal `json:"score"`
}

// Standings is the live, approximate scoreboard kept in Redis while a match
// plays. The terminal truth is always recomputed from the answer ledger.
type Standings struct {
	MatchID string           `json:"match_id"`
	Entries []StandingsEntry `json:"entries"`
}

type StandingsEntry struct {
	UserID string  `json:"user_id"`
	Score  float64 `json:"score"`
}

// ResultSnapshot is the derived view the aggregator serves.
type ResultSnapshot struct {
	MatchID   string           `json:"match_id"`
	UpToIndex int              `json:"up_to_index"`
	Questions []QuestionResult `json:"questions"`
	Users     []UserResult     `json:"users"`
	ComputedAt time.Time       `json:"computed_at"`
}
