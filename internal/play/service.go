// Package play serves the student side of a match: the tight-interval poll,
// answer submission and withdrawal. Read-mostly: polls never persist the
// lazy transitions they resolve, the next teacher-side operation does.
package play

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classhall/liveq/internal/answer"
	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/match"
	"github.com/classhall/liveq/internal/results"
	"github.com/classhall/liveq/internal/roster"
	"github.com/classhall/liveq/internal/telemetry"
)

const presenceTTL = time.Minute

type Config struct {
	Matches *match.Service
	Ledger  answer.Ledger
	Roster  roster.Roster
	Results *results.Service
	Prefs    results.PrefStore
	Redis    redis.UniversalClient
	Prefix   string
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	matches *match.Service
	ledger  answer.Ledger
	rost    roster.Roster
	res     *results.Service
	prefs   results.PrefStore
	redis   redis.UniversalClient
	prefix  string
	eb      *event.Bus
	now     func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		matches: c.Matches,
		ledger:  c.Ledger,
		rost:    c.Roster,
		res:     c.Results,
		prefs:   c.Prefs,
		redis:   c.Redis,
		prefix:  c.Prefix,
		eb:      c.EventBus,
		now:     c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

// Projection is everything a polling student client may see of a match.
type Projection struct {
	MatchID        string                 `json:"match_id"`
	Status         domain.MatchStatus     `json:"status"`
	QuestionIndex  int                    `json:"question_index"`
	TotalQuestions int                    `json:"total_questions"`
	RemainingMS    int64                  `json:"remaining_ms"`
	Columns        int                    `json:"columns"`
	Players        int                    `json:"players,omitempty"`
	// OwnOption echoes the student's stored choice for the current
	// question, so an ALREADY_ANSWERED client can render it.
	OwnOption *int `json:"own_option,omitempty"`
	// Results is present only when the visibility policy allows it.
	Results *domain.ResultSnapshot `json:"results,omitempty"`
}

// JoinOrRefresh is the poll. It resolves time-based transitions in memory
// for the response only and must stay response-cheap: aggregation runs only
// when results are currently visible to this student.
func (s *Service) JoinOrRefresh(ctx context.Context, matchID, userID string) (*Projection, error) {
	telemetry.StudentPolls.Inc()

	m, rules, err := s.resolvedEnrolled(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	p := &Projection{
		MatchID:        m.MatchID,
		Status:         m.Status,
		QuestionIndex:  m.QuestionIndex,
		TotalQuestions: rules.NumQuestions,
		RemainingMS:    match.Remaining(*m, s.now()).Milliseconds(),
		Columns:        m.Columns,
	}

	p.Players = s.registerPresence(ctx, matchID, userID)

	if m.QuestionIndex >= 0 && !m.Finished() {
		a, err := s.ledger.Get(ctx, matchID, m.QuestionIndex, userID)
		if err != nil {
			return nil, err
		}
		if a != nil {
			opt := a.OptionIndex
			p.OwnOption = &opt
		}
	}

	visible, err := s.resultsVisible(ctx, m, userID)
	if err != nil {
		return nil, err
	}
	if visible && results.ClosedUpTo(m) >= 0 {
		snap, err := s.res.Aggregate(ctx, m)
		if err != nil {
			return nil, err
		}
		p.Results = snap
	}

	return p, nil
}

// SubmitAnswer accepts an answer iff the question is open, current, and
// inside its deadline, all judged against the server clock. Acceptance is
// an atomic ledger insert: of concurrently racing duplicates exactly one
// lands and the rest fail with ALREADY_ANSWERED.
func (s *Service) SubmitAnswer(ctx context.Context, matchID, userID string, questionIndex, optionIndex int) (*domain.Answer, error) {
	m, rules, err := s.resolvedEnrolled(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	if err := answerable(m, questionIndex); err != nil {
		telemetry.Answers.WithLabelValues(telemetry.AnswerRejected).Inc()
		return nil, err
	}

	if questionIndex < 0 || questionIndex >= len(rules.OptionCounts) {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question index out of range: %d", questionIndex))
	}
	if optionIndex < 0 || optionIndex >= rules.OptionCounts[questionIndex] {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("option index out of range: %d", optionIndex))
	}

	a := domain.Answer{
		MatchID:       matchID,
		QuestionIndex: questionIndex,
		UserID:        userID,
		OptionIndex:   optionIndex,
		CreateTime:    s.now(),
	}

	if err := s.ledger.Insert(ctx, a); err != nil {
		if errors.IsReason(err, errors.ReasonAlreadyAnswered) {
			telemetry.Answers.WithLabelValues(telemetry.AnswerDuplicate).Inc()
		}
		return nil, err
	}

	telemetry.Answers.WithLabelValues(telemetry.AnswerAccepted).Inc()
	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventAnswerStored{
			Answer:  a,
			Correct: optionIndex == rules.CorrectOptions[questionIndex],
		})
	}
	slog.DebugContext(ctx, "play: answer stored",
		"match", matchID, "question", questionIndex, "user", userID)

	return &a, nil
}

// WithdrawAnswer removes the student's own answer while the same question
// is still open, re-enabling a later submission. Withdrawing a non-existent
// answer is a no-op.
func (s *Service) WithdrawAnswer(ctx context.Context, matchID, userID string, questionIndex int) error {
	m, rules, err := s.resolvedEnrolled(ctx, matchID, userID)
	if err != nil {
		return err
	}

	if err := answerable(m, questionIndex); err != nil {
		return err
	}

	// Only the owner mutates their own row, so read-then-delete is safe.
	prev, err := s.ledger.Get(ctx, matchID, questionIndex, userID)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	deleted, err := s.ledger.Delete(ctx, matchID, questionIndex, userID)
	if err != nil {
		return err
	}
	if deleted {
		telemetry.Answers.WithLabelValues(telemetry.AnswerWithdrawn).Inc()
		if s.eb != nil && questionIndex < len(rules.CorrectOptions) {
			s.eb.Publish(ctx, domain.EventAnswerWithdrawn{
				Answer:  *prev,
				Correct: prev.OptionIndex == rules.CorrectOptions[questionIndex],
			})
		}
	}

	return nil
}

// SetOwnResultVisibility stores the student's personal opt-out flag.
func (s *Service) SetOwnResultVisibility(ctx context.Context, matchID, userID string, show bool) error {
	if _, _, err := s.resolvedEnrolled(ctx, matchID, userID); err != nil {
		return err
	}

	return s.prefs.Set(ctx, matchID, userID, show)
}

// answerable gates writes against the effective match state. Acceptance
// requires the question to be open, current, and inside its deadline;
// uniqueness is the ledger's job.
func answerable(m *domain.Match, questionIndex int) error {
	if m.Finished() {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonMatchFinished),
			errors.WithMessagef("match finished: %s", m.MatchID))
	}
	if m.Status != domain.StatusQuestionOpen || questionIndex != m.QuestionIndex {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonQuestionClosed),
			errors.WithMessagef("question %d not open: match=%s status=%s current=%d",
				questionIndex, m.MatchID, m.Status, m.QuestionIndex))
	}

	return nil
}

func (s *Service) resolvedEnrolled(ctx context.Context, matchID, userID string) (*domain.Match, match.Rules, error) {
	m, rules, err := s.matches.Resolved(ctx, matchID)
	if err != nil {
		return nil, match.Rules{}, err
	}

	ok, err := s.rost.IsEnrolled(ctx, m.CourseID, userID)
	if err != nil {
		return nil, match.Rules{}, err
	}
	if !ok {
		return nil, match.Rules{}, errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonNotEnrolled),
			errors.WithMessagef("user %s is not enrolled in course %s", userID, m.CourseID))
	}

	return m, rules, nil
}

func (s *Service) resultsVisible(ctx context.Context, m *domain.Match, userID string) (bool, error) {
	if !m.ShowResults {
		return false, nil
	}

	pref, err := s.prefs.Get(ctx, m.MatchID, userID)
	if err != nil {
		return false, err
	}

	return results.Visible(m.ShowResults, pref), nil
}

// registerPresence tracks who is currently polling, for the teacher's
// player counter. Best effort: a Redis hiccup must not fail the poll.
func (s *Service) registerPresence(ctx context.Context, matchID, userID string) int {
	if s.redis == nil {
		return 0
	}

	key := s.presenceKey(matchID)
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, key, userID)
	pipe.Expire(ctx, key, presenceTTL)
	card := pipe.SCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		slog.WarnContext(ctx, "play: presence update failed", "match", matchID, "error", err)
		return 0
	}

	return int(card.Val())
}

// Players reports the current presence count for the teacher's view.
func (s *Service) Players(ctx context.Context, matchID string) int {
	if s.redis == nil {
		return 0
	}

	n, err := s.redis.SCard(ctx, s.presenceKey(matchID)).Result()
	if err != nil {
		return 0
	}

	return int(n)
}

func (s *Service) presenceKey(matchID string) string {
	return s.prefix + ":match:" + matchID + ":players"
}
