package match

import (
	"time"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
)

// Action is an explicit teacher request against a match.
type Action string

const (
	ActionStartCountdown Action = "start_countdown"
	ActionPlayPause      Action = "play_pause"
	ActionForward        Action = "forward"
	ActionBack           Action = "back"
	ActionTerminate      Action = "terminate"
)

// Rules is the slice of game content the state machine needs: how many
// questions there are and how their clocks are configured.
type Rules struct {
	NumQuestions     int
	CountdownSeconds int
	// TimeLimitSeconds[i] == 0 means question i has no deadline.
	TimeLimitSeconds []int
	OptionCounts     []int
	CorrectOptions   []int
}

func RulesFromGame(g *domain.Game) Rules {
	r := Rules{
		NumQuestions:     len(g.Questions),
		CountdownSeconds: g.CountdownSeconds,
		TimeLimitSeconds: make([]int, len(g.Questions)),
		OptionCounts:     make([]int, len(g.Questions)),
		CorrectOptions:   make([]int, len(g.Questions)),
	}
	for i, q := range g.Questions {
		r.TimeLimitSeconds[i] = q.TimeLimitSeconds
		r.OptionCounts[i] = q.OptionCount
		r.CorrectOptions[i] = q.CorrectOption
	}
	return r
}

func (r Rules) limit(index int) time.Duration {
	if index < 0 || index >= len(r.TimeLimitSeconds) {
		return 0
	}
	return time.Duration(r.TimeLimitSeconds[index]) * time.Second
}

// Tick resolves time-based transitions against now without any explicit
// action: countdown expiry opens the question, deadline expiry closes it.
// Pure, no I/O; the returned bool reports whether anything changed.
//
// Callers serving reads may use the result without persisting it, the next
// mutating teacher operation recomputes it anyway.
func Tick(m domain.Match, rules Rules, now time.Time) (domain.Match, bool) {
	changed := false

	if m.Status == domain.StatusCountdown && m.OpensAt != nil && !now.Before(*m.OpensAt) {
		m = openQuestion(m, rules, *m.OpensAt)
		changed = true
	}

	if m.Status == domain.StatusQuestionOpen && m.ClosesAt != nil && !now.Before(*m.ClosesAt) {
		m = closeQuestion(m)
		changed = true
	}

	return m, changed
}

// Apply computes the successor state for an explicit teacher action.
// Pure, no I/O. Explicit actions are applied to the stored state as-is:
// a simultaneously due lazy transition is NOT folded in first, so the
// teacher's request wins ties against clock expiry.
func Apply(m domain.Match, rules Rules, a Action, now time.Time) (domain.Match, error) {
	if m.Status == domain.StatusFinished {
		if a == ActionTerminate {
			// Terminating twice is harmless.
			return m, nil
		}
		return m, invalidTransition(m, a)
	}

	switch a {
	case ActionStartCountdown:
		return applyStartCountdown(m, rules, now)
	case ActionPlayPause:
		return applyPlayPause(m, now)
	case ActionForward:
		return applyForward(m, rules, now)
	case ActionBack:
		return applyBack(m)
	case ActionTerminate:
		return finish(m), nil
	default:
		return m, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("unknown match action %q", a))
	}
}

func applyStartCountdown(m domain.Match, rules Rules, now time.Time) (domain.Match, error) {
	if m.Status != domain.StatusCreated {
		return m, invalidTransition(m, ActionStartCountdown)
	}
	if rules.NumQuestions == 0 {
		return m, errors.New(errors.CodeFailedPrecondition,
			errors.WithReason(errors.ReasonInvalidTransition),
			errors.WithMessagef("game has no questions: match=%s", m.MatchID))
	}

	// A resumed match keeps its position, a fresh one starts at the top.
	if m.QuestionIndex < 0 {
		m.QuestionIndex = 0
	}

	if rules.CountdownSeconds <= 0 {
		return openQuestion(m, rules, now), nil
	}

	opens := now.Add(time.Duration(rules.CountdownSeconds) * time.Second)
	m.Status = domain.StatusCountdown
	m.OpensAt = &opens
	m.ClosesAt = nil
	return m, nil
}

func applyPlayPause(m domain.Match, now time.Time) (domain.Match, error) {
	switch m.Status {
	case domain.StatusCountdown:
		m.PausedStatus = m.Status
		m.PausedRemaining = remainingUntil(m.OpensAt, now)
		m.Status = domain.StatusPaused
		m.OpensAt = nil
		m.ClosesAt = nil
		return m, nil

	case domain.StatusQuestionOpen:
		m.PausedStatus = m.Status
		if m.ClosesAt == nil {
			// No deadline on this question; resume restores no deadline.
			m.PausedRemaining = 0
		} else {
			m.PausedRemaining = remainingUntil(m.ClosesAt, now)
		}
		m.Status = domain.StatusPaused
		m.OpensAt = nil
		m.ClosesAt = nil
		return m, nil

	case domain.StatusPaused:
		return resume(m, now), nil

	default:
		return m, invalidTransition(m, ActionPlayPause)
	}
}

// resume re-anchors the saved remaining time to now. The clock did not run
// while paused: T seconds remaining at pause yields T seconds after resume.
func resume(m domain.Match, now time.Time) domain.Match {
	switch m.PausedStatus {
	case domain.StatusCountdown:
		opens := now.Add(m.PausedRemaining)
		m.Status = domain.StatusCountdown
		m.OpensAt = &opens
	default:
		m.Status = domain.StatusQuestionOpen
		opens := now
		m.OpensAt = &opens
		if m.PausedRemaining > 0 {
			closes := now.Add(m.PausedRemaining)
			m.ClosesAt = &closes
		}
	}
	m.PausedStatus = ""
	m.PausedRemaining = 0
	return m
}

func applyForward(m domain.Match, rules Rules, now time.Time) (domain.Match, error) {
	switch m.Status {
	case domain.StatusCountdown:
		// Skip the rest of the pre-roll.
		return openQuestion(m, rules, now), nil

	case domain.StatusQuestionOpen:
		return closeQuestion(m), nil

	case domain.StatusQuestionClosed:
		next := m.QuestionIndex + 1
		if next >= rules.NumQuestions {
			return finish(m), nil
		}
		m.QuestionIndex = next
		if rules.CountdownSeconds > 0 {
			opens := now.Add(time.Duration(rules.CountdownSeconds) * time.Second)
			m.Status = domain.StatusCountdown
			m.OpensAt = &opens
			m.ClosesAt = nil
			return m, nil
		}
		return openQuestion(m, rules, now), nil

	default:
		return m, invalidTransition(m, ActionForward)
	}
}

// applyBack moves to the previous question in read-only review: the
// question is shown closed and never accepts new answers.
func applyBack(m domain.Match) (domain.Match, error) {
	switch m.Status {
	case domain.StatusCountdown, domain.StatusQuestionOpen, domain.StatusQuestionClosed:
		if m.QuestionIndex <= 0 {
			return m, invalidTransition(m, ActionBack)
		}
		m.QuestionIndex--
		return closeQuestion(m), nil
	default:
		return m, invalidTransition(m, ActionBack)
	}
}

func openQuestion(m domain.Match, rules Rules, at time.Time) domain.Match {
	m.Status = domain.StatusQuestionOpen
	opens := at
	m.OpensAt = &opens
	m.ClosesAt = nil
	if limit := rules.limit(m.QuestionIndex); limit > 0 {
		closes := at.Add(limit)
		m.ClosesAt = &closes
	}
	return m
}

func closeQuestion(m domain.Match) domain.Match {
	m.Status = domain.StatusQuestionClosed
	m.OpensAt = nil
	m.ClosesAt = nil
	return m
}

func finish(m domain.Match) domain.Match {
	m.Status = domain.StatusFinished
	m.OpensAt = nil
	m.ClosesAt = nil
	m.PausedStatus = ""
	m.PausedRemaining = 0
	return m
}

// Remaining reports how long until the match's pending deadline: time to
// question open while counting down, time to close while open. Zero when
// there is no pending deadline.
func Remaining(m domain.Match, now time.Time) time.Duration {
	switch m.Status {
	case domain.StatusCountdown:
		return remainingUntil(m.OpensAt, now)
	case domain.StatusQuestionOpen:
		return remainingUntil(m.ClosesAt, now)
	case domain.StatusPaused:
		return m.PausedRemaining
	default:
		return 0
	}
}

func remainingUntil(t *time.Time, now time.Time) time.Duration {
	if t == nil {
		return 0
	}
	if d := t.Sub(now); d > 0 {
		return d
	}
	return 0
}

func invalidTransition(m domain.Match, a Action) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithReason(errors.ReasonInvalidTransition),
		errors.WithMessagef("action %s not valid in status %s: match=%s", a, m.Status, m.MatchID))
}
