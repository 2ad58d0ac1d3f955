package match

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/gamebank"
	"github.com/classhall/liveq/internal/roster"
	"github.com/classhall/liveq/internal/telemetry"
)

const defaultColumns = 1

type Config struct {
	Store    Store
	Games    gamebank.Provider
	Roster   roster.Roster
	EventBus *event.Bus
	// Now is the server clock; nil means time.Now. Client timestamps are
	// never consulted.
	Now func() time.Time
}

// Service drives a match through its lifecycle on behalf of the teacher.
// Every mutating call is load → Apply → versioned write, retried once on a
// concurrent write.
type Service struct {
	store Store
	games gamebank.Provider
	rost  roster.Roster
	eb    *event.Bus
	now   func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		store: c.Store,
		games: c.Games,
		rost:  c.Roster,
		eb:    c.EventBus,
		now:   c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s
}

type CreateMatchRequest struct {
	GameID      string
	CourseID    string
	TeacherID   string
	ShowResults bool
	Columns     int
}

// CreateMatch opens a new match in status CREATED. Nothing is visible to
// students until the teacher starts the countdown.
func (s *Service) CreateMatch(ctx context.Context, req CreateMatchRequest) (*domain.Match, error) {
	if err := s.requireTeacher(ctx, req.CourseID, req.TeacherID); err != nil {
		return nil, err
	}

	g, err := s.games.GetGame(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	if g.CourseID != req.CourseID {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("game %s does not belong to course %s", req.GameID, req.CourseID))
	}
	if len(g.Questions) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("game has no questions: %s", req.GameID))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate match ID: %w", err)
	}

	cols := req.Columns
	if cols <= 0 {
		cols = defaultColumns
	}

	m := &domain.Match{
		MatchID:       id.String(),
		GameID:        req.GameID,
		CourseID:      req.CourseID,
		TeacherID:     req.TeacherID,
		Status:        domain.StatusCreated,
		QuestionIndex: domain.NoQuestion,
		ShowResults:   req.ShowResults,
		Columns:       cols,
		CreateTime:    s.now(),
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "match: created",
		"match", m.MatchID, "game", m.GameID, "course", m.CourseID)

	return m, nil
}

func (s *Service) StartCountdown(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	return s.act(ctx, matchID, userID, ActionStartCountdown)
}

func (s *Service) PlayPause(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	return s.act(ctx, matchID, userID, ActionPlayPause)
}

func (s *Service) Forward(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	return s.act(ctx, matchID, userID, ActionForward)
}

func (s *Service) Back(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	return s.act(ctx, matchID, userID, ActionBack)
}

func (s *Service) Terminate(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	return s.act(ctx, matchID, userID, ActionTerminate)
}

// act runs one explicit teacher action through the state machine and
// persists the outcome. On a version conflict (double-click, second tab)
// it reloads and reapplies once, then fails with CONFLICT.
func (s *Service) act(ctx context.Context, matchID, userID string, a Action) (*domain.Match, error) {
	var m *domain.Match

	for attempt := 0; ; attempt++ {
		cur, rules, err := s.authorized(ctx, matchID, userID)
		if err != nil {
			return nil, err
		}

		next, err := Apply(*cur, rules, a, s.now())
		if err != nil {
			return nil, err
		}

		m = &next
		err = s.store.Update(ctx, m)
		if err == nil {
			break
		}
		if attempt == 0 && errors.IsReason(err, errors.ReasonConflict) {
			continue
		}
		return nil, err
	}

	telemetry.TeacherActions.WithLabelValues(string(a)).Inc()
	s.publish(ctx, *m)

	slog.InfoContext(ctx, "match: applied action",
		"match", m.MatchID, "action", string(a),
		"status", string(m.Status), "question", m.QuestionIndex)

	return m, nil
}

// SetResultVisibility flips the teacher's per-match statistics flag. Legal
// even after FINISHED: revealing results of a past match is a read-side
// concern, not a question mutation.
func (s *Service) SetResultVisibility(ctx context.Context, matchID, userID string, show bool) (*domain.Match, error) {
	return s.setFlags(ctx, matchID, userID, func(m *domain.Match) error {
		m.ShowResults = show
		return nil
	})
}

// SetColumns changes the projector layout. Display-only.
func (s *Service) SetColumns(ctx context.Context, matchID, userID string, cols int) (*domain.Match, error) {
	if cols < 1 || cols > 4 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("columns out of range: %d", cols))
	}

	return s.setFlags(ctx, matchID, userID, func(m *domain.Match) error {
		if m.Finished() {
			return invalidTransition(*m, "set_columns")
		}
		m.Columns = cols
		return nil
	})
}

func (s *Service) setFlags(ctx context.Context, matchID, userID string, mutate func(*domain.Match) error) (*domain.Match, error) {
	for attempt := 0; ; attempt++ {
		m, _, err := s.authorized(ctx, matchID, userID)
		if err != nil {
			return nil, err
		}

		if err := mutate(m); err != nil {
			return nil, err
		}

		err = s.store.Update(ctx, m)
		if err == nil {
			return m, nil
		}
		if attempt == 0 && errors.IsReason(err, errors.ReasonConflict) {
			continue
		}
		return nil, err
	}
}

// Snapshot is the teacher's poll. Unlike the student path it persists any
// lazily due transition, so the stored row catches up with wall-clock time.
func (s *Service) Snapshot(ctx context.Context, matchID, userID string) (*domain.Match, error) {
	m, rules, err := s.authorized(ctx, matchID, userID)
	if err != nil {
		return nil, err
	}

	resolved, changed := Tick(*m, rules, s.now())
	if !changed {
		return m, nil
	}

	if err := s.store.Update(ctx, &resolved); err != nil {
		if errors.IsReason(err, errors.ReasonConflict) {
			// Another worker already persisted the same resolution.
			return s.store.Get(ctx, matchID)
		}
		return nil, err
	}
	s.publish(ctx, resolved)

	return &resolved, nil
}

// Resolved loads a match with lazy transitions applied in-memory only.
// Read path for the student poller; never writes.
func (s *Service) Resolved(ctx context.Context, matchID string) (*domain.Match, Rules, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, Rules{}, err
	}

	g, err := s.games.GetGame(ctx, m.GameID)
	if err != nil {
		return nil, Rules{}, err
	}

	rules := RulesFromGame(g)
	resolved, _ := Tick(*m, rules, s.now())

	return &resolved, rules, nil
}

func (s *Service) requireTeacher(ctx context.Context, courseID, userID string) error {
	ok, err := s.rost.IsTeacher(ctx, courseID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonPermissionDenied),
			errors.WithMessagef("user %s is not a teacher of course %s", userID, courseID))
	}
	return nil
}

func (s *Service) authorized(ctx context.Context, matchID, userID string) (*domain.Match, Rules, error) {
	m, err := s.store.Get(ctx, matchID)
	if err != nil {
		return nil, Rules{}, err
	}

	if m.TeacherID != userID {
		return nil, Rules{}, errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonPermissionDenied),
			errors.WithMessagef("user %s does not own match %s", userID, matchID))
	}

	ok, err := s.rost.IsTeacher(ctx, m.CourseID, userID)
	if err != nil {
		return nil, Rules{}, err
	}
	if !ok {
		return nil, Rules{}, errors.New(errors.CodePermissionDenied,
			errors.WithReason(errors.ReasonPermissionDenied),
			errors.WithMessagef("user %s is not a teacher of course %s", userID, m.CourseID))
	}

	g, err := s.games.GetGame(ctx, m.GameID)
	if err != nil {
		return nil, Rules{}, err
	}

	return m, RulesFromGame(g), nil
}

func (s *Service) publish(ctx context.Context, m domain.Match) {
	if s.eb == nil {
		return
	}

	if m.Finished() {
		s.eb.Publish(ctx, domain.EventMatchFinished{Match: m})
		return
	}
	s.eb.Publish(ctx, domain.EventMatchAdvanced{Match: m})
}
