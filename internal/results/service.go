// Package results computes aggregate match statistics from the answer
// ledger on demand. Snapshots are derived data, cacheable but never a
// source of truth.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/classhall/liveq/internal/answer"
	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/gamebank"
)

const cacheTTL = 30 * time.Second

type Config struct {
	Ledger   answer.Ledger
	Games    gamebank.Provider
	Prefs    PrefStore
	Redis    redis.UniversalClient
	Prefix   string
	EventBus *event.Bus
	Now      func() time.Time
}

type Service struct {
	ledger answer.Ledger
	games  gamebank.Provider
	prefs  PrefStore
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewService(c Config) *Service {
	s := &Service{
		ledger: c.Ledger,
		games:  c.Games,
		prefs:  c.Prefs,
		redis:  c.Redis,
		prefix: c.Prefix,
		now:    c.Now,
	}
	if s.now == nil {
		s.now = time.Now
	}

	if c.EventBus != nil {
		// Warm the cache with the final snapshot when a match ends, so
		// the burst of result polls right after does not all hit the
		// ledger.
		c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
			m := e.(domain.EventMatchFinished).Match
			_, err := s.Aggregate(ctx, &m)
			return err
		})
	}

	return s
}

// ClosedUpTo returns the highest question index whose answers are frozen,
// or domain.NoQuestion when nothing has closed yet. The current question is
// included only once it is closed or the match finished.
func ClosedUpTo(m *domain.Match) int {
	switch m.Status {
	case domain.StatusQuestionClosed, domain.StatusFinished:
		return m.QuestionIndex
	case domain.StatusCreated:
		return domain.NoQuestion
	default:
		return m.QuestionIndex - 1
	}
}

// Aggregate builds the per-question and per-user statistics over all closed
// questions of the match. Closed answers are immutable, so the snapshot is
// cached keyed by (match, highest closed index).
func (s *Service) Aggregate(ctx context.Context, m *domain.Match) (*domain.ResultSnapshot, error) {
	upTo := ClosedUpTo(m)

	snap := &domain.ResultSnapshot{
		MatchID:    m.MatchID,
		UpToIndex:  upTo,
		ComputedAt: s.now(),
	}
	if upTo < 0 {
		return snap, nil
	}

	if cached, ok := s.fromCache(ctx, m.MatchID, upTo); ok {
		return cached, nil
	}

	g, err := s.games.GetGame(ctx, m.GameID)
	if err != nil {
		return nil, err
	}
	if upTo >= len(g.Questions) {
		upTo = len(g.Questions) - 1
		snap.UpToIndex = upTo
	}

	answers, err := s.ledger.ListUpTo(ctx, m.MatchID, upTo)
	if err != nil {
		return nil, err
	}

	snap.Questions, snap.Users = tally(g, answers, upTo)
	s.toCache(ctx, snap)

	return snap, nil
}

// QuestionCounts returns live per-option counts for a single question,
// uncached. Serves the teacher's bars for the question being played.
func (s *Service) QuestionCounts(ctx context.Context, m *domain.Match, index int) (*domain.QuestionResult, error) {
	g, err := s.games.GetGame(ctx, m.GameID)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(g.Questions) {
		return &domain.QuestionResult{QuestionIndex: index}, nil
	}

	answers, err := s.ledger.ListUpTo(ctx, m.MatchID, index)
	if err != nil {
		return nil, err
	}

	q := g.Questions[index]
	res := domain.QuestionResult{
		QuestionIndex: index,
		OptionCounts:  make([]int, q.OptionCount),
		CorrectOption: q.CorrectOption,
	}
	for _, a := range answers {
		if a.QuestionIndex != index {
			continue
		}
		if a.OptionIndex >= 0 && a.OptionIndex < q.OptionCount {
			res.OptionCounts[a.OptionIndex]++
		}
		res.Answered++
	}

	return &res, nil
}

func tally(g *domain.Game, answers []domain.Answer, upTo int) ([]domain.QuestionResult, []domain.UserResult) {
	questions := make([]domain.QuestionResult, upTo+1)
	for i := 0; i <= upTo; i++ {
		questions[i] = domain.QuestionResult{
			QuestionIndex: i,
			OptionCounts:  make([]int, g.Questions[i].OptionCount),
			CorrectOption: g.Questions[i].CorrectOption,
		}
	}

	users := make(map[string]*domain.UserResult)
	for _, a := range answers {
		q := &questions[a.QuestionIndex]
		if a.OptionIndex >= 0 && a.OptionIndex < len(q.OptionCounts) {
			q.OptionCounts[a.OptionIndex]++
		}
		q.Answered++

		u, ok := users[a.UserID]
		if !ok {
			u = &domain.UserResult{UserID: a.UserID, Score: decimal.Zero}
			users[a.UserID] = u
		}
		if a.OptionIndex == g.Questions[a.QuestionIndex].CorrectOption {
			u.Correct++
			u.Score = u.Score.Add(decimal.NewFromInt(1))
		} else {
			u.Incorrect++
		}
	}

	// The participant universe is everyone who answered anything; a user
	// who skipped a question counts as unanswered there.
	for i := range questions {
		questions[i].Unanswered = len(users) - questions[i].Answered
	}

	out := make([]domain.UserResult, 0, len(users))
	for _, u := range users {
		u.Unanswered = upTo + 1 - u.Correct - u.Incorrect
		out = append(out, *u)
	}
	sortUserResults(out)

	return questions, out
}

func sortUserResults(users []domain.UserResult) {
	// Score descending, user ID as the tie-break.
	sort.Slice(users, func(i, j int) bool {
		if !users[i].Score.Equal(users[j].Score) {
			return users[i].Score.GreaterThan(users[j].Score)
		}
		return users[i].UserID < users[j].UserID
	})
}

func (s *Service) fromCache(ctx context.Context, matchID string, upTo int) (*domain.ResultSnapshot, bool) {
	if s.redis == nil {
		return nil, false
	}

	b, err := s.redis.Get(ctx, s.cacheKey(matchID, upTo)).Bytes()
	if err != nil {
		return nil, false
	}

	var snap domain.ResultSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, false
	}

	return &snap, true
}

func (s *Service) toCache(ctx context.Context, snap *domain.ResultSnapshot) {
	if s.redis == nil {
		return
	}

	b, err := json.Marshal(snap)
	if err != nil {
		return
	}

	if err := s.redis.Set(ctx, s.cacheKey(snap.MatchID, snap.UpToIndex), b, cacheTTL).Err(); err != nil {
		slog.WarnContext(ctx, "results: cache write failed", "match", snap.MatchID, "error", err)
	}
}

func (s *Service) cacheKey(matchID string, upTo int) string {
	return fmt.Sprintf("%s:match:%s:results:%d", s.prefix, matchID, upTo)
}
