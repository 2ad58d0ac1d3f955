package play_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/classhall/liveq/internal/answer"
	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
	"github.com/classhall/liveq/internal/gamebank"
	"github.com/classhall/liveq/internal/match"
	"github.com/classhall/liveq/internal/play"
	"github.com/classhall/liveq/internal/results"
	"github.com/classhall/liveq/internal/roster"
)

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	clock   *clock
	matches *match.Service
	play    *play.Service
	ledger  *answer.MemoryLedger
	prefs   *results.MemoryPrefStore
	match   *domain.Match
}

func testGame() *domain.Game {
	return &domain.Game{
		GameID:           "g1",
		CourseID:         "c1",
		CountdownSeconds: 5,
		Questions: []domain.Question{
			{QuestionID: "q1", OptionCount: 4, CorrectOption: 1, TimeLimitSeconds: 20},
			{QuestionID: "q2", OptionCount: 4, CorrectOption: 2},
			{QuestionID: "q3", OptionCount: 4, CorrectOption: 0, TimeLimitSeconds: 20},
		},
	}
}

func makeFixture(t *testing.T, opts ...func(*play.Config)) *fixture {
	t.Helper()

	ck := &clock{t: t0}
	games := &gamebank.StaticProvider{Games: map[string]*domain.Game{"g1": testGame()}}
	rost := &roster.StaticRoster{
		Teachers: map[string][]string{"c1": {"t1"}},
		Students: map[string][]string{"c1": {"u1", "u2", "u3"}},
	}

	matches := match.NewService(match.Config{
		Store:  match.NewMemoryStore(),
		Games:  games,
		Roster: rost,
		Now:    ck.Now,
	})

	ledger := answer.NewMemoryLedger()
	prefs := results.NewMemoryPrefStore()

	res := results.NewService(results.Config{
		Ledger: ledger,
		Games:  games,
		Prefs:  prefs,
		Now:    ck.Now,
	})

	pc := play.Config{
		Matches: matches,
		Ledger:  ledger,
		Roster:  rost,
		Results: res,
		Prefs:   prefs,
		Now:     ck.Now,
	}
	for _, opt := range opts {
		opt(&pc)
	}

	m, err := matches.CreateMatch(context.Background(), match.CreateMatchRequest{
		GameID:    "g1",
		CourseID:  "c1",
		TeacherID: "t1",
	})
	require.NoError(t, err)

	return &fixture{
		clock:   ck,
		matches: matches,
		play:    play.NewService(pc),
		ledger:  ledger,
		prefs:   prefs,
		match:   m,
	}
}

// openFirstQuestion drives the match to question 0 open.
func (f *fixture) openFirstQuestion(t *testing.T) {
	t.Helper()

	_, err := f.matches.StartCountdown(context.Background(), f.match.MatchID, "t1")
	require.NoError(t, err)
	f.clock.Advance(6 * time.Second)
}

func TestJoinOrRefresh(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)

	t.Run("not enrolled", func(t *testing.T) {
		_, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, "intruder")
		require.True(t, errors.IsReason(err, errors.ReasonNotEnrolled))
	})

	p, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCreated, p.Status)
	require.Equal(t, domain.NoQuestion, p.QuestionIndex)
	require.Equal(t, 3, p.TotalQuestions)

	// Countdown started at t0, polled at t0+2: counting down, 3s left.
	_, err = f.matches.StartCountdown(ctx, f.match.MatchID, "t1")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	p, err = f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCountdown, p.Status)
	require.Equal(t, int64(3000), p.RemainingMS)

	// Polled at t0+6: the poll observes the lazily opened question.
	f.clock.Advance(4 * time.Second)
	p, err = f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusQuestionOpen, p.Status)
	require.Equal(t, 0, p.QuestionIndex)

	// Polling again without teacher action or elapsed time returns the
	// same projection.
	again, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.Equal(t, p, again)
}

func TestSubmitAnswer_TemporalGating(t *testing.T) {
	ctx := context.Background()

	t.Run("before open", func(t *testing.T) {
		f := makeFixture(t)
		_, err := f.matches.StartCountdown(ctx, f.match.MatchID, "t1")
		require.NoError(t, err)

		_, err = f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 2)
		require.True(t, errors.IsReason(err, errors.ReasonQuestionClosed))
	})

	t.Run("while open", func(t *testing.T) {
		f := makeFixture(t)
		f.openFirstQuestion(t)

		a, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 2)
		require.NoError(t, err)
		require.Equal(t, 2, a.OptionIndex)
	})

	t.Run("one tick after deadline", func(t *testing.T) {
		f := makeFixture(t)
		f.openFirstQuestion(t)

		// Question 0 closes 20s after open (t0+5); submit at +1s past.
		f.clock.Advance(20*time.Second + time.Second)
		_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 2)
		require.True(t, errors.IsReason(err, errors.ReasonQuestionClosed))
	})

	t.Run("stale question index", func(t *testing.T) {
		f := makeFixture(t)
		f.openFirstQuestion(t)

		_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 2, 1)
		require.True(t, errors.IsReason(err, errors.ReasonQuestionClosed))
	})

	t.Run("option out of range", func(t *testing.T) {
		f := makeFixture(t)
		f.openFirstQuestion(t)

		_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 4)
		require.Equal(t, errors.CodeInvalidArgument, errors.Convert(err).Code)
	})
}

// Two students answering in the same window each land exactly one row.
func TestSubmitAnswer_TwoStudents(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, tc := range []struct {
		user   string
		option int
	}{
		{"u1", 1},
		{"u2", 3},
	} {
		i, tc := i, tc
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.play.SubmitAnswer(ctx, f.match.MatchID, tc.user, 0, tc.option)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	rows, err := f.ledger.ListUpTo(ctx, f.match.MatchID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

// Concurrent duplicates from one user: exactly one insert wins, the rest
// observe ALREADY_ANSWERED.
func TestSubmitAnswer_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	const attempts = 16
	errs := make([]error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, i%4)
		}()
	}
	wg.Wait()

	var accepted, duplicate int
	for _, err := range errs {
		switch {
		case err == nil:
			accepted++
		case errors.IsReason(err, errors.ReasonAlreadyAnswered):
			duplicate++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, accepted)
	require.Equal(t, attempts-1, duplicate)

	rows, err := f.ledger.ListUpTo(ctx, f.match.MatchID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

// Change-my-mind flow: resubmission without withdraw keeps the original,
// withdraw then resubmit replaces it.
func TestSubmitAnswer_WithdrawResubmit(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 0)
	require.NoError(t, err)

	_, err = f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 1)
	require.True(t, errors.IsReason(err, errors.ReasonAlreadyAnswered))

	a, err := f.ledger.Get(ctx, f.match.MatchID, 0, "u1")
	require.NoError(t, err)
	require.Equal(t, 0, a.OptionIndex)

	require.NoError(t, f.play.WithdrawAnswer(ctx, f.match.MatchID, "u1", 0))
	// Withdrawing again is a no-op.
	require.NoError(t, f.play.WithdrawAnswer(ctx, f.match.MatchID, "u1", 0))

	_, err = f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 1)
	require.NoError(t, err)

	a, err = f.ledger.Get(ctx, f.match.MatchID, 0, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, a.OptionIndex)
}

func TestWithdrawAnswer_AfterClose(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 0)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	err = f.play.WithdrawAnswer(ctx, f.match.MatchID, "u1", 0)
	require.True(t, errors.IsReason(err, errors.ReasonQuestionClosed))
}

// Termination racing a submission: whichever order, no partial state.
// After the flip is persisted every further submission is MATCH_FINISHED
// and polling yields a consistent final state.
func TestSubmitAnswer_AfterTerminate(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 1)
	require.NoError(t, err)

	_, err = f.matches.Terminate(ctx, f.match.MatchID, "t1")
	require.NoError(t, err)

	_, err = f.play.SubmitAnswer(ctx, f.match.MatchID, "u2", 0, 2)
	require.True(t, errors.IsReason(err, errors.ReasonMatchFinished))

	p, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, "u2")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFinished, p.Status)

	// The pre-termination answer survived.
	rows, err := f.ledger.ListUpTo(ctx, f.match.MatchID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestJoinOrRefresh_OwnAnswerAndResults(t *testing.T) {
	ctx := context.Background()
	f := makeFixture(t)
	f.openFirstQuestion(t)

	_, err := f.play.SubmitAnswer(ctx, f.match.MatchID, "u1", 0, 1)
	require.NoError(t, err)

	p, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.NotNil(t, p.OwnOption)
	require.Equal(t, 1, *p.OwnOption)
	require.Nil(t, p.Results, "results hidden while teacher flag is off")

	// Close q0, reveal results.
	_, err = f.matches.Forward(ctx, f.match.MatchID, "t1")
	require.NoError(t, err)
	_, err = f.matches.SetResultVisibility(ctx, f.match.MatchID, "t1", true)
	require.NoError(t, err)

	p, err = f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.NotNil(t, p.Results)
	require.Equal(t, 0, p.Results.UpToIndex)
	require.Equal(t, []int{0, 1, 0, 0}, p.Results.Questions[0].OptionCounts)

	// Student opt-out hides them again for that student only.
	require.NoError(t, f.play.SetOwnResultVisibility(ctx, f.match.MatchID, "u1", false))
	p, err = f.play.JoinOrRefresh(ctx, f.match.MatchID, "u1")
	require.NoError(t, err)
	require.Nil(t, p.Results)

	p, err = f.play.JoinOrRefresh(ctx, f.match.MatchID, "u2")
	require.NoError(t, err)
	require.NotNil(t, p.Results)
}

func TestJoinOrRefresh_Presence(t *testing.T) {
	ctx := context.Background()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})
	require.NoError(t, rc.Ping(ctx).Err())

	f := makeFixture(t, func(c *play.Config) {
		c.Redis = rc
		c.Prefix = "test"
	})
	f.openFirstQuestion(t)

	for _, u := range []string{"u1", "u2", "u1"} {
		_, err := f.play.JoinOrRefresh(ctx, f.match.MatchID, u)
		require.NoError(t, err)
	}

	require.Equal(t, 2, f.play.Players(ctx, f.match.MatchID))
}
