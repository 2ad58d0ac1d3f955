package standings_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/standings"
)

type harness struct {
	mini    *miniredis.Miniredis
	bus     *event.Bus
	svc     *standings.Service
	mu      sync.Mutex
	updates []domain.Standings
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{rs.Addr()}})

	h := &harness{
		mini: rs,
		bus:  event.NewBus(),
	}
	h.svc = standings.NewService(standings.Config{
		EventBus: h.bus,
		Redis:    rc,
		Prefix:   "test",
	})
	h.bus.Subscribe(domain.EventNameStandingsUpdated, func(_ context.Context, e event.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.updates = append(h.updates, e.(domain.EventStandingsUpdated).Standings)
		return nil
	})

	return h
}

func (h *harness) answer(user string, question int, correct bool) {
	h.bus.Publish(context.Background(), domain.EventAnswerStored{
		Answer: domain.Answer{
			MatchID:       "m1",
			QuestionIndex: question,
			UserID:        user,
			OptionIndex:   0,
		},
		Correct: correct,
	})
}

func (h *harness) updateCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.updates)
}

func TestStandings_ScoresFromAnswerEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.answer("u1", 0, true)
	h.answer("u2", 0, false)
	h.answer("u1", 1, true)
	h.answer("u3", 1, true)
	h.bus.Stop()

	st, err := h.svc.GetStandings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, st.Entries, 3)
	require.Equal(t, domain.StandingsEntry{UserID: "u1", Score: 2}, st.Entries[0])

	// Wrong answers keep the user on the board at zero.
	scores := map[string]float64{}
	for _, e := range st.Entries {
		scores[e.UserID] = e.Score
	}
	require.Equal(t, float64(0), scores["u2"])
	require.Equal(t, float64(1), scores["u3"])
}

func TestStandings_WithdrawRevertsScore(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.answer("u1", 0, true)
	h.bus.Stop()

	h.bus.Publish(ctx, domain.EventAnswerWithdrawn{
		Answer:  domain.Answer{MatchID: "m1", QuestionIndex: 0, UserID: "u1"},
		Correct: true,
	})
	h.bus.Stop()

	st, err := h.svc.GetStandings(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, st.Entries, 1)
	require.Equal(t, float64(0), st.Entries[0].Score)
}

func TestStandings_ThrottledPublish(t *testing.T) {
	h := newHarness(t)

	// A burst inside the throttle window produces exactly one update.
	for i := 0; i < 5; i++ {
		h.answer("u1", i, true)
	}
	h.bus.Stop()
	require.Equal(t, 1, h.updateCount())

	// After the window another answer publishes again.
	h.mini.FastForward(time.Second)
	h.answer("u2", 0, true)
	h.bus.Stop()
	require.Equal(t, 2, h.updateCount())
}

func TestStandings_Finalize(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.answer("u1", 0, true)
	h.bus.Stop()
	before := h.updateCount()

	h.bus.Publish(ctx, domain.EventMatchFinished{Match: domain.Match{
		MatchID: "m1",
		Status:  domain.StatusFinished,
	}})
	h.bus.Stop()

	// The final scoreboard goes out unthrottled and the key ages out.
	require.Equal(t, before+1, h.updateCount())
	require.Positive(t, h.mini.TTL("test:match:m1:standings"))

	st, err := h.svc.GetStandings(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, float64(1), st.Entries[0].Score)
}

func TestStandings_EmptyMatch(t *testing.T) {
	h := newHarness(t)

	st, err := h.svc.GetStandings(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, st.Entries)
}
