// Package standings keeps a live, approximate scoreboard per match in a
// Redis sorted set, fed by answer events. The answer ledger stays the only
// source of truth; this view exists so the projector can show rankings
// without an aggregation query on every poll.
package standings

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/event"
)

const (
	publishInterval = 200 * time.Millisecond
	// retention keeps a finished match's scoreboard readable for a while;
	// after that, clients fall back to the ledger-derived results.
	retention = time.Hour
)

type Config struct {
	EventBus *event.Bus
	Redis    redis.UniversalClient
	Prefix   string
}

type Service struct {
	eb     *event.Bus
	redis  redis.UniversalClient
	prefix string
}

func NewService(c Config) *Service {
	s := &Service{
		eb:     c.EventBus,
		redis:  c.Redis,
		prefix: c.Prefix,
	}

	s.eb.Subscribe(domain.EventNameAnswerStored, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAnswerStored)
		return s.applyDelta(ctx, ev.Answer, scoreDelta(ev.Correct, +1))
	})
	s.eb.Subscribe(domain.EventNameAnswerWithdrawn, func(ctx context.Context, e event.Event) error {
		ev := e.(domain.EventAnswerWithdrawn)
		return s.applyDelta(ctx, ev.Answer, scoreDelta(ev.Correct, -1))
	})
	s.eb.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		return s.finalize(ctx, e.(domain.EventMatchFinished).Match)
	})

	return s
}

func scoreDelta(correct bool, sign float64) float64 {
	if !correct {
		return 0
	}
	return sign
}

// GetStandings returns the current scoreboard, best first. A match nobody
// has scored in yet yields empty entries, not an error.
func (s *Service) GetStandings(ctx context.Context, matchID string) (*domain.Standings, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, s.standingsKey(matchID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("get standings: %w", err)
	}

	entries := make([]domain.StandingsEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.StandingsEntry{
			UserID: z.Member.(string),
			Score:  z.Score,
		})
	}

	return &domain.Standings{
		MatchID: matchID,
		Entries: entries,
	}, nil
}

func (s *Service) applyDelta(ctx context.Context, a domain.Answer, delta float64) error {
	if delta == 0 {
		// Keep the user on the board even for a wrong answer.
		if err := s.redis.ZAddNX(ctx, s.standingsKey(a.MatchID), redis.Z{Score: 0, Member: a.UserID}).Err(); err != nil {
			return fmt.Errorf("register scorer: %w", err)
		}
	} else if err := s.redis.ZIncrBy(ctx, s.standingsKey(a.MatchID), delta, a.UserID).Err(); err != nil {
		return fmt.Errorf("update standings: %w", err)
	}

	return s.schedulePublish(ctx, a.MatchID)
}

// schedulePublish throttles standings.updated: a burst of answers inside
// the interval produces one event instead of one per answer.
func (s *Service) schedulePublish(ctx context.Context, matchID string) error {
	ok, err := s.redis.SetNX(ctx, s.throttleKey(matchID), time.Now().UnixMilli(), publishInterval).Result()
	if err != nil {
		return fmt.Errorf("setnx: %w", err)
	}

	if !ok {
		return nil
	}

	return s.publish(ctx, matchID)
}

func (s *Service) publish(ctx context.Context, matchID string) error {
	st, err := s.GetStandings(ctx, matchID)
	if err != nil {
		return fmt.Errorf("get standings failed: match=%s: %w", matchID, err)
	}

	s.eb.Publish(ctx, domain.EventStandingsUpdated{
		Standings: *st,
	})

	return nil
}

// finalize publishes the last scoreboard and lets the key age out.
func (s *Service) finalize(ctx context.Context, m domain.Match) error {
	if err := s.publish(ctx, m.MatchID); err != nil {
		return err
	}

	return s.redis.Expire(ctx, s.standingsKey(m.MatchID), retention).Err()
}

func (s *Service) standingsKey(matchID string) string {
	return fmt.Sprintf("%s:match:%s:standings", s.prefix, matchID)
}

func (s *Service) throttleKey(matchID string) string {
	return fmt.Sprintf("%s:match:%s:standings:time", s.prefix, matchID)
}
