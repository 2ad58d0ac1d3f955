package api

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/classhall/liveq/internal/domain"
)

type (
	Notification struct {
		Event string `json:"event"`
		Data  any    `json:"data"`
	}

	matchTransition struct {
		MatchID       string             `json:"match_id"`
		Status        domain.MatchStatus `json:"status"`
		QuestionIndex int                `json:"question_index"`
		Version       int64              `json:"version"`
	}
)

// publishMatchNotification fans a persisted transition out to the match
// channel (projector bridges) and the course channel (course dashboards).
// Clients that miss it resynchronize on their next poll.
func (a *API) publishMatchNotification(ctx context.Context, m domain.Match, eventName string) error {
	if a.redis == nil {
		return nil
	}

	data := matchTransition{
		MatchID:       m.MatchID,
		Status:        m.Status,
		QuestionIndex: m.QuestionIndex,
		Version:       m.Version,
	}

	channels := []string{
		fmt.Sprintf("%s:match:%s", a.prefix, m.MatchID),
		fmt.Sprintf("%s:course:%s", a.prefix, m.CourseID),
	}

	var eg errgroup.Group
	for _, ch := range channels {
		ch := ch
		eg.Go(func() error {
			return a.publishNotification(ctx, ch, eventName, data)
		})
	}

	return eg.Wait()
}

func (a *API) publishStandingsNotification(ctx context.Context, e domain.EventStandingsUpdated) error {
	if a.redis == nil {
		return nil
	}

	ch := fmt.Sprintf("%s:match:%s", a.prefix, e.Standings.MatchID)
	return a.publishNotification(ctx, ch, e.Name(), e.Standings)
}

func (a *API) publishNotification(ctx context.Context, channel, event string, data any) error {
	n := Notification{
		Event: event,
		Data:  data,
	}

	b, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("pubsub: marshal %s: %v", event, err)
	}

	return a.redis.Publish(ctx, channel, b).Err()
}
