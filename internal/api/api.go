package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/classhall/liveq/internal/domain"
	"github.com/classhall/liveq/internal/errors"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/match"
	"github.com/classhall/liveq/internal/play"
	"github.com/classhall/liveq/internal/results"
	"github.com/classhall/liveq/internal/standings"
)

// userHeader carries the verified caller identity, set by the fronting
// identity layer. This service trusts it as a capability input and checks
// roles itself via the roster.
const userHeader = "X-User"

type Config struct {
	Router       *gin.Engine
	EventBus     *event.Bus
	Matches      *match.Service
	Play         *play.Service
	Results      *results.Service
	Standings    *standings.Service
	Redis        Redis
	PubsubPrefix string
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type API struct {
	matches   *match.Service
	play      *play.Service
	results   *results.Service
	standings *standings.Service

	redis  Redis
	prefix string
}

func New(c Config) *API {
	a := &API{
		matches:   c.Matches,
		play:      c.Play,
		results:   c.Results,
		standings: c.Standings,
		redis:     c.Redis,
		prefix:    c.PubsubPrefix,
	}

	v1 := c.Router.Group("/v1")
	{
		v1.POST("/matches", a.CreateMatch)
		v1.POST("/matches/:id/countdown", a.teacherAction(a.matches.StartCountdown))
		v1.POST("/matches/:id/playpause", a.teacherAction(a.matches.PlayPause))
		v1.POST("/matches/:id/forward", a.teacherAction(a.matches.Forward))
		v1.POST("/matches/:id/back", a.teacherAction(a.matches.Back))
		v1.POST("/matches/:id/terminate", a.teacherAction(a.matches.Terminate))
		v1.PUT("/matches/:id/visibility", a.SetResultVisibility)
		v1.PUT("/matches/:id/columns", a.SetColumns)
		v1.GET("/matches/:id/teacher", a.TeacherSnapshot)
		v1.GET("/matches/:id/standings", a.GetStandings)

		v1.GET("/matches/:id", a.JoinOrRefresh)
		v1.POST("/matches/:id/answers", a.SubmitAnswer)
		v1.DELETE("/matches/:id/answers", a.WithdrawAnswer)
		v1.PUT("/matches/:id/my-visibility", a.SetOwnResultVisibility)
	}

	// Transition notifications for deployments that bridge to SSE/WS at
	// the edge. Polling stays the source of truth.
	c.EventBus.Subscribe(domain.EventNameMatchAdvanced, func(ctx context.Context, e event.Event) error {
		return a.publishMatchNotification(ctx, e.(domain.EventMatchAdvanced).Match, e.Name())
	})
	c.EventBus.Subscribe(domain.EventNameMatchFinished, func(ctx context.Context, e event.Event) error {
		return a.publishMatchNotification(ctx, e.(domain.EventMatchFinished).Match, e.Name())
	})
	c.EventBus.Subscribe(domain.EventNameStandingsUpdated, func(ctx context.Context, e event.Event) error {
		return a.publishStandingsNotification(ctx, e.(domain.EventStandingsUpdated))
	})

	return a
}

type createMatchRequest struct {
	GameID      string `json:"game_id" binding:"required"`
	CourseID    string `json:"course_id" binding:"required"`
	ShowResults bool   `json:"show_results"`
	Columns     int    `json:"columns"`
}

func (a *API) CreateMatch(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req createMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	m, err := a.matches.CreateMatch(c.Request.Context(), match.CreateMatchRequest{
		GameID:      req.GameID,
		CourseID:    req.CourseID,
		TeacherID:   user,
		ShowResults: req.ShowResults,
		Columns:     req.Columns,
	})
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, matchView(m))
}

func (a *API) teacherAction(op func(ctx context.Context, matchID, userID string) (*domain.Match, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := caller(c)
		if !ok {
			return
		}

		m, err := op(c.Request.Context(), c.Param("id"), user)
		if err != nil {
			respondErr(c, err)
			return
		}

		c.JSON(http.StatusOK, matchView(m))
	}
}

type setVisibilityRequest struct {
	Show *bool `json:"show" binding:"required"`
}

func (a *API) SetResultVisibility(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req setVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	m, err := a.matches.SetResultVisibility(c.Request.Context(), c.Param("id"), user, *req.Show)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, matchView(m))
}

type setColumnsRequest struct {
	Columns int `json:"columns" binding:"required"`
}

func (a *API) SetColumns(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req setColumnsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	m, err := a.matches.SetColumns(c.Request.Context(), c.Param("id"), user, req.Columns)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, matchView(m))
}

// TeacherSnapshot is the teacher's poll: full state plus live per-option
// bars for the current question and the presence counter.
func (a *API) TeacherSnapshot(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	m, err := a.matches.Snapshot(ctx, c.Param("id"), user)
	if err != nil {
		respondErr(c, err)
		return
	}

	view := teacherView{
		Match:   matchView(m),
		Players: a.play.Players(ctx, m.MatchID),
	}

	if m.QuestionIndex >= 0 {
		cur, err := a.results.QuestionCounts(ctx, m, m.QuestionIndex)
		if err != nil {
			respondErr(c, err)
			return
		}
		view.Current = cur
	}

	if results.ClosedUpTo(m) >= 0 {
		snap, err := a.results.Aggregate(ctx, m)
		if err != nil {
			respondErr(c, err)
			return
		}
		view.Results = snap
	}

	c.JSON(http.StatusOK, view)
}

// GetStandings serves the live scoreboard. Teacher-only: whether students
// see rankings is a presentation decision made at the projector.
func (a *API) GetStandings(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	// Snapshot doubles as the ownership check.
	m, err := a.matches.Snapshot(ctx, c.Param("id"), user)
	if err != nil {
		respondErr(c, err)
		return
	}

	st, err := a.standings.GetStandings(ctx, m.MatchID)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, st)
}

func (a *API) JoinOrRefresh(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	p, err := a.play.JoinOrRefresh(c.Request.Context(), c.Param("id"), user)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, p)
}

type submitAnswerRequest struct {
	QuestionIndex *int `json:"question_index" binding:"required"`
	OptionIndex   *int `json:"option_index" binding:"required"`
}

func (a *API) SubmitAnswer(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	ans, err := a.play.SubmitAnswer(c.Request.Context(), c.Param("id"), user, *req.QuestionIndex, *req.OptionIndex)
	if err != nil {
		respondErr(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"match_id":       ans.MatchID,
		"question_index": ans.QuestionIndex,
		"option_index":   ans.OptionIndex,
	})
}

type withdrawAnswerRequest struct {
	QuestionIndex *int `json:"question_index" binding:"required"`
}

func (a *API) WithdrawAnswer(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req withdrawAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.play.WithdrawAnswer(c.Request.Context(), c.Param("id"), user, *req.QuestionIndex); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (a *API) SetOwnResultVisibility(c *gin.Context) {
	user, ok := caller(c)
	if !ok {
		return
	}

	var req setVisibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errors.New(errors.CodeInvalidArgument, errors.WithCause(err)))
		return
	}

	if err := a.play.SetOwnResultVisibility(c.Request.Context(), c.Param("id"), user, *req.Show); err != nil {
		respondErr(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

type teacherView struct {
	Match   matchViewJSON          `json:"match"`
	Players int                    `json:"players"`
	Current *domain.QuestionResult `json:"current,omitempty"`
	Results *domain.ResultSnapshot `json:"results,omitempty"`
}

type matchViewJSON struct {
	MatchID       string             `json:"match_id"`
	GameID        string             `json:"game_id"`
	CourseID      string             `json:"course_id"`
	Status        domain.MatchStatus `json:"status"`
	QuestionIndex int                `json:"question_index"`
	OpensAt       *int64             `json:"opens_at_ms,omitempty"`
	ClosesAt      *int64             `json:"closes_at_ms,omitempty"`
	ShowResults   bool               `json:"show_results"`
	Columns       int                `json:"columns"`
	Version       int64              `json:"version"`
}

func matchView(m *domain.Match) matchViewJSON {
	v := matchViewJSON{
		MatchID:       m.MatchID,
		GameID:        m.GameID,
		CourseID:      m.CourseID,
		Status:        m.Status,
		QuestionIndex: m.QuestionIndex,
		ShowResults:   m.ShowResults,
		Columns:       m.Columns,
		Version:       m.Version,
	}
	if m.OpensAt != nil {
		ms := m.OpensAt.UnixMilli()
		v.OpensAt = &ms
	}
	if m.ClosesAt != nil {
		ms := m.ClosesAt.UnixMilli()
		v.ClosesAt = &ms
	}

	return v
}

func caller(c *gin.Context) (string, bool) {
	user := c.GetHeader(userHeader)
	if user == "" {
		respondErr(c, errors.New(errors.CodeUnauthenticated,
			errors.WithMessagef("missing %s header", userHeader)))
		return "", false
	}

	return user, true
}

func respondErr(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.JSON(e.HTTPStatusCode(), gin.H{"error": e})
}
