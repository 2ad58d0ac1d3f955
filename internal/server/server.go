package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/classhall/liveq/internal/answer"
	"github.com/classhall/liveq/internal/api"
	"github.com/classhall/liveq/internal/event"
	"github.com/classhall/liveq/internal/gamebank"
	"github.com/classhall/liveq/internal/match"
	"github.com/classhall/liveq/internal/play"
	"github.com/classhall/liveq/internal/results"
	"github.com/classhall/liveq/internal/roster"
	"github.com/classhall/liveq/internal/standings"
	"github.com/classhall/liveq/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		Cache struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		// Core holds matches, games, enrolments and preferences.
		Core struct {
			Addr string
			User string
			Pass string
			Name string
		}

		// Answers holds only the answer ledger: the student hot path
		// is isolated from everything else.
		Answers struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			cache  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres struct {
			core    *pgxpool.Pool
			answers *pgxpool.Pool
		}
	}

	service struct {
		matches   *match.Service
		play      *play.Service
		results   *results.Service
		standings *standings.Service
	}

	http *http.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.cache, err = connect(s.c.Redis.Cache.Addrs, s.c.Redis.Cache.Pass)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	connect := func(addr, user, pass, name string) (*pgxpool.Pool, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", user, pass, addr, name))
		if err != nil {
			return nil, err
		}

		db, err := pgxpool.NewWithConfig(ctx, cc)
		if err != nil {
			return nil, err
		}

		if err := db.Ping(ctx); err != nil {
			return nil, err
		}

		return db, nil
	}

	s.infra.postgres.core, err = connect(s.c.Postgres.Core.Addr, s.c.Postgres.Core.User, s.c.Postgres.Core.Pass, s.c.Postgres.Core.Name)
	if err != nil {
		return fmt.Errorf("core: %w", err)
	}

	s.infra.postgres.answers, err = connect(s.c.Postgres.Answers.Addr, s.c.Postgres.Answers.User, s.c.Postgres.Answers.Pass, s.c.Postgres.Answers.Name)
	if err != nil {
		return fmt.Errorf("answers: %w", err)
	}

	if err := s.ensureSchema(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	return nil
}

func (s *Server) initService() {
	games := gamebank.NewPGProvider(s.infra.postgres.core)
	rost := roster.NewPGRoster(s.infra.postgres.core)
	ledger := answer.NewPGLedger(s.infra.postgres.answers)
	prefs := results.NewPGPrefStore(s.infra.postgres.core)

	s.service.matches = match.NewService(match.Config{
		Store:    match.NewPGStore(s.infra.postgres.core),
		Games:    games,
		Roster:   rost,
		EventBus: s.eb,
	})

	s.service.results = results.NewService(results.Config{
		Ledger:   ledger,
		Games:    games,
		Prefs:    prefs,
		Redis:    s.infra.redis.cache,
		Prefix:   s.c.Redis.Cache.Prefix,
		EventBus: s.eb,
	})

	s.service.play = play.NewService(play.Config{
		Matches:  s.service.matches,
		Ledger:   ledger,
		Roster:   rost,
		Results:  s.service.results,
		Prefs:    prefs,
		Redis:    s.infra.redis.cache,
		Prefix:   s.c.Redis.Cache.Prefix,
		EventBus: s.eb,
	})

	s.service.standings = standings.NewService(standings.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.cache,
		Prefix:   s.c.Redis.Cache.Prefix,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery(), telemetry.HTTPMiddleware())

	api.New(api.Config{
		Router:       e,
		EventBus:     s.eb,
		Matches:      s.service.matches,
		Play:         s.service.play,
		Results:      s.service.results,
		Standings:    s.service.standings,
		Redis:        s.infra.redis.pubsub,
		PubsubPrefix: s.c.Redis.Pubsub.Prefix,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.eb.Stop()

	s.infra.postgres.core.Close()
	s.infra.postgres.answers.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
