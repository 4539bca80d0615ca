package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/config"
	"github.com/saviobatista/regatta/internal/db"
	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/nats"
	"github.com/saviobatista/regatta/internal/redis"
	"github.com/saviobatista/regatta/internal/types"
)

const (
	durableName       = "archiver"
	reportInterval    = time.Minute
	leaderboardLength = 10
	writeTimeout      = 5 * time.Second
)

// DBClient interface for testability
type DBClient interface {
	RecordSession(ctx context.Context, s *types.SessionSummary) error
	RecordEvent(ctx context.Context, ev *types.RaceEvent) error
	Close() error
}

// Leaderboard interface for testability
type Leaderboard interface {
	RecordSession(ctx context.Context, s *types.SessionSummary) error
	Leaderboard(ctx context.Context, n int) ([]redis.Standing, error)
	Close() error
}

// Subscriber delivers the race streams
type Subscriber interface {
	SubscribeEvents(durable string, handler func(*types.RaceEvent)) error
	SubscribeSessions(durable string, handler func(*types.SessionSummary)) error
}

// Archiver copies race events and session summaries from the message stream into
// the database and ranks finished sessions on the leaderboard
type Archiver struct {
	db          DBClient
	leaderboard Leaderboard

	events   atomic.Uint64
	sessions atomic.Uint64
	failures atomic.Uint64
}

// NewArchiver creates an archiver. leaderboard may be nil.
func NewArchiver(db DBClient, leaderboard Leaderboard) *Archiver {
	return &Archiver{db: db, leaderboard: leaderboard}
}

// ProcessEvent stores one race event
func (a *Archiver) ProcessEvent(ctx context.Context, ev *types.RaceEvent) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := a.db.RecordEvent(ctx, ev); err != nil {
		a.failures.Add(1)
		return fmt.Errorf("failed to store event: %w", err)
	}
	a.events.Add(1)
	return nil
}

// ProcessSession stores one session summary and ranks it when finished.
// A leaderboard failure does not undo the stored session.
func (a *Archiver) ProcessSession(ctx context.Context, s *types.SessionSummary) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	if err := a.db.RecordSession(ctx, s); err != nil {
		a.failures.Add(1)
		return fmt.Errorf("failed to store session %s: %w", s.SessionID, err)
	}
	a.sessions.Add(1)

	if a.leaderboard != nil {
		if err := a.leaderboard.RecordSession(ctx, s); err != nil {
			log.Warn().Err(err).Str("session_id", s.SessionID).Msg("failed to rank session")
		}
	}
	return nil
}

// Subscribe wires the archiver to both race streams
func (a *Archiver) Subscribe(ctx context.Context, sub Subscriber) error {
	if err := sub.SubscribeEvents(durableName, func(ev *types.RaceEvent) {
		if err := a.ProcessEvent(ctx, ev); err != nil {
			log.Error().Err(err).Int("vehicle", ev.Vehicle).Str("kind", string(ev.Kind)).Msg("failed to archive event")
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to race events: %w", err)
	}

	if err := sub.SubscribeSessions(durableName, func(s *types.SessionSummary) {
		if err := a.ProcessSession(ctx, s); err != nil {
			log.Error().Err(err).Msg("failed to archive session")
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to sessions: %w", err)
	}
	return nil
}

// report logs the counters and the current leaderboard
func (a *Archiver) report(ctx context.Context) {
	log.Info().Uint64("events", a.events.Load()).Uint64("sessions", a.sessions.Load()).
		Uint64("failures", a.failures.Load()).Msg("archiver statistics")

	if a.leaderboard == nil {
		return
	}
	standings, err := a.leaderboard.Leaderboard(ctx, leaderboardLength)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read leaderboard")
		return
	}
	for _, s := range standings {
		log.Info().Int("position", s.Position).Str("name", s.Name).Str("session_id", s.SessionID).
			Float64("score", s.Score).Msg("leaderboard")
	}
}

// run reports periodically until ctx ends
func (a *Archiver) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.report(ctx)
		}
	}
}

// createClients connects the stream, the database and, when configured, redis
func createClients(cfg *config.Config) (*nats.Client, *db.Client, *redis.Client, error) {
	if cfg.NATSURL == "" || cfg.DBConnStr == "" {
		return nil, nil, nil, errors.New("NATS_URL and DB_CONN_STR are required")
	}

	natsClient, err := nats.New(cfg.NATSURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	dbClient, err := db.New(cfg.DBConnStr)
	if err != nil {
		natsClient.Close()
		return nil, nil, nil, fmt.Errorf("failed to create database client: %w", err)
	}

	if cfg.RedisAddr == "" {
		return natsClient, dbClient, nil, nil
	}
	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		natsClient.Close()
		if closeErr := dbClient.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("error closing database client")
		}
		return nil, nil, nil, fmt.Errorf("failed to create Redis client: %w", err)
	}
	return natsClient, dbClient, redisClient, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	natsClient, dbClient, redisClient, err := createClients(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create clients")
	}
	defer func() {
		natsClient.Close()
		if err := dbClient.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database client")
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				log.Error().Err(err).Msg("error closing Redis client")
			}
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var archiver *Archiver
	if redisClient != nil {
		archiver = NewArchiver(dbClient, redisClient)
	} else {
		archiver = NewArchiver(dbClient, nil)
	}
	if err := archiver.Subscribe(ctx, natsClient); err != nil {
		log.Error().Err(err).Msg("failed to subscribe")
		return
	}

	log.Info().Msg("archiver started")
	archiver.run(ctx, reportInterval)
	log.Info().Msg("shutting down")
}
