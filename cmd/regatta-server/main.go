package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/config"
	"github.com/saviobatista/regatta/internal/db"
	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/nats"
	"github.com/saviobatista/regatta/internal/redis"
	"github.com/saviobatista/regatta/internal/server"
	"github.com/saviobatista/regatta/internal/storage"
)

const (
	statsLogInterval     = time.Minute
	statsPersistInterval = 5 * time.Minute
)

// app is the race server with its configured sinks
type app struct {
	cfg     *config.Config
	race    *config.Race
	server  *server.Server
	storage *storage.Storage
	db      *db.Client
	redis   *redis.Client
	nats    *nats.Client
}

// loadRace reads the race file, falling back to the defaults when it does not exist
func loadRace(path string) (*config.Race, error) {
	race, err := config.LoadRace(path)
	if err == nil {
		return race, nil
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, fs.ErrNotExist) {
		log.Warn().Str("file", path).Msg("race file not found, using defaults")
		return config.DefaultRace(), nil
	}
	return nil, err
}

// newApp builds the server and connects every configured sink
func newApp(cfg *config.Config) (*app, error) {
	race, err := loadRace(cfg.RaceFile)
	if err != nil {
		return nil, err
	}

	srv, err := server.New(race)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, race: race, server: srv}

	a.storage = storage.New(cfg.OutputDir, "sessions")
	if err := a.storage.Start(); err != nil {
		return nil, fmt.Errorf("failed to start session storage: %w", err)
	}
	srv.AddSessionSink(a.storage)

	if cfg.DBConnStr != "" {
		if a.db, err = db.New(cfg.DBConnStr); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create database client: %w", err)
		}
		srv.AddSessionSink(a.db)
		srv.AddEventSink(a.db)
		srv.Stats().SetStore(a.db)
	}

	if cfg.RedisAddr != "" {
		if a.redis, err = redis.New(cfg.RedisAddr); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create Redis client: %w", err)
		}
		srv.AddSessionSink(a.redis)
		srv.SetProgressCache(a.redis)
	}

	if cfg.NATSURL != "" {
		if a.nats, err = nats.New(cfg.NATSURL); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to create NATS client: %w", err)
		}
		srv.AddSessionSink(a.nats)
		srv.AddEventSink(a.nats)
	}

	return a, nil
}

func (a *app) listenAddr() string {
	if a.cfg.ListenAddr != "" {
		return a.cfg.ListenAddr
	}
	return a.race.Network.Addr()
}

// run serves the race until ctx is done
func (a *app) run(ctx context.Context) error {
	statsCtx, cancelStats := context.WithCancel(context.Background())
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		a.server.Stats().Run(statsCtx, statsLogInterval, statsPersistInterval)
	}()

	err := a.server.ListenAndServe(ctx, a.listenAddr())

	// the final snapshot is persisted once every session is torn down
	cancelStats()
	<-statsDone
	return err
}

// close releases the sinks. Sessions must be torn down first.
func (a *app) close() {
	if a.storage != nil {
		if err := a.storage.Stop(); err != nil {
			log.Error().Err(err).Msg("error closing session storage")
		}
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Error().Err(err).Msg("error closing Redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database client")
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	a, err := newApp(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to start race server")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = a.run(ctx)
	stop()
	a.close()

	if err != nil {
		log.Error().Err(err).Msg("race server failed")
		os.Exit(1)
	}
	log.Info().Msg("race server stopped")
}
