package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/config"
	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/nats"
	"github.com/saviobatista/regatta/internal/storage"
	"github.com/saviobatista/regatta/internal/types"
)

const durableName = "eventlog"

// EventWriter is where race events end up
type EventWriter interface {
	RecordEvent(ctx context.Context, ev *types.RaceEvent) error
}

// EventSource delivers race events
type EventSource interface {
	SubscribeEvents(durable string, handler func(*types.RaceEvent)) error
}

// EventLogger writes every race event from the stream to daily JSON line files
type EventLogger struct {
	writer  EventWriter
	written atomic.Uint64
	failed  atomic.Uint64
}

// NewEventLogger creates an event logger writing to w
func NewEventLogger(w EventWriter) *EventLogger {
	return &EventLogger{writer: w}
}

// Handle writes one event. Failures are logged and counted.
func (l *EventLogger) Handle(ctx context.Context, ev *types.RaceEvent) {
	if err := l.writer.RecordEvent(ctx, ev); err != nil {
		l.failed.Add(1)
		log.Error().Err(err).Int("vehicle", ev.Vehicle).Str("kind", string(ev.Kind)).Msg("failed to write event")
		return
	}
	l.written.Add(1)
}

// Subscribe starts delivering events from src
func (l *EventLogger) Subscribe(ctx context.Context, src EventSource) error {
	if err := src.SubscribeEvents(durableName, func(ev *types.RaceEvent) {
		l.Handle(ctx, ev)
	}); err != nil {
		return fmt.Errorf("failed to subscribe to race events: %w", err)
	}
	return nil
}

// runEventLog writes events from the stream until ctx ends
func runEventLog(ctx context.Context, cfg *config.Config) error {
	if cfg.NATSURL == "" {
		return errors.New("NATS_URL is required")
	}

	files := storage.New(cfg.OutputDir, "events")
	if err := files.Start(); err != nil {
		return fmt.Errorf("failed to start storage: %w", err)
	}
	defer func() {
		if err := files.Stop(); err != nil {
			log.Error().Err(err).Msg("error stopping storage")
		}
	}()

	client, err := nats.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer client.Close()

	logger := NewEventLogger(files)
	if err := logger.Subscribe(ctx, client); err != nil {
		return err
	}
	log.Info().Str("output_dir", cfg.OutputDir).Msg("event log started")

	<-ctx.Done()
	log.Info().Uint64("written", logger.written.Load()).Uint64("failed", logger.failed.Load()).Msg("shutting down")
	return nil
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := runEventLog(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("event log failed")
		os.Exit(1)
	}
}
