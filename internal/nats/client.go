package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/types"
)

const (
	StreamName      = "REGATTA"
	SubjectEvents   = "regatta.events"
	SubjectSessions = "regatta.sessions"
)

// Client represents a NATS client
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New creates a new NATS client and makes sure the race stream exists
func New(url string) (*Client, error) {
	nc, err := nats.Connect(url, nats.Name("regatta"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	// Create stream if it doesn't exist
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{SubjectEvents, SubjectSessions},
		Storage:  nats.FileStorage,
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	return &Client{
		conn: nc,
		js:   js,
	}, nil
}

func (c *Client) publish(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, err := c.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// RecordEvent publishes a race event
func (c *Client) RecordEvent(_ context.Context, ev *types.RaceEvent) error {
	return c.publish(SubjectEvents, ev)
}

// RecordSession publishes a session summary
func (c *Client) RecordSession(_ context.Context, s *types.SessionSummary) error {
	return c.publish(SubjectSessions, s)
}

// SubscribeEvents delivers race events to handler. A non-empty durable name
// resumes from the last acknowledged event.
func (c *Client) SubscribeEvents(durable string, handler func(*types.RaceEvent)) error {
	return subscribe(c, SubjectEvents, durable, handler)
}

// SubscribeSessions delivers session summaries to handler
func (c *Client) SubscribeSessions(durable string, handler func(*types.SessionSummary)) error {
	return subscribe(c, SubjectSessions, durable, handler)
}

func subscribe[T any](c *Client, subject, durable string, handler func(*T)) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %s", subject)
	}

	var opts []nats.SubOpt
	if durable != "" {
		opts = append(opts, nats.Durable(durable))
	}

	_, err := c.js.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("error unmarshaling message")
			return
		}
		handler(&v)
	}, opts...)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	return nil
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
