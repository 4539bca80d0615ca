package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/saviobatista/regatta/internal/types"
)

// Client persists race sessions, events and server statistics in postgres
type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// DB exposes the connection pool, used by the migrator
func (c *Client) DB() *sql.DB {
	return c.db
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// RecordSession stores a finished session summary. Replays of the same session are ignored.
func (c *Client) RecordSession(ctx context.Context, s *types.SessionSummary) error {
	query := `
		INSERT INTO race_sessions (
			session_id, vehicle, name, started_at, ended_at,
			penalty, last_mark, finished, finish_time,
			track_x, track_y, track_t
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO NOTHING
	`
	var finishTime sql.NullFloat64
	if s.Finished {
		finishTime = sql.NullFloat64{Float64: s.FinishTime, Valid: true}
	}

	_, err := c.db.ExecContext(ctx, query,
		s.SessionID, s.Vehicle, s.Name, s.StartedAt, s.EndedAt,
		s.Penalty, s.LastMark, s.Finished, finishTime,
		track(s.X), track(s.Y), track(s.T),
	)
	if err != nil {
		return fmt.Errorf("failed to store session %s: %w", s.SessionID, err)
	}
	return nil
}

// track stores a session that never sampled a position as an empty array
func track(v []float64) interface{} {
	if v == nil {
		v = []float64{}
	}
	return pq.Array(v)
}

// GetSession loads one session summary
func (c *Client) GetSession(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	query := `
		SELECT session_id, vehicle, name, started_at, ended_at,
			penalty, last_mark, finished, finish_time,
			track_x, track_y, track_t
		FROM race_sessions
		WHERE session_id = $1
	`
	var (
		s          types.SessionSummary
		finishTime sql.NullFloat64
	)
	err := c.db.QueryRowContext(ctx, query, sessionID).Scan(
		&s.SessionID, &s.Vehicle, &s.Name, &s.StartedAt, &s.EndedAt,
		&s.Penalty, &s.LastMark, &s.Finished, &finishTime,
		pq.Array(&s.X), pq.Array(&s.Y), pq.Array(&s.T),
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.FinishTime = finishTime.Float64
	return &s, nil
}

// Result is one line of the race results
type Result struct {
	Position   int
	Name       string
	SessionID  string
	FinishTime float64
	Penalty    float64
}

// Score returns the corrected time
func (r Result) Score() float64 {
	return r.FinishTime + r.Penalty
}

// GetResults returns the best finished sessions ranked by finish time plus penalty
func (c *Client) GetResults(ctx context.Context, limit int) ([]Result, error) {
	query := `
		SELECT session_id, name, finish_time, penalty
		FROM race_sessions
		WHERE finished
		ORDER BY finish_time + penalty ASC
		LIMIT $1
	`
	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		r := Result{Position: len(results) + 1}
		if err := rows.Scan(&r.SessionID, &r.Name, &r.FinishTime, &r.Penalty); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// RecordEvent stores one race event. Storing an event id twice is a no-op.
func (c *Client) RecordEvent(ctx context.Context, ev *types.RaceEvent) error {
	id := ev.ID
	if id == "" {
		id = uuid.New().String()
	}
	query := `
		INSERT INTO race_events (event_id, time, kind, vehicle, name, mark, elapsed, penalty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id, time) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, query,
		id, ev.Timestamp, string(ev.Kind), ev.Vehicle, ev.Name, ev.Mark, ev.Elapsed, ev.Penalty,
	)
	return err
}

// StoreServerStats stores a statistics snapshot
func (c *Client) StoreServerStats(stats map[string]interface{}) error {
	query := `
		INSERT INTO server_stats (
			time, connections, active_vehicles, updates, forwards,
			broadcast_failures, malformed_messages, race_events,
			finished_sessions, processing_time_us, uptime_seconds
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
	`

	processingTime, _ := stats["processing_time"].(time.Duration)
	startTime, ok := stats["start_time"].(time.Time)
	if !ok {
		return fmt.Errorf("stats snapshot has no start_time")
	}

	_, err := c.db.Exec(query,
		time.Now(),
		stats["connections"],
		stats["active_vehicles"],
		stats["updates"],
		stats["forwards"],
		stats["broadcast_failures"],
		stats["malformed_messages"],
		stats["race_events"],
		stats["finished_sessions"],
		processingTime.Microseconds(),
		int64(time.Since(startTime).Seconds()),
	)

	return err
}

// GetServerStats retrieves statistics snapshots for a time range, newest first
func (c *Client) GetServerStats(start, end time.Time) ([]map[string]interface{}, error) {
	query := `
		SELECT
			time, connections, active_vehicles, updates, forwards,
			broadcast_failures, malformed_messages, race_events,
			finished_sessions, processing_time_us, uptime_seconds
		FROM server_stats
		WHERE time BETWEEN $1 AND $2
		ORDER BY time DESC
	`

	rows, err := c.db.Query(query, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []map[string]interface{}
	for rows.Next() {
		var (
			timestamp         time.Time
			connections       int64
			activeVehicles    int64
			updates           int64
			forwards          int64
			broadcastFailures int64
			malformed         int64
			raceEvents        int64
			finishedSessions  int64
			processingTimeUs  int64
			uptimeSeconds     int64
		)

		if err := rows.Scan(
			&timestamp,
			&connections,
			&activeVehicles,
			&updates,
			&forwards,
			&broadcastFailures,
			&malformed,
			&raceEvents,
			&finishedSessions,
			&processingTimeUs,
			&uptimeSeconds,
		); err != nil {
			return nil, err
		}

		stats = append(stats, map[string]interface{}{
			"time":               timestamp,
			"connections":        connections,
			"active_vehicles":    activeVehicles,
			"updates":            updates,
			"forwards":           forwards,
			"broadcast_failures": broadcastFailures,
			"malformed_messages": malformed,
			"race_events":        raceEvents,
			"finished_sessions":  finishedSessions,
			"processing_time":    time.Duration(processingTimeUs) * time.Microsecond,
			"uptime_seconds":     uptimeSeconds,
		})
	}

	return stats, rows.Err()
}
