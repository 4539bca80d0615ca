package migrations

// RaceSchema creates the session, event and statistics tables
var RaceSchema = &Migration{
	Name: "001_race_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		-- One row per disconnected vehicle
		CREATE TABLE IF NOT EXISTS race_sessions (
			session_id TEXT PRIMARY KEY,
			vehicle INTEGER NOT NULL,
			name TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			penalty DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_mark INTEGER NOT NULL DEFAULT -1,
			finished BOOLEAN NOT NULL DEFAULT FALSE,
			finish_time DOUBLE PRECISION,
			track_x DOUBLE PRECISION[] NOT NULL,
			track_y DOUBLE PRECISION[] NOT NULL,
			track_t DOUBLE PRECISION[] NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_race_sessions_name ON race_sessions (name);
		CREATE INDEX IF NOT EXISTS idx_race_sessions_started_at ON race_sessions (started_at);

		CREATE TABLE IF NOT EXISTS race_events (
			event_id UUID NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			kind CHAR(1) NOT NULL,
			vehicle INTEGER NOT NULL,
			name TEXT,
			mark INTEGER NOT NULL,
			elapsed DOUBLE PRECISION,
			penalty DOUBLE PRECISION
		);

		SELECT create_hypertable('race_events', 'time');
		CREATE INDEX IF NOT EXISTS idx_race_events_name ON race_events (name);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_race_events_id ON race_events (event_id, time);

		CREATE TABLE IF NOT EXISTS server_stats (
			time TIMESTAMPTZ NOT NULL,
			connections BIGINT NOT NULL,
			active_vehicles BIGINT NOT NULL,
			updates BIGINT NOT NULL,
			forwards BIGINT NOT NULL,
			broadcast_failures BIGINT NOT NULL,
			malformed_messages BIGINT NOT NULL,
			race_events BIGINT NOT NULL,
			finished_sessions BIGINT NOT NULL,
			processing_time_us BIGINT NOT NULL,
			uptime_seconds BIGINT NOT NULL
		);

		SELECT create_hypertable('server_stats', 'time');
		CREATE INDEX IF NOT EXISTS idx_server_stats_time ON server_stats (time DESC);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS server_stats;
		DROP TABLE IF EXISTS race_events;
		DROP TABLE IF EXISTS race_sessions;
	`,
}
