package migrations

// RetentionPolicies bounds the time series tables and adds the results view
var RetentionPolicies = &Migration{
	Name: "002_retention_policies",
	UpSQL: `
	SELECT add_retention_policy('race_events', INTERVAL '180 days');
	SELECT add_retention_policy('server_stats', INTERVAL '90 days');

	CREATE OR REPLACE VIEW server_stats_daily AS
	SELECT
		time_bucket('1 day', time) AS day,
		MAX(connections) AS connections,
		MAX(updates) AS updates,
		MAX(broadcast_failures) AS broadcast_failures,
		MAX(race_events) AS race_events
	FROM server_stats
	GROUP BY day;

	-- Finished sessions ranked by corrected time
	CREATE OR REPLACE VIEW race_results AS
	SELECT
		name,
		session_id,
		finish_time,
		penalty,
		finish_time + penalty AS score,
		RANK() OVER (ORDER BY finish_time + penalty) AS position
	FROM race_sessions
	WHERE finished;
	`,
	DownSQL: `
	DROP VIEW IF EXISTS race_results;
	DROP VIEW IF EXISTS server_stats_daily;
	SELECT remove_retention_policy('race_events');
	SELECT remove_retention_policy('server_stats');
	`,
}
