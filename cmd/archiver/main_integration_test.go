package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saviobatista/regatta/internal/db"
	"github.com/saviobatista/regatta/internal/db/migrations"
	"github.com/saviobatista/regatta/internal/redis"
	"github.com/saviobatista/regatta/internal/types"
)

type testContainers struct {
	postgres *postgres.PostgresContainer
	redis    *rediscontainer.RedisContainer
}

func setupTestContainers(t *testing.T) *testContainers {
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx, "timescale/timescaledb:latest-pg14",
		postgres.WithDatabase("regatta"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := postgresContainer.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	redisContainer, err := rediscontainer.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := redisContainer.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	return &testContainers{postgres: postgresContainer, redis: redisContainer}
}

func TestArchiver_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	containers := setupTestContainers(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	connStr, err := containers.postgres.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get PostgreSQL connection string: %v", err)
	}
	dbClient, err := db.New(connStr)
	if err != nil {
		t.Fatalf("Failed to create database client: %v", err)
	}
	defer dbClient.Close()

	if _, err := migrations.New(dbClient.DB()).Migrate(ctx, migrations.All()); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	uri, err := containers.redis.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get Redis connection string: %v", err)
	}
	redisClient, err := redis.New(strings.TrimPrefix(uri, "redis://"))
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	defer redisClient.Close()

	a := NewArchiver(dbClient, redisClient)

	now := time.Now().UTC()
	finish := &types.RaceEvent{ID: "3c9d2e71-6a4b-4f0e-8b5d-7e1a2c3b4d5f", Kind: types.EventFinished, Vehicle: 0, Name: "alpha", Mark: 2, Elapsed: 81.5, Timestamp: now}
	if err := a.ProcessEvent(ctx, finish); err != nil {
		t.Fatalf("ProcessEvent() failed: %v", err)
	}
	// the server's own database sink may already have stored the event the stream delivers
	if err := dbClient.RecordEvent(ctx, finish); err != nil {
		t.Fatalf("RecordEvent() of a stored event failed: %v", err)
	}
	var rows int
	if err := dbClient.DB().QueryRowContext(ctx, `SELECT count(*) FROM race_events WHERE event_id = $1`, finish.ID).Scan(&rows); err != nil {
		t.Fatalf("Failed to count race events: %v", err)
	}
	if rows != 1 {
		t.Errorf("race_events holds %d rows for one event, want 1", rows)
	}

	fast := &types.SessionSummary{SessionID: "0b7e6f1e-7b1f-4c4e-9b7a-1f1c2d3e4f50", Name: "alpha", StartedAt: now.Add(-time.Minute),
		EndedAt: now, Finished: true, FinishTime: 60, Penalty: 5, LastMark: 2}
	slow := &types.SessionSummary{SessionID: "8d0c4a2b-3e5f-4a6b-8c7d-9e0f1a2b3c4d", Name: "bravo", StartedAt: now.Add(-2 * time.Minute),
		EndedAt: now, Finished: true, FinishTime: 110, LastMark: 2}
	for _, s := range []*types.SessionSummary{slow, fast} {
		if err := a.ProcessSession(ctx, s); err != nil {
			t.Fatalf("ProcessSession(%s) failed: %v", s.Name, err)
		}
	}

	stored, err := dbClient.GetSession(ctx, fast.SessionID)
	if err != nil {
		t.Fatalf("GetSession() failed: %v", err)
	}
	if stored.Name != "alpha" || !stored.Finished {
		t.Errorf("GetSession() = %+v, want the finished alpha session", stored)
	}

	standings, err := redisClient.Leaderboard(ctx, leaderboardLength)
	if err != nil {
		t.Fatalf("Leaderboard() failed: %v", err)
	}
	if len(standings) != 2 || standings[0].Name != "alpha" || standings[0].Score != 65 {
		t.Errorf("Leaderboard() = %+v, want alpha first with 65", standings)
	}
}
