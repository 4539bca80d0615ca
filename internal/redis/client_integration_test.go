package redis

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	rediscontainer "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saviobatista/regatta/internal/testutils"
	"github.com/saviobatista/regatta/internal/types"
)

func setupRedis(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := rediscontainer.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate Redis container: %v", err)
		}
	})

	uri, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get Redis connection string: %v", err)
	}

	client, err := New(strings.TrimPrefix(uri, "redis://"))
	if err != nil {
		t.Fatalf("Failed to create Redis client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestProgress_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := setupRedis(t)
	ctx := context.Background()

	p := &types.Progress{Vehicle: 3, Name: "skipper", X: 10, Y: 20, LastMark: 1, Penalty: 5, UpdatedAt: time.Now().UTC()}
	if err := client.StoreProgress(ctx, p); err != nil {
		t.Fatalf("StoreProgress() failed: %v", err)
	}

	got, err := client.GetProgress(ctx, 3)
	if err != nil {
		t.Fatalf("GetProgress() failed: %v", err)
	}
	if got == nil || got.Name != "skipper" || got.LastMark != 1 {
		t.Fatalf("GetProgress() = %+v, want stored progress", got)
	}

	if err := client.DeleteProgress(ctx, 3); err != nil {
		t.Fatalf("DeleteProgress() failed: %v", err)
	}
	got, err = client.GetProgress(ctx, 3)
	if err != nil {
		t.Fatalf("GetProgress() after delete failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetProgress() after delete = %+v, want nil", got)
	}
}

func TestLeaderboard_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := setupRedis(t)
	ctx := context.Background()

	slow := testutils.MockSession(1, "slow")
	slow.Finished, slow.FinishTime, slow.Penalty = true, 300, 20
	fast := testutils.MockSession(2, "fast")
	fast.Finished, fast.FinishTime = true, 310
	dnf := testutils.MockSession(3, "dnf")

	for _, s := range []*types.SessionSummary{slow, fast, dnf} {
		if err := client.RecordSession(ctx, s); err != nil {
			t.Fatalf("RecordSession(%s) failed: %v", s.Name, err)
		}
	}

	standings, err := client.Leaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("Leaderboard() failed: %v", err)
	}
	if len(standings) != 2 {
		t.Fatalf("Leaderboard() returned %d entries, want 2", len(standings))
	}
	if standings[0].Name != "fast" || standings[0].Score != 310 {
		t.Errorf("first = %+v, want fast with 310", standings[0])
	}
	if standings[1].Name != "slow" || standings[1].Score != 320 {
		t.Errorf("second = %+v, want slow with 320", standings[1])
	}
}
