package nats

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/saviobatista/regatta/internal/testutils"
	"github.com/saviobatista/regatta/internal/types"
)

// setupNATS starts a JetStream enabled NATS container and returns its URL
func setupNATS(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.9-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Server is ready"),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start NATS container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate NATS container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("Failed to get NATS connection string: %v", err)
	}
	return url
}

func TestNATSClient_Integration_StreamIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	url := setupNATS(t)

	first, err := New(url)
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}
	defer first.Close()

	second, err := New(url)
	if err != nil {
		t.Fatalf("Second client should reuse the stream: %v", err)
	}
	defer second.Close()
}

func TestNATSClient_Integration_EventsAndSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client, err := New(setupNATS(t))
	if err != nil {
		t.Fatalf("Failed to create NATS client: %v", err)
	}
	defer client.Close()

	events := make(chan *types.RaceEvent, 4)
	sessions := make(chan *types.SessionSummary, 4)
	if err := client.SubscribeEvents("", func(ev *types.RaceEvent) { events <- ev }); err != nil {
		t.Fatalf("SubscribeEvents() failed: %v", err)
	}
	if err := client.SubscribeSessions("archiver-test", func(s *types.SessionSummary) { sessions <- s }); err != nil {
		t.Fatalf("SubscribeSessions() failed: %v", err)
	}

	ctx := context.Background()
	ev := &types.RaceEvent{Kind: types.EventFinished, Vehicle: 1, Name: "alpha", Mark: 2, Elapsed: 301.5, Penalty: 10}
	if err := client.RecordEvent(ctx, ev); err != nil {
		t.Fatalf("RecordEvent() failed: %v", err)
	}
	summary := testutils.MockSession(1, "alpha")
	if err := client.RecordSession(ctx, summary); err != nil {
		t.Fatalf("RecordSession() failed: %v", err)
	}

	select {
	case got := <-events:
		if got.Kind != types.EventFinished || got.Elapsed != 301.5 || got.Penalty != 10 {
			t.Errorf("received event %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for race event")
	}

	select {
	case got := <-sessions:
		if got.SessionID != summary.SessionID || len(got.X) != len(summary.X) {
			t.Errorf("received session %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for session summary")
	}
}
