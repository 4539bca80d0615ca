package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/saviobatista/regatta/internal/types"
)

// MockPose creates a level, stationary pose at the given horizontal position
func MockPose(x, y float32) types.Pose {
	return types.Pose{
		Position:    [3]float32{x, y, -0.8},
		Orientation: [4]float32{1, 0, 0, 0},
	}
}

// MockSession creates a session summary with a short straight track
func MockSession(vehicle int, name string) *types.SessionSummary {
	started := time.Now().UTC().Add(-time.Minute)
	s := &types.SessionSummary{
		SessionID: fmt.Sprintf("session-%d", vehicle),
		Vehicle:   vehicle,
		Name:      name,
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		LastMark:  -1,
	}
	for i := 0; i < 3; i++ {
		s.AddSample(float64(i)*10, 0, float64(i)*2)
	}
	return s
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
