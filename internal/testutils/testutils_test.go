package testutils

import (
	"testing"
	"time"
)

func TestMockPose(t *testing.T) {
	p := MockPose(12, -4)

	x, y := p.XY()
	if x != 12 || y != -4 {
		t.Errorf("MockPose position = (%v, %v), want (12, -4)", x, y)
	}
	if p.Orientation != [4]float32{1, 0, 0, 0} {
		t.Errorf("MockPose orientation = %v, want identity quaternion", p.Orientation)
	}
}

func TestMockSession(t *testing.T) {
	s := MockSession(3, "skipper")

	if s.Vehicle != 3 || s.Name != "skipper" {
		t.Errorf("MockSession identity = (%d, %s), want (3, skipper)", s.Vehicle, s.Name)
	}
	if len(s.X) != 3 || len(s.T) != 3 {
		t.Errorf("MockSession should carry 3 samples, got %d", len(s.X))
	}
	if !s.EndedAt.After(s.StartedAt) {
		t.Error("MockSession should end after it starts")
	}
	if s.LastMark != -1 {
		t.Errorf("MockSession LastMark = %d, want -1", s.LastMark)
	}
}

func TestWaitForCondition_Success(t *testing.T) {
	start := time.Now()
	err := WaitForCondition(func() bool {
		return time.Since(start) > 30*time.Millisecond
	}, time.Second)

	if err != nil {
		t.Errorf("WaitForCondition() failed: %v", err)
	}
}

func TestWaitForCondition_Timeout(t *testing.T) {
	err := WaitForCondition(func() bool { return false }, 50*time.Millisecond)

	if err == nil {
		t.Error("WaitForCondition() should time out")
	}
}
