package marks

import (
	"math/rand"
	"testing"
	"time"

	"github.com/saviobatista/regatta/internal/types"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// start line at the origin, one buoy and a finish line, all crossed southward
func testCourse() Course {
	return Course{
		New(Spec{Name: "Start", X: 0, Y: 0, Radial: 90, Distance: 10, Rounding: Nearest}),
		New(Spec{Name: "Buoy", X: 0, Y: 50, Radial: 90, Distance: 10, Rounding: Clockwise, Score: 5}),
		New(Spec{Name: "Finish", X: 0, Y: 100, Radial: 90, Distance: 10, Rounding: Nearest, Finish: true}),
	}
}

func TestParseRounding(t *testing.T) {
	for _, s := range []string{"cw", "ccw", "no", "near"} {
		if _, err := ParseRounding(s); err != nil {
			t.Errorf("ParseRounding(%q) unexpected error: %v", s, err)
		}
	}
	if _, err := ParseRounding("port"); err == nil {
		t.Error("ParseRounding(\"port\") expected error but got none")
	}
}

func TestMark_Locate(t *testing.T) {
	tests := []struct {
		name     string
		spec     Spec
		x, y     float64
		wantSign float64
		wantBand bool
	}{
		{name: "cw north of line", spec: Spec{Radial: 90, Distance: 10, Rounding: Clockwise}, x: 1, y: 5, wantSign: -1, wantBand: true},
		{name: "cw south of line", spec: Spec{Radial: 90, Distance: 10, Rounding: Clockwise}, x: -1, y: 5, wantSign: 1, wantBand: true},
		{name: "ccw flips sign", spec: Spec{Radial: 90, Distance: 10, Rounding: CounterClockwise}, x: 1, y: 5, wantSign: 1, wantBand: true},
		{name: "cw behind mark", spec: Spec{Radial: 90, Distance: 10, Rounding: Clockwise}, x: 1, y: -5, wantSign: -1, wantBand: false},
		{name: "near behind mark", spec: Spec{Radial: 90, Distance: 10, Rounding: Nearest}, x: 1, y: -5, wantSign: -1, wantBand: true},
		{name: "beyond distance", spec: Spec{Radial: 90, Distance: 10, Rounding: Nearest}, x: 1, y: 11, wantSign: -1, wantBand: false},
		{name: "radial 180", spec: Spec{X: -5, Y: -10, Radial: 180, Distance: 10, Rounding: Avoid}, x: -8, y: -5, wantSign: -1, wantBand: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, inBand := New(tt.spec).Locate(tt.x, tt.y)
			if d*tt.wantSign <= 0 {
				t.Errorf("Locate() distance = %v, want sign %v", d, tt.wantSign)
			}
			if inBand != tt.wantBand {
				t.Errorf("Locate() inBand = %v, want %v", inBand, tt.wantBand)
			}
		})
	}
}

func TestCourse_InOrderRounding(t *testing.T) {
	clock := &fakeClock{t: time.Date(2020, 2, 27, 13, 0, 0, 0, time.UTC)}
	course := testCourse()
	state := NewStateWithClock("skipper", 1, clock.now)

	path := []struct {
		x, y float64
		want []types.EventKind
	}{
		{x: 1, y: 5},
		{x: -1, y: 5, want: []types.EventKind{types.EventRounded}},
		{x: 1, y: 55},
		{x: -1, y: 55, want: []types.EventKind{types.EventRounded}},
		{x: 1, y: 100},
		{x: -1, y: 100, want: []types.EventKind{types.EventFinished}},
	}

	var all []types.RaceEvent
	for i, p := range path {
		clock.advance(1234 * time.Millisecond)
		events := course.Update(state, p.x, p.y)
		if len(events) != len(p.want) {
			t.Fatalf("step %d: got %d events, want %d (%+v)", i, len(events), len(p.want), events)
		}
		for j, ev := range events {
			if ev.Kind != p.want[j] {
				t.Errorf("step %d: event kind = %q, want %q", i, ev.Kind, p.want[j])
			}
		}
		all = append(all, events...)
	}

	for i, ev := range all {
		if ev.Mark != i {
			t.Errorf("event %d mark = %d, want %d", i, ev.Mark, i)
		}
		if ev.Vehicle != 1 || ev.Name != "skipper" {
			t.Errorf("event %d vehicle = %d/%q, want 1/skipper", i, ev.Vehicle, ev.Name)
		}
	}
	if all[0].Elapsed != 2.46 {
		t.Errorf("start elapsed = %v, want 2.46", all[0].Elapsed)
	}
	if state.LastPassed != 2 {
		t.Errorf("LastPassed = %d, want 2", state.LastPassed)
	}
	// buoy score counts, the finish score does not
	if state.Penalty != 5 || all[2].Penalty != 5 {
		t.Errorf("penalty = %v (finish event %v), want 5", state.Penalty, all[2].Penalty)
	}
}

func TestCourse_OutOfOrderIgnored(t *testing.T) {
	course := testCourse()
	state := NewState("skipper", 0)

	// buoy crossed before the start
	for _, p := range [][2]float64{{1, 55}, {-1, 55}} {
		if events := course.Update(state, p[0], p[1]); len(events) != 0 {
			t.Fatalf("crossing buoy before start emitted %+v", events)
		}
	}
	if _, ok := state.Distance(1); ok {
		t.Error("out of order mark should not record a baseline")
	}

	var rounded []int
	for _, p := range [][2]float64{{1, 5}, {-1, 5}, {1, 55}, {-1, 55}} {
		for _, ev := range course.Update(state, p[0], p[1]) {
			rounded = append(rounded, ev.Mark)
		}
	}
	if len(rounded) != 2 || rounded[0] != 0 || rounded[1] != 1 {
		t.Errorf("rounded marks = %v, want [0 1]", rounded)
	}
}

func TestMark_WrongDirection(t *testing.T) {
	m := New(Spec{Name: "Buoy", Radial: 90, Distance: 10, Rounding: Clockwise})
	state := NewState("skipper", 0)

	for _, p := range [][2]float64{{-1, 5}, {1, 5}, {-1, 5}} {
		ev := m.Update(state, p[0], p[1], 0)
		if p[0] == -1 && state.LastPassed == 0 {
			if ev == nil || ev.Kind != types.EventRounded {
				t.Errorf("expected rounding on negative to positive crossing, got %+v", ev)
			}
			return
		}
		if ev != nil {
			t.Fatalf("unexpected event %+v at %v", ev, p)
		}
	}
	t.Error("mark was never rounded")
}

func TestMark_CounterClockwise(t *testing.T) {
	m := New(Spec{Name: "Buoy", Radial: 90, Distance: 10, Rounding: CounterClockwise})
	state := NewState("skipper", 0)

	if ev := m.Update(state, 1, 5, 0); ev != nil {
		t.Fatalf("first observation emitted %+v", ev)
	}
	if ev := m.Update(state, -1, 5, 0); ev != nil {
		t.Fatalf("clockwise crossing of a ccw mark emitted %+v", ev)
	}
	if ev := m.Update(state, 1, 5, 0); ev == nil || ev.Kind != types.EventRounded {
		t.Errorf("ccw crossing = %+v, want rounded", ev)
	}
}

func TestMark_OutOfBandIgnored(t *testing.T) {
	m := New(Spec{Name: "Start", Radial: 90, Distance: 10, Rounding: Nearest})
	state := NewState("skipper", 0)

	for i := 0; i < 10; i++ {
		x := float64(1 - 2*(i%2))
		if ev := m.Update(state, x, 25, 0); ev != nil {
			t.Fatalf("crossing outside the band emitted %+v", ev)
		}
	}
	if _, ok := state.Distance(0); ok {
		t.Error("out of band position should not record a baseline")
	}
}

func TestMark_ZeroDistanceNotBaseline(t *testing.T) {
	m := New(Spec{Name: "Start", Radial: 90, Distance: 10, Rounding: Nearest})
	state := NewState("skipper", 0)

	m.Update(state, 0, 5, 0)
	if _, ok := state.Distance(0); ok {
		t.Error("a position exactly on the line should not become the baseline")
	}
	m.Update(state, 1, 5, 0)
	if ev := m.Update(state, -1, 5, 0); ev == nil {
		t.Error("expected rounding after a real baseline")
	}
}

func TestMark_AvoidPenalty(t *testing.T) {
	m := New(Spec{Name: "Rock", Info: "Keep clear", X: -5, Y: -10, Radial: 180, Distance: 10, Rounding: Avoid, Score: 10})
	state := NewState("skipper", 3)

	steps := []struct {
		x, y        float64
		wantPenalty bool
	}{
		{x: -8, y: -5},
		{x: -8, y: -12, wantPenalty: true},
		{x: -8, y: -11},
		{x: -8, y: -5, wantPenalty: true},
		{x: 0, y: -12}, // sign change outside the band
		{x: 0, y: -5},
	}

	for i, s := range steps {
		ev := m.Update(state, s.x, s.y, 0)
		if (ev != nil) != s.wantPenalty {
			t.Fatalf("step %d: event = %+v, want penalty %v", i, ev, s.wantPenalty)
		}
		if ev != nil && (ev.Kind != types.EventPenalty || ev.Penalty != 10 || ev.Mark != 0) {
			t.Errorf("step %d: event = %+v, want penalty of 10 at mark 0", i, ev)
		}
	}
	if state.Penalty != 20 {
		t.Errorf("Penalty = %v, want 20", state.Penalty)
	}
	if state.LastPassed != 0 {
		t.Errorf("avoid mark should advance the sequence, LastPassed = %d", state.LastPassed)
	}
}

func TestState_ElapsedResolution(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	state := NewStateWithClock("skipper", 0, clock.now)

	clock.advance(12*time.Second + 349*time.Millisecond)
	if got := state.Elapsed(); got != 12.34 {
		t.Errorf("Elapsed() = %v, want 12.34", got)
	}

	state.Start()
	if got := state.Elapsed(); got != 0 {
		t.Errorf("Elapsed() after Start() = %v, want 0", got)
	}
	if !state.StartedAt().Equal(clock.t) {
		t.Errorf("StartedAt() = %v, want %v", state.StartedAt(), clock.t)
	}
}

func TestCourse_Infos(t *testing.T) {
	infos := testCourse().Infos()
	if len(infos) != 3 {
		t.Fatalf("Infos() returned %d marks, want 3", len(infos))
	}
	if infos[1].Index != 1 || infos[1].Name != "Buoy" || infos[1].Y != 50 {
		t.Errorf("Infos()[1] = %+v", infos[1])
	}
}

func TestCourse_RandomWalkInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	course := append(testCourse(), New(Spec{Name: "Rock", X: 0, Y: 75, Radial: 90, Distance: 5, Rounding: Avoid, Score: 10}))
	state := NewState("walker", 0)

	x, y := 0.0, 0.0
	last := state.LastPassed
	for i := 0; i < 20000; i++ {
		x += rng.Float64()*4 - 2
		y += rng.Float64()*4 - 1.5
		if y > 120 {
			y = -10
		}
		for _, ev := range course.Update(state, x, y) {
			if ev.Kind == types.EventPenalty {
				continue
			}
			if ev.Mark != last+1 {
				t.Fatalf("event for mark %d after mark %d", ev.Mark, last)
			}
			last = ev.Mark
		}
		if state.LastPassed < last {
			t.Fatalf("LastPassed decreased from %d to %d", last, state.LastPassed)
		}
		last = state.LastPassed
	}
}
