package marks

import (
	"fmt"
	"math"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/types"
)

// Rounding is the way a mark has to be passed
type Rounding string

const (
	Clockwise        Rounding = "cw"
	CounterClockwise Rounding = "ccw"
	// Avoid marks are not rounded; crossing their line costs a penalty
	Avoid Rounding = "no"
	// Nearest marks are lines (start, finish, gates) counted on either side of the center
	Nearest Rounding = "near"
)

// ParseRounding validates a configured rounding mode
func ParseRounding(s string) (Rounding, error) {
	switch r := Rounding(s); r {
	case Clockwise, CounterClockwise, Avoid, Nearest:
		return r, nil
	default:
		return "", fmt.Errorf("unknown rounding mode %q", s)
	}
}

// Spec is the configured description of a race mark
type Spec struct {
	Name     string
	Info     string
	X        float64
	Y        float64
	Radial   float64 // heading of the mark line, degrees
	Distance float64 // length of the mark line
	Rounding Rounding
	Score    float64 // penalty seconds
	Finish   bool
}

// Mark is an immutable race mark with its derived line and band equations
type Mark struct {
	Spec
	line  mgl64.Vec3
	area1 mgl64.Vec3
	area2 mgl64.Vec3
}

// New derives the crossing line and the two half planes bounding the band
func New(spec Spec) *Mark {
	rad := mgl64.DegToRad(spec.Radial)
	c, s := math.Cos(rad), math.Sin(rad)
	x, y := spec.X, spec.Y

	m := &Mark{Spec: spec}
	if spec.Rounding == CounterClockwise {
		m.line = mgl64.Vec3{s, -c, -s*x + c*y}
	} else {
		m.line = mgl64.Vec3{-s, c, s*x - c*y}
	}
	if spec.Rounding == Nearest {
		m.area1 = mgl64.Vec3{c, s, -c*x - s*y + spec.Distance}
	} else {
		m.area1 = mgl64.Vec3{c, s, -c*x - s*y}
	}
	m.area2 = mgl64.Vec3{-c, -s, c*x + s*y + spec.Distance}

	log.Debug().Str("mark", spec.Name).Float64("x", x).Float64("y", y).
		Str("rounding", string(spec.Rounding)).Float64("distance", spec.Distance).Msg("race mark created")
	return m
}

// Locate returns the signed distance to the crossing line and whether the
// position lies inside the band around the mark segment
func (m *Mark) Locate(x, y float64) (float64, bool) {
	loc := mgl64.Vec3{x, y, 1}
	return m.line.Dot(loc), m.area1.Dot(loc) > 0 && m.area2.Dot(loc) > 0
}

// Info returns the static descriptor sent to clients
func (m *Mark) Info(index int) types.MarkInfo {
	return types.MarkInfo{
		Index: index,
		Name:  m.Name,
		Info:  m.Spec.Info,
		X:     float32(m.X),
		Y:     float32(m.Y),
	}
}

// Update evaluates a new position of the vehicle tracked by state against this mark,
// which sits at index in the course. It returns the resulting event, if any.
func (m *Mark) Update(state *State, x, y float64, index int) *types.RaceEvent {
	d, inBand := m.Locate(x, y)

	if m.Rounding == Avoid {
		prev, seen := state.distances[index]
		if !seen {
			if d != 0 {
				state.distances[index] = d
			}
			return nil
		}

		// avoid marks do not hold up the sequence
		if state.LastPassed == index-1 {
			state.LastPassed = index
		}

		var event *types.RaceEvent
		if inBand && prev*d < 0 {
			state.Penalty += m.Score
			event = state.event(types.EventPenalty, index)
			event.Penalty = m.Score
			log.Info().Str("name", state.Name).Int("vehicle", state.Vehicle).Str("mark", m.Name).
				Float64("penalty", m.Score).Msg(m.Spec.Info)
		}
		if d != 0 {
			state.distances[index] = d
		}
		return event
	}

	if d == 0 || !inBand || index != state.LastPassed+1 {
		return nil
	}

	prev, seen := state.distances[index]
	if !seen {
		state.distances[index] = d
		return nil
	}

	var event *types.RaceEvent
	if prev < 0 && d > 0 {
		state.LastPassed = index
		elapsed := state.Elapsed()
		if m.Finish {
			event = state.event(types.EventFinished, index)
			event.Elapsed = elapsed
			event.Penalty = state.Penalty
			log.Info().Str("name", state.Name).Int("vehicle", state.Vehicle).
				Float64("elapsed", elapsed).Float64("penalty", state.Penalty).Msg("finished")
		} else {
			event = state.event(types.EventRounded, index)
			event.Elapsed = elapsed
			state.Penalty += m.Score
			log.Info().Str("name", state.Name).Int("vehicle", state.Vehicle).
				Str("mark", m.Name).Float64("elapsed", elapsed).Msg("rounded mark")
		}
	}
	state.distances[index] = d
	return event
}

// State is the progress of one vehicle relative to the course
type State struct {
	Name       string
	Vehicle    int
	LastPassed int
	Penalty    float64

	// unset entries mean the mark has not been evaluated yet
	distances map[int]float64
	started   time.Time
	now       func() time.Time
}

// NewState creates the progress tracker for a vehicle, started now
func NewState(name string, vehicle int) *State {
	return NewStateWithClock(name, vehicle, time.Now)
}

// NewStateWithClock creates a tracker with an injected clock
func NewStateWithClock(name string, vehicle int, now func() time.Time) *State {
	s := &State{
		Name:      name,
		Vehicle:   vehicle,
		distances: make(map[int]float64),
		now:       now,
	}
	s.Start()
	return s
}

// Start resets the race progress and the start timestamp
func (s *State) Start() {
	s.LastPassed = -1
	s.Penalty = 0
	s.started = s.now()
}

// StartedAt returns the tracked start timestamp
func (s *State) StartedAt() time.Time {
	return s.started
}

// Elapsed returns the seconds since start with centisecond resolution
func (s *State) Elapsed() float64 {
	cs := s.now().Sub(s.started) / (10 * time.Millisecond)
	return float64(cs) / 100
}

// Distance returns the last recorded signed distance to the mark at index
func (s *State) Distance(index int) (float64, bool) {
	d, ok := s.distances[index]
	return d, ok
}

func (s *State) event(kind types.EventKind, index int) *types.RaceEvent {
	return &types.RaceEvent{
		Kind:      kind,
		Vehicle:   s.Vehicle,
		Name:      s.Name,
		Mark:      index,
		Timestamp: s.now(),
	}
}

// Course is the ordered list of marks of a race
type Course []*Mark

// Update runs a position through every mark in course order
func (c Course) Update(state *State, x, y float64) []types.RaceEvent {
	var events []types.RaceEvent
	for i, m := range c {
		if ev := m.Update(state, x, y, i); ev != nil {
			events = append(events, *ev)
		}
	}
	return events
}

// Infos returns the static descriptors of all marks
func (c Course) Infos() []types.MarkInfo {
	infos := make([]types.MarkInfo, len(c))
	for i, m := range c {
		infos[i] = m.Info(i)
	}
	return infos
}
