package types

import (
	"fmt"
	"time"
)

const (
	// PoseLen is the number of float32 values in an update payload
	PoseLen = 15
	// StartPoseLen is the number of float32 values in a welcome payload
	StartPoseLen = 7
)

// Pose is a single state sample of a vehicle
type Pose struct {
	Position        [3]float32 `json:"position"`
	Orientation     [4]float32 `json:"orientation"` // quaternion w, x, y, z
	Velocity        [3]float32 `json:"velocity"`
	AngularVelocity [3]float32 `json:"angular_velocity"`
	Rudder          float32    `json:"rudder"`
	Sail            float32    `json:"sail"`
}

// Floats flattens the pose in wire order
func (p Pose) Floats() []float32 {
	v := make([]float32, 0, PoseLen)
	v = append(v, p.Position[:]...)
	v = append(v, p.Orientation[:]...)
	v = append(v, p.Velocity[:]...)
	v = append(v, p.AngularVelocity[:]...)
	return append(v, p.Rudder, p.Sail)
}

// XY returns the horizontal position (north, east)
func (p Pose) XY() (float64, float64) {
	return float64(p.Position[0]), float64(p.Position[1])
}

// PoseFromFloats builds a pose from its wire order representation
func PoseFromFloats(v []float32) (Pose, error) {
	if len(v) != PoseLen {
		return Pose{}, fmt.Errorf("pose needs %d floats, got %d", PoseLen, len(v))
	}
	var p Pose
	copy(p.Position[:], v[0:3])
	copy(p.Orientation[:], v[3:7])
	copy(p.Velocity[:], v[7:10])
	copy(p.AngularVelocity[:], v[10:13])
	p.Rudder = v[13]
	p.Sail = v[14]
	return p, nil
}

// StartPose is the position and orientation handed out with a start box
type StartPose struct {
	Position    [3]float32 `json:"position"`
	Orientation [4]float32 `json:"orientation"`
}

// Floats flattens the start pose in wire order
func (s StartPose) Floats() []float32 {
	v := make([]float32, 0, StartPoseLen)
	v = append(v, s.Position[:]...)
	return append(v, s.Orientation[:]...)
}

// StartPoseFromFloats builds a start pose from its wire order representation
func StartPoseFromFloats(v []float32) (StartPose, error) {
	if len(v) != StartPoseLen {
		return StartPose{}, fmt.Errorf("start pose needs %d floats, got %d", StartPoseLen, len(v))
	}
	var s StartPose
	copy(s.Position[:], v[0:3])
	copy(s.Orientation[:], v[3:7])
	return s, nil
}

// Wind is the environment vector broadcast by the server
type Wind struct {
	North float32 `json:"north"`
	East  float32 `json:"east"`
}

// StaticObject is a named visual placement in the world
type StaticObject struct {
	Name string  `json:"name"`
	X    float32 `json:"x"`
	Y    float32 `json:"y"`
	Z    float32 `json:"z"`
	Psi  float32 `json:"psi"`
}

// Obstruction is collision geometry placed in the world
type Obstruction struct {
	Name        string     `json:"name"`
	Geom        string     `json:"geom"`
	Position    [3]float32 `json:"position"`
	Size        [3]float32 `json:"size"`
	Orientation [3]float32 `json:"orientation"` // phi, theta, psi in degrees
}

// MarkInfo is the static descriptor of a race mark as sent to clients
type MarkInfo struct {
	Index int     `json:"index"`
	Name  string  `json:"name"`
	Info  string  `json:"info"`
	X     float32 `json:"x"`
	Y     float32 `json:"y"`
}

// EventKind identifies a race progress event
type EventKind string

const (
	EventRounded  EventKind = "R"
	EventFinished EventKind = "F"
	EventPenalty  EventKind = "P"
)

// RaceEvent is emitted when a vehicle rounds, finishes or gets a penalty
type RaceEvent struct {
	ID        string    `json:"id,omitempty"`
	Kind      EventKind `json:"kind"`
	Vehicle   int       `json:"vehicle"`
	Name      string    `json:"name,omitempty"`
	Mark      int       `json:"mark"`
	Elapsed   float64   `json:"elapsed"` // seconds since start, rounded and finished events
	Penalty   float64   `json:"penalty"` // mark penalty, or the accrued total on finish
	Timestamp time.Time `json:"timestamp"`
}

// Progress is the live race state of one connected vehicle
type Progress struct {
	Vehicle   int       `json:"vehicle"`
	Name      string    `json:"name"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	LastMark  int       `json:"last_mark"`
	Penalty   float64   `json:"penalty"`
	Elapsed   float64   `json:"elapsed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionSummary is the record persisted once per disconnected vehicle
type SessionSummary struct {
	SessionID  string    `json:"session_id"`
	Vehicle    int       `json:"vehicle"`
	Name       string    `json:"n"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	X          []float64 `json:"x"`
	Y          []float64 `json:"y"`
	T          []float64 `json:"t"`
	Penalty    float64   `json:"penalty"`
	LastMark   int       `json:"last_mark"`
	Finished   bool      `json:"finished"`
	FinishTime float64   `json:"finish_time"`
}

// AddSample appends one position/time sample to the track
func (s *SessionSummary) AddSample(x, y, t float64) {
	s.X = append(s.X, x)
	s.Y = append(s.Y, y)
	s.T = append(s.T, t)
}

// Score is the finish time plus accrued penalty, used for ranking
func (s *SessionSummary) Score() float64 {
	return s.FinishTime + s.Penalty
}
