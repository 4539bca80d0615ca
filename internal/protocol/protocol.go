package protocol

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/saviobatista/regatta/internal/types"
)

var (
	// ErrProtocolViolation is returned for a tag that is unknown or not allowed in this direction
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrMalformed is returned when a known message carries unusable fields
	ErrMalformed = errors.New("malformed message")
)

// Message tags
const (
	TagBorn        = 'B'
	TagWelcome     = 'W'
	TagUpdate      = 'U'
	TagDeath       = 'D'
	TagEnvironment = 'E'
	TagObject      = 'L'
	TagObstruction = 'O'
	TagMark        = 'M'
	TagRace        = 'S'
)

const sep = ":"

// Message is one decoded protocol message
type Message interface {
	Tag() byte
}

// Born is the first message of a client, carrying its display name
type Born struct {
	Name string
}

// Joined announces a vehicle (index and name) to the other clients
type Joined struct {
	Index int
	Name  string
}

// Welcome confirms a connection with the assigned index and start pose
type Welcome struct {
	Index int
	Start types.StartPose
}

// Update carries one pose sample of a vehicle
type Update struct {
	Index int
	Pose  types.Pose
}

// Death announces that a vehicle left
type Death struct {
	Index int
}

// Environment carries the current wind
type Environment struct {
	Wind types.Wind
}

// Object places a static visual object
type Object struct {
	Object types.StaticObject
}

// Obstacle places collision geometry
type Obstacle struct {
	Obstruction types.Obstruction
}

// Mark describes one race mark
type Mark struct {
	Mark types.MarkInfo
}

// Race carries a race progress event
type Race struct {
	Event types.RaceEvent
}

func (Born) Tag() byte        { return TagBorn }
func (Joined) Tag() byte      { return TagBorn }
func (Welcome) Tag() byte     { return TagWelcome }
func (Update) Tag() byte      { return TagUpdate }
func (Death) Tag() byte       { return TagDeath }
func (Environment) Tag() byte { return TagEnvironment }
func (Object) Tag() byte      { return TagObject }
func (Obstacle) Tag() byte    { return TagObstruction }
func (Mark) Tag() byte        { return TagMark }
func (Race) Tag() byte        { return TagRace }

// EncodeFloats packs float32 values little-endian and base64 encodes them
func EncodeFloats(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeFloats reverses EncodeFloats, requiring exactly n values
func DecodeFloats(s string, n int) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformed, err)
	}
	if len(buf) != 4*n {
		return nil, fmt.Errorf("%w: expected %d floats, got %d bytes", ErrMalformed, n, len(buf))
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// Encode serializes a message to its wire representation
func Encode(msg Message) ([]byte, error) {
	var b strings.Builder
	b.WriteByte(msg.Tag())

	switch m := msg.(type) {
	case Born:
		b.WriteString(m.Name)
	case Joined:
		fmt.Fprintf(&b, "%d%s%s", m.Index, sep, m.Name)
	case Welcome:
		fmt.Fprintf(&b, "%d%s%s", m.Index, sep, EncodeFloats(m.Start.Floats()))
	case Update:
		fmt.Fprintf(&b, "%d%s%s", m.Index, sep, EncodeFloats(m.Pose.Floats()))
	case Death:
		b.WriteString(strconv.Itoa(m.Index))
	case Environment:
		b.WriteString(EncodeFloats([]float32{m.Wind.North, m.Wind.East}))
	case Object:
		o := m.Object
		b.WriteString(o.Name + sep + EncodeFloats([]float32{o.X, o.Y, o.Z, o.Psi}))
	case Obstacle:
		o := m.Obstruction
		v := make([]float32, 0, 9)
		v = append(v, o.Position[:]...)
		v = append(v, o.Size[:]...)
		v = append(v, o.Orientation[:]...)
		b.WriteString(o.Name + sep + o.Geom + sep + EncodeFloats(v))
	case Mark:
		mk := m.Mark
		fmt.Fprintf(&b, "%d%s%s%s%s%s%s", mk.Index, sep, mk.Name, sep, mk.Info, sep,
			EncodeFloats([]float32{mk.X, mk.Y}))
	case Race:
		ev := m.Event
		b.WriteString(string(ev.Kind))
		fmt.Fprintf(&b, "%d%s%d%s", ev.Vehicle, sep, ev.Mark, sep)
		switch ev.Kind {
		case types.EventRounded:
			b.WriteString(formatFloat(ev.Elapsed))
		case types.EventFinished:
			b.WriteString(formatFloat(ev.Elapsed) + sep + formatFloat(ev.Penalty))
		case types.EventPenalty:
			b.WriteString(formatFloat(ev.Penalty))
		default:
			return nil, fmt.Errorf("%w: unknown race event kind %q", ErrProtocolViolation, ev.Kind)
		}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrProtocolViolation, msg)
	}

	return []byte(b.String()), nil
}

// MustEncode encodes messages that are known to be valid, such as configuration records
func MustEncode(msg Message) []byte {
	data, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return data
}

// ParseClientMessage decodes a message received by the server
func ParseClientMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}
	body := string(data[1:])

	switch data[0] {
	case TagBorn:
		if body == "" {
			return nil, fmt.Errorf("%w: born without name", ErrMalformed)
		}
		return Born{Name: body}, nil
	case TagUpdate:
		return parseUpdate(body)
	case TagDeath:
		return parseDeath(body)
	default:
		return nil, fmt.Errorf("%w: unexpected tag %q from client", ErrProtocolViolation, data[0])
	}
}

// ParseServerMessage decodes a message received by a client
func ParseServerMessage(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrProtocolViolation)
	}
	body := string(data[1:])

	switch data[0] {
	case TagBorn:
		idx, name, err := splitIndex(body)
		if err != nil {
			return nil, err
		}
		return Joined{Index: idx, Name: name}, nil
	case TagWelcome:
		idx, payload, err := splitIndex(body)
		if err != nil {
			return nil, err
		}
		v, err := DecodeFloats(payload, types.StartPoseLen)
		if err != nil {
			return nil, err
		}
		start, err := types.StartPoseFromFloats(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Welcome{Index: idx, Start: start}, nil
	case TagUpdate:
		return parseUpdate(body)
	case TagDeath:
		return parseDeath(body)
	case TagEnvironment:
		v, err := DecodeFloats(body, 2)
		if err != nil {
			return nil, err
		}
		return Environment{Wind: types.Wind{North: v[0], East: v[1]}}, nil
	case TagObject:
		fields := strings.Split(body, sep)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: object needs 2 fields, got %d", ErrMalformed, len(fields))
		}
		v, err := DecodeFloats(fields[1], 4)
		if err != nil {
			return nil, err
		}
		return Object{Object: types.StaticObject{Name: fields[0], X: v[0], Y: v[1], Z: v[2], Psi: v[3]}}, nil
	case TagObstruction:
		fields := strings.Split(body, sep)
		if len(fields) != 3 {
			return nil, fmt.Errorf("%w: obstruction needs 3 fields, got %d", ErrMalformed, len(fields))
		}
		v, err := DecodeFloats(fields[2], 9)
		if err != nil {
			return nil, err
		}
		o := types.Obstruction{Name: fields[0], Geom: fields[1]}
		copy(o.Position[:], v[0:3])
		copy(o.Size[:], v[3:6])
		copy(o.Orientation[:], v[6:9])
		return Obstacle{Obstruction: o}, nil
	case TagMark:
		return parseMark(body)
	case TagRace:
		return parseRace(body)
	default:
		return nil, fmt.Errorf("%w: unexpected tag %q from server", ErrProtocolViolation, data[0])
	}
}

func parseIndex(s string) (int, error) {
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: invalid index %q", ErrMalformed, s)
	}
	return idx, nil
}

// splitIndex splits "<index>:<rest>"; rest may contain further separators
func splitIndex(body string) (int, string, error) {
	head, rest, ok := strings.Cut(body, sep)
	if !ok {
		return 0, "", fmt.Errorf("%w: missing separator", ErrMalformed)
	}
	idx, err := parseIndex(head)
	if err != nil {
		return 0, "", err
	}
	return idx, rest, nil
}

func parseUpdate(body string) (Message, error) {
	idx, payload, err := splitIndex(body)
	if err != nil {
		return nil, err
	}
	v, err := DecodeFloats(payload, types.PoseLen)
	if err != nil {
		return nil, err
	}
	pose, err := types.PoseFromFloats(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Update{Index: idx, Pose: pose}, nil
}

func parseDeath(body string) (Message, error) {
	idx, err := parseIndex(body)
	if err != nil {
		return nil, err
	}
	return Death{Index: idx}, nil
}

// parseMark decodes "<index>:<name>:<info>:<xy>"; the info text may contain separators
func parseMark(body string) (Message, error) {
	idx, rest, err := splitIndex(body)
	if err != nil {
		return nil, err
	}
	cut := strings.LastIndex(rest, sep)
	if cut < 0 {
		return nil, fmt.Errorf("%w: mark without position", ErrMalformed)
	}
	text, payload := rest[:cut], rest[cut+1:]
	name, info, ok := strings.Cut(text, sep)
	if !ok {
		return nil, fmt.Errorf("%w: mark without info", ErrMalformed)
	}
	v, err := DecodeFloats(payload, 2)
	if err != nil {
		return nil, err
	}
	return Mark{Mark: types.MarkInfo{Index: idx, Name: name, Info: info, X: v[0], Y: v[1]}}, nil
}

func parseRace(body string) (Message, error) {
	if body == "" {
		return nil, fmt.Errorf("%w: race event without kind", ErrMalformed)
	}
	kind := types.EventKind(body[:1])
	fields := strings.Split(body[1:], sep)

	want := 0
	switch kind {
	case types.EventRounded, types.EventPenalty:
		want = 3
	case types.EventFinished:
		want = 4
	default:
		return nil, fmt.Errorf("%w: unknown race event kind %q", ErrProtocolViolation, kind)
	}
	if len(fields) != want {
		return nil, fmt.Errorf("%w: race event %s needs %d fields, got %d", ErrMalformed, kind, want, len(fields))
	}

	vehicle, err := parseIndex(fields[0])
	if err != nil {
		return nil, err
	}
	mark, err := parseIndex(fields[1])
	if err != nil {
		return nil, err
	}
	values := make([]float64, 0, 2)
	for _, f := range fields[2:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid race value %q", ErrMalformed, f)
		}
		values = append(values, v)
	}

	ev := types.RaceEvent{Kind: kind, Vehicle: vehicle, Mark: mark}
	switch kind {
	case types.EventRounded:
		ev.Elapsed = values[0]
	case types.EventFinished:
		ev.Elapsed = values[0]
		ev.Penalty = values[1]
	case types.EventPenalty:
		ev.Penalty = values[0]
	}
	return Race{Event: ev}, nil
}
