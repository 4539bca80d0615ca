package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/saviobatista/regatta/internal/marks"
	"github.com/saviobatista/regatta/internal/types"
)

// ErrInvalidName is returned for names that would break the wire format
var ErrInvalidName = errors.New("names must not contain ':'")

// finishScore marks the finish line in the score field
const finishScore = "finish"

var knownGeoms = map[string]bool{"sphere": true, "capsule": true, "cylinder": true, "box": true}

// WindConfig is the base wind vector and its gust process
type WindConfig struct {
	X   float64 `mapstructure:"x"`
	Y   float64 `mapstructure:"y"`
	Var float64 `mapstructure:"var"`
	Tau float64 `mapstructure:"tau"`
}

// NetworkConfig is the listening address of the server
type NetworkConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port
func (n NetworkConfig) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// StartConfig is the row of start boxes
type StartConfig struct {
	X          float64 `mapstructure:"x"`
	Y          float64 `mapstructure:"y"`
	Z          float64 `mapstructure:"z"`
	Psi        float64 `mapstructure:"psi"`
	DX         float64 `mapstructure:"dx"`
	DY         float64 `mapstructure:"dy"`
	NPositions int     `mapstructure:"npositions"`
}

// MarkConfig is one race mark entry
type MarkConfig struct {
	Name     string  `mapstructure:"name"`
	X        float64 `mapstructure:"x"`
	Y        float64 `mapstructure:"y"`
	Radial   float64 `mapstructure:"radial"`
	Distance float64 `mapstructure:"distance"`
	Rounding string  `mapstructure:"rounding"`
	Score    string  `mapstructure:"score"` // penalty seconds or "finish"
	Info     string  `mapstructure:"info"`
}

// ObjectConfig is a visual object placement
type ObjectConfig struct {
	Name string  `mapstructure:"name"`
	X    float64 `mapstructure:"x"`
	Y    float64 `mapstructure:"y"`
	Z    float64 `mapstructure:"z"`
	Psi  float64 `mapstructure:"psi"`
}

// ObstructionConfig is collision geometry
type ObstructionConfig struct {
	Name        string    `mapstructure:"name"`
	X           float64   `mapstructure:"x"`
	Y           float64   `mapstructure:"y"`
	Z           float64   `mapstructure:"z"`
	Size        []float64 `mapstructure:"size"`
	Orientation []float64 `mapstructure:"orientation"`
	Geom        string    `mapstructure:"geom"`
}

// RetryConfig is the start box wait policy
type RetryConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxAttempts uint64        `mapstructure:"maxAttempts"` // 0 waits forever
}

// ServerConfig holds the timing of the server loop
type ServerConfig struct {
	Tick       time.Duration `mapstructure:"tick"`
	WindSteps  int           `mapstructure:"windSteps"`
	StartRetry RetryConfig   `mapstructure:"startRetry"`
	WriteWait  time.Duration `mapstructure:"writeWait"`
}

// Race is the complete race configuration
type Race struct {
	Wind         WindConfig          `mapstructure:"wind"`
	Network      NetworkConfig       `mapstructure:"network"`
	Start        StartConfig         `mapstructure:"start"`
	Marks        []MarkConfig        `mapstructure:"marks"`
	Objects      []ObjectConfig      `mapstructure:"objects"`
	Obstructions []ObstructionConfig `mapstructure:"obstructions"`
	Server       ServerConfig        `mapstructure:"server"`
}

func setRaceDefaults(v *viper.Viper) {
	v.SetDefault("wind.x", 0.0)
	v.SetDefault("wind.y", 0.0)
	v.SetDefault("wind.var", 0.0)
	v.SetDefault("wind.tau", 100.0)

	v.SetDefault("network.ip", "127.0.0.1")
	v.SetDefault("network.port", 8300)

	v.SetDefault("start.x", 0.0)
	v.SetDefault("start.y", 0.0)
	v.SetDefault("start.z", -0.8)
	v.SetDefault("start.psi", 0.0)
	v.SetDefault("start.dx", 0.0)
	v.SetDefault("start.dy", 0.0)
	v.SetDefault("start.npositions", 8)

	v.SetDefault("server.tick", "2s")
	v.SetDefault("server.windSteps", 2)
	v.SetDefault("server.startRetry.interval", "2s")
	v.SetDefault("server.startRetry.maxAttempts", 0)
	v.SetDefault("server.writeWait", "5s")
}

// DefaultRace returns the configuration used when no file entries override it
func DefaultRace() *Race {
	v := viper.New()
	setRaceDefaults(v)
	race, err := decodeRace(v)
	if err != nil {
		// defaults are static and always decode
		panic(err)
	}
	return race
}

// LoadRace reads the race file at path. The format follows the file extension.
func LoadRace(path string) (*Race, error) {
	v := viper.New()
	setRaceDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading race file: %w", err)
	}
	return decodeRace(v)
}

func decodeRace(v *viper.Viper) (*Race, error) {
	var race Race
	if err := v.Unmarshal(&race); err != nil {
		return nil, fmt.Errorf("error decoding race file: %w", err)
	}
	if err := race.normalize(); err != nil {
		return nil, err
	}
	return &race, nil
}

// normalize applies per-entry defaults and validates the entries
func (r *Race) normalize() error {
	if r.Start.NPositions <= 0 {
		return fmt.Errorf("start.npositions must be positive, got %d", r.Start.NPositions)
	}
	if r.Server.Tick <= 0 {
		return fmt.Errorf("server.tick must be positive")
	}
	if r.Server.WindSteps < 1 {
		r.Server.WindSteps = 1
	}

	for i := range r.Marks {
		m := &r.Marks[i]
		if m.Name == "" {
			m.Name = fmt.Sprintf("mark%d", i)
		}
		if m.Distance == 0 {
			m.Distance = 100
		}
		if m.Rounding == "" {
			m.Rounding = string(marks.Clockwise)
		}
		if m.Info == "" {
			m.Info = "No information"
		}
		if m.Score == "" {
			m.Score = "0"
		}
		if err := checkName(m.Name); err != nil {
			return err
		}
	}

	for i := range r.Objects {
		if r.Objects[i].Name == "" {
			r.Objects[i].Name = fmt.Sprintf("object%d", i)
		}
		if err := checkName(r.Objects[i].Name); err != nil {
			return err
		}
	}

	kept := r.Obstructions[:0]
	for i, o := range r.Obstructions {
		if o.Name == "" {
			o.Name = fmt.Sprintf("obstruction%d", i)
		}
		if err := checkName(o.Name); err != nil {
			return err
		}
		if !knownGeoms[o.Geom] {
			log.Warn().Str("obstruction", o.Name).Str("geom", o.Geom).Msg("cannot handle geom type, skipping")
			continue
		}
		if o.Size == nil {
			o.Size = []float64{1, 1, 1}
		}
		if o.Orientation == nil {
			o.Orientation = []float64{0, 0, 0}
		}
		if len(o.Size) != 3 || len(o.Orientation) != 3 {
			return fmt.Errorf("obstruction %q needs 3 size and 3 orientation values", o.Name)
		}
		kept = append(kept, o)
	}
	r.Obstructions = kept
	return nil
}

func checkName(name string) error {
	if strings.Contains(name, ":") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}

// Course builds the race marks in configured order
func (r *Race) Course() (marks.Course, error) {
	course := make(marks.Course, 0, len(r.Marks))
	for _, m := range r.Marks {
		rounding, err := marks.ParseRounding(m.Rounding)
		if err != nil {
			return nil, fmt.Errorf("mark %q: %w", m.Name, err)
		}
		spec := marks.Spec{
			Name:     m.Name,
			Info:     m.Info,
			X:        m.X,
			Y:        m.Y,
			Radial:   m.Radial,
			Distance: m.Distance,
			Rounding: rounding,
		}
		if m.Score == finishScore {
			spec.Finish = true
		} else {
			score, err := strconv.ParseFloat(m.Score, 64)
			if err != nil {
				return nil, fmt.Errorf("mark %q: score must be a number or %q, got %q", m.Name, finishScore, m.Score)
			}
			spec.Score = score
		}
		course = append(course, marks.New(spec))
	}
	return course, nil
}

// StaticObjects returns the visual objects in wire form
func (r *Race) StaticObjects() []types.StaticObject {
	objects := make([]types.StaticObject, len(r.Objects))
	for i, o := range r.Objects {
		objects[i] = types.StaticObject{
			Name: o.Name,
			X:    float32(o.X),
			Y:    float32(o.Y),
			Z:    float32(o.Z),
			Psi:  float32(o.Psi),
		}
	}
	return objects
}

// StaticObstructions returns the collision geometry in wire form
func (r *Race) StaticObstructions() []types.Obstruction {
	obstructions := make([]types.Obstruction, len(r.Obstructions))
	for i, o := range r.Obstructions {
		obstructions[i] = types.Obstruction{
			Name:        o.Name,
			Geom:        o.Geom,
			Position:    [3]float32{float32(o.X), float32(o.Y), float32(o.Z)},
			Size:        [3]float32{float32(o.Size[0]), float32(o.Size[1]), float32(o.Size[2])},
			Orientation: [3]float32{float32(o.Orientation[0]), float32(o.Orientation[1]), float32(o.Orientation[2])},
		}
	}
	return obstructions
}
