package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/client"
	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/types"
)

const arrivalRadius = 2.0

// bot is a headless vehicle sailing straight legs between waypoints
type bot struct {
	pos       mgl64.Vec2
	z         float64
	heading   float64 // radians from north towards east
	speed     float64
	waypoints []mgl64.Vec2
	next      int
	wind      types.Wind
	marks     []types.MarkInfo
}

func newBot(speed float64, waypoints []mgl64.Vec2) *bot {
	return &bot{speed: speed, waypoints: waypoints}
}

func (b *bot) Start(start types.StartPose) {
	b.pos = mgl64.Vec2{float64(start.Position[0]), float64(start.Position[1])}
	b.z = float64(start.Position[2])
	q := mgl64.Quat{W: float64(start.Orientation[0]), V: mgl64.Vec3{
		float64(start.Orientation[1]), float64(start.Orientation[2]), float64(start.Orientation[3]),
	}}
	forward := q.Rotate(mgl64.Vec3{1, 0, 0})
	b.heading = math.Atan2(forward.Y(), forward.X())
	log.Info().Float64("x", b.pos.X()).Float64("y", b.pos.Y()).Msg("placed at start box")
}

func (b *bot) SetWind(w types.Wind) { b.wind = w }

func (b *bot) AddObject(types.StaticObject) {}

func (b *bot) AddObstruction(types.Obstruction) {}

// AddMark records the course; without explicit waypoints the bot sails mark to mark
func (b *bot) AddMark(m types.MarkInfo) {
	b.marks = append(b.marks, m)
}

func (b *bot) Spawn(index int, name string) client.RemoteVehicle {
	return &remote{index: index, name: name}
}

// course returns the legs to sail
func (b *bot) course() []mgl64.Vec2 {
	if len(b.waypoints) > 0 {
		return b.waypoints
	}
	legs := make([]mgl64.Vec2, len(b.marks))
	for i, m := range b.marks {
		legs[i] = mgl64.Vec2{float64(m.X), float64(m.Y)}
	}
	return legs
}

func (b *bot) done() bool {
	return b.next >= len(b.course())
}

// step advances the bot by dt seconds and returns its pose
func (b *bot) step(dt float64) types.Pose {
	legs := b.course()
	var velocity mgl64.Vec2

	if b.next < len(legs) {
		to := legs[b.next].Sub(b.pos)
		dist := to.Len()
		travel := b.speed * dt
		if dist <= arrivalRadius || dist <= travel {
			b.pos = legs[b.next]
			b.next++
			log.Info().Int("waypoint", b.next-1).Msg("reached waypoint")
		} else {
			dir := to.Normalize()
			b.heading = math.Atan2(dir.Y(), dir.X())
			velocity = dir.Mul(b.speed)
			b.pos = b.pos.Add(velocity.Mul(dt))
		}
	}

	q := mgl32.QuatRotate(float32(b.heading), mgl32.Vec3{0, 0, 1})
	return types.Pose{
		Position:    [3]float32{float32(b.pos.X()), float32(b.pos.Y()), float32(b.z)},
		Orientation: [4]float32{q.W, q.V[0], q.V[1], q.V[2]},
		Velocity:    [3]float32{float32(velocity.X()), float32(velocity.Y()), 0},
		Sail:        b.sailAngle(),
	}
}

// sailAngle trims the sail to half the apparent wind angle
func (b *bot) sailAngle() float32 {
	if b.wind == (types.Wind{}) {
		return 0
	}
	from := math.Atan2(float64(b.wind.East), float64(b.wind.North))
	rel := math.Remainder(from-b.heading, 2*math.Pi)
	return float32(rel / 2)
}

type remote struct {
	index int
	name  string
}

func (r *remote) SetPose(types.Pose) {}

func (r *remote) Remove() {
	log.Info().Int("index", r.index).Str("peer", r.name).Msg("peer left")
}

// parseWaypoints reads "x,y;x,y;..."
func parseWaypoints(s string) ([]mgl64.Vec2, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var points []mgl64.Vec2
	for _, pair := range strings.Split(s, ";") {
		xs, ys, ok := strings.Cut(strings.TrimSpace(pair), ",")
		if !ok {
			return nil, fmt.Errorf("waypoint %q: want x,y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xs), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(ys), 64)
		if err != nil {
			return nil, fmt.Errorf("waypoint %q: %w", pair, err)
		}
		points = append(points, mgl64.Vec2{x, y})
	}
	return points, nil
}

type options struct {
	url       string
	name      string
	speed     float64
	rate      time.Duration
	drain     time.Duration
	waypoints []mgl64.Vec2
	logLevel  string
}

func parseFlags(fs *flag.FlagSet, args []string) (*options, error) {
	opts := &options{}
	var waypoints string
	fs.StringVar(&opts.url, "url", "ws://127.0.0.1:8300/", "Race server websocket URL")
	fs.StringVar(&opts.name, "name", "bot", "Vehicle name")
	fs.Float64Var(&opts.speed, "speed", 3, "Boat speed in m/s")
	fs.DurationVar(&opts.rate, "rate", 100*time.Millisecond, "Update interval")
	fs.DurationVar(&opts.drain, "drain", client.DefaultDrainTimeout, "How long each update waits for inbound messages")
	fs.StringVar(&waypoints, "waypoints", "", "Legs as x,y;x,y (default: sail to each mark)")
	fs.StringVar(&opts.logLevel, "log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if strings.Contains(opts.name, ":") {
		return nil, fmt.Errorf("name must not contain ':'")
	}
	if opts.rate <= 0 || opts.speed <= 0 {
		return nil, fmt.Errorf("rate and speed must be positive")
	}
	wp, err := parseWaypoints(waypoints)
	if err != nil {
		return nil, err
	}
	opts.waypoints = wp
	return opts, nil
}

// sail drives the bot until the course is done or ctx ends
func sail(ctx context.Context, c *client.Communicator, b *bot, rate time.Duration) error {
	ticker := time.NewTicker(rate)
	defer ticker.Stop()

	// the course arrives right after the welcome
	if err := c.Drain(); err != nil {
		return err
	}

	for !b.done() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Update(b.step(rate.Seconds())); err != nil {
				return err
			}
		}
	}

	for _, ev := range c.Events() {
		log.Info().Str("kind", string(ev.Kind)).Int("mark", ev.Mark).Float64("elapsed", ev.Elapsed).
			Float64("penalty", ev.Penalty).Msg("race summary")
	}
	return nil
}

func main() {
	opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := logging.Setup(opts.logLevel, "console"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := newBot(opts.speed, opts.waypoints)
	c, err := client.Dial(ctx, opts.url, opts.name, b, client.Options{DrainTimeout: opts.drain})
	if err != nil {
		log.Error().Err(err).Msg("failed to join the race")
		os.Exit(1)
	}

	err = sail(ctx, c, b, opts.rate)
	c.Close()
	if err != nil {
		log.Error().Err(err).Msg("race aborted")
		os.Exit(1)
	}
}
