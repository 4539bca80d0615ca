package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/protocol"
	"github.com/saviobatista/regatta/internal/transport"
	"github.com/saviobatista/regatta/internal/types"
)

const (
	// DefaultDrainTimeout is how long Update waits for more inbound messages
	DefaultDrainTimeout = time.Millisecond
	inboxSize           = 1000
)

// ErrUnknownVehicle is reported for messages about a vehicle that was never announced
var ErrUnknownVehicle = errors.New("unknown vehicle")

// Vehicle is the local simulation driven by a Communicator. All calls happen on the
// goroutine calling Dial or Update.
type Vehicle interface {
	// Start places the vehicle at its start box; the view should reset to it
	Start(start types.StartPose)
	SetWind(wind types.Wind)
	AddObject(object types.StaticObject)
	AddObstruction(obstruction types.Obstruction)
	AddMark(mark types.MarkInfo)
	// Spawn creates the local proxy of another vehicle
	Spawn(index int, name string) RemoteVehicle
}

// RemoteVehicle is the local proxy of another vehicle
type RemoteVehicle interface {
	SetPose(pose types.Pose)
	Remove()
}

// Options tune a Communicator
type Options struct {
	WriteWait    time.Duration
	DrainTimeout time.Duration
}

// Communicator is the client side protocol peer of one vehicle
type Communicator struct {
	conn    *transport.Conn
	vehicle Vehicle
	name    string
	index   int
	start   types.StartPose
	logger  zerolog.Logger
	drain   time.Duration

	remotes map[int]RemoteVehicle
	names   map[int]string
	marks   []types.MarkInfo
	events  []types.RaceEvent
	wind    types.Wind

	inbox     chan []byte
	readErr   error
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	failed    error
}

// Dial connects to the race server at url, introduces the vehicle as name and
// blocks until the server welcomes it
func Dial(ctx context.Context, url, name string, vehicle Vehicle, opts Options) (*Communicator, error) {
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}

	conn, err := transport.Dial(ctx, url, opts.WriteWait)
	if err != nil {
		return nil, err
	}

	c := &Communicator{
		conn:     conn,
		vehicle:  vehicle,
		name:     name,
		index:    -1,
		logger:   log.With().Str("name", name).Logger(),
		drain:    opts.DrainTimeout,
		remotes:  make(map[int]RemoteVehicle),
		names:    make(map[int]string),
		inbox:    make(chan []byte, inboxSize),
		stopChan: make(chan struct{}),
	}
	c.wg.Add(1)
	go c.read()

	if err := c.handshake(ctx); err != nil {
		c.shutdown()
		return nil, err
	}
	return c, nil
}

func (c *Communicator) handshake(ctx context.Context) error {
	if err := c.send(protocol.Born{Name: c.name}); err != nil {
		return fmt.Errorf("failed to send birth: %w", err)
	}

	// the server holds the welcome back until a start box is free
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for welcome: %w", ctx.Err())
		case data, ok := <-c.inbox:
			if !ok {
				return fmt.Errorf("waiting for welcome: %w", c.readErr)
			}
			msg, err := protocol.ParseServerMessage(data)
			if errors.Is(err, protocol.ErrMalformed) {
				c.logger.Warn().Err(err).Str("payload", logging.Payload(data)).Msg("dropping malformed message")
				continue
			}
			if err != nil {
				return err
			}
			welcome, ok := msg.(protocol.Welcome)
			if !ok {
				return fmt.Errorf("%w: expected welcome, got %q", protocol.ErrProtocolViolation, logging.Payload(data))
			}

			c.index = welcome.Index
			c.start = welcome.Start
			c.logger = c.logger.With().Int("vehicle", c.index).Logger()
			c.vehicle.Start(welcome.Start)
			c.logger.Info().Msg("welcomed to the race")
			return nil
		}
	}
}

// read moves inbound frames into the inbox until the connection ends
func (c *Communicator) read() {
	defer c.wg.Done()
	defer close(c.inbox)

	for {
		data, err := c.conn.Receive()
		if err != nil {
			c.readErr = err
			return
		}
		select {
		case c.inbox <- data:
		case <-c.stopChan:
			c.readErr = transport.ErrClosed
			return
		}
	}
}

// Update sends the local pose and processes every inbound message that is already
// queued or arrives within the drain timeout. It does not wait for new data beyond that.
func (c *Communicator) Update(pose types.Pose) error {
	if c.failed != nil {
		return c.failed
	}

	sent := make(chan error, 1)
	go func() {
		sent <- c.send(protocol.Update{Index: c.index, Pose: pose})
	}()

	drainErr := c.Drain()
	if err := <-sent; err != nil {
		return c.fail(fmt.Errorf("failed to send update: %w", err))
	}
	return drainErr
}

// Drain processes queued inbound messages until none arrives for the drain timeout
func (c *Communicator) Drain() error {
	if c.failed != nil {
		return c.failed
	}

	timer := time.NewTimer(c.drain)
	defer timer.Stop()

	for {
		select {
		case data, ok := <-c.inbox:
			if !ok {
				return c.fail(c.readErr)
			}
			if err := c.dispatch(data); err != nil {
				return c.fail(err)
			}
			timer.Reset(c.drain)
		case <-timer.C:
			return nil
		}
	}
}

// dispatch applies one inbound message. Only protocol violations are returned.
func (c *Communicator) dispatch(data []byte) error {
	msg, err := protocol.ParseServerMessage(data)
	if errors.Is(err, protocol.ErrMalformed) {
		c.logger.Warn().Err(err).Str("payload", logging.Payload(data)).Msg("dropping malformed message")
		return nil
	}
	if err != nil {
		c.logger.Error().Err(err).Str("payload", logging.Payload(data)).Msg("protocol violation")
		return err
	}

	switch m := msg.(type) {
	case protocol.Update:
		remote, ok := c.remotes[m.Index]
		if !ok {
			c.logger.Debug().Err(ErrUnknownVehicle).Int("index", m.Index).Msg("discarding update")
			return nil
		}
		remote.SetPose(m.Pose)
	case protocol.Joined:
		if remote, ok := c.remotes[m.Index]; ok {
			remote.Remove()
		}
		c.remotes[m.Index] = c.vehicle.Spawn(m.Index, m.Name)
		c.names[m.Index] = m.Name
		c.logger.Info().Int("index", m.Index).Str("peer", m.Name).Msg("vehicle joined")
	case protocol.Death:
		remote, ok := c.remotes[m.Index]
		if !ok {
			c.logger.Debug().Err(ErrUnknownVehicle).Int("index", m.Index).Msg("discarding death")
			return nil
		}
		remote.Remove()
		c.logger.Info().Int("index", m.Index).Str("peer", c.names[m.Index]).Msg("vehicle left")
		delete(c.remotes, m.Index)
		delete(c.names, m.Index)
	case protocol.Environment:
		c.wind = m.Wind
		c.vehicle.SetWind(m.Wind)
	case protocol.Object:
		c.vehicle.AddObject(m.Object)
	case protocol.Obstacle:
		c.vehicle.AddObstruction(m.Obstruction)
	case protocol.Mark:
		c.marks = append(c.marks, m.Mark)
		c.vehicle.AddMark(m.Mark)
	case protocol.Race:
		c.events = append(c.events, m.Event)
		c.logger.Info().Str("kind", string(m.Event.Kind)).Int("mark", m.Event.Mark).
			Float64("elapsed", m.Event.Elapsed).Float64("penalty", m.Event.Penalty).Msg("race event")
	default:
		c.logger.Error().Str("payload", logging.Payload(data)).Msg("protocol violation: unexpected message")
		return fmt.Errorf("%w: unexpected %c message", protocol.ErrProtocolViolation, msg.Tag())
	}
	return nil
}

// fail makes err sticky and releases the connection
func (c *Communicator) fail(err error) error {
	if err == nil {
		err = transport.ErrClosed
	}
	if c.failed == nil {
		c.failed = err
		c.shutdown()
	}
	return c.failed
}

// Close announces the departure and closes the connection. Failures are logged only.
func (c *Communicator) Close() {
	if c.failed == nil {
		if err := c.send(protocol.Death{Index: c.index}); err != nil {
			c.logger.Warn().Err(err).Msg("failed to send death")
		}
	}
	c.shutdown()
}

func (c *Communicator) shutdown() {
	c.closeOnce.Do(func() {
		close(c.stopChan)
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("error closing connection")
		}
		c.wg.Wait()
	})
}

func (c *Communicator) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.conn.Send(data)
}

// Index returns the vehicle index assigned by the server
func (c *Communicator) Index() int {
	return c.index
}

// StartPose returns the start box handed out by the server
func (c *Communicator) StartPose() types.StartPose {
	return c.start
}

// Wind returns the latest wind received
func (c *Communicator) Wind() types.Wind {
	return c.wind
}

// Marks returns the course received so far
func (c *Communicator) Marks() []types.MarkInfo {
	return append([]types.MarkInfo(nil), c.marks...)
}

// Events returns the race events of the local vehicle, oldest first
func (c *Communicator) Events() []types.RaceEvent {
	return append([]types.RaceEvent(nil), c.events...)
}

// Vehicles returns the indices of the known remote vehicles
func (c *Communicator) Vehicles() []int {
	indices := make([]int, 0, len(c.remotes))
	for index := range c.remotes {
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices
}
