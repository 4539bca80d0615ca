package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/logging"
	"github.com/saviobatista/regatta/internal/marks"
	"github.com/saviobatista/regatta/internal/protocol"
	"github.com/saviobatista/regatta/internal/startbox"
	"github.com/saviobatista/regatta/internal/transport"
	"github.com/saviobatista/regatta/internal/types"
)

// Conn is the connection a session runs on
type Conn interface {
	Sender
	Receive() ([]byte, error)
	Close() error
}

var errClientLeft = errors.New("client left while waiting for a start box")

// frame is one result of Conn.Receive
type frame struct {
	data []byte
	err  error
}

// session owns the protocol state of one connection
type session struct {
	srv     *Server
	conn    Conn
	frames  chan frame
	done    chan struct{}
	peer    *Peer
	logger  zerolog.Logger
	state   *marks.State
	summary *types.SessionSummary
	pose    types.Pose
	tick    int64
}

func newSession(srv *Server, conn Conn) *session {
	return &session{
		srv:    srv,
		conn:   conn,
		frames: make(chan frame),
		done:   make(chan struct{}),
		logger: log.Logger,
		tick:   -1,
	}
}

// run drives the session from handshake to teardown
func (s *session) run(ctx context.Context) {
	defer s.conn.Close()
	defer close(s.done)
	go s.read()

	name, ok := s.awaitBorn()
	if !ok {
		return
	}

	index := s.srv.registry.Allocate()
	s.logger = log.With().Int("vehicle", index).Str("name", name).Logger()

	if err := s.handshake(ctx, index, name); err != nil {
		if errors.Is(err, errClientLeft) {
			s.logger.Info().Err(err).Msg("handshake abandoned")
		} else {
			s.logger.Warn().Err(err).Msg("handshake failed")
		}
		s.srv.boxes.Release(index)
		s.srv.registry.Abandon()
		return
	}

	if err := s.join(index, name); err != nil {
		s.logger.Warn().Err(err).Msg("join failed")
	} else {
		s.loop()
	}
	s.teardown()
}

// read pumps the connection into frames until it fails or the session ends
func (s *session) read() {
	defer close(s.frames)
	for {
		data, err := s.conn.Receive()
		select {
		case s.frames <- frame{data: data, err: err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// receive returns the next frame read from the connection
func (s *session) receive() ([]byte, error) {
	f, ok := <-s.frames
	if !ok {
		return nil, transport.ErrClosed
	}
	return f.data, f.err
}

// awaitBorn reads until the client introduces itself
func (s *session) awaitBorn() (string, bool) {
	for {
		data, err := s.receive()
		if err != nil {
			log.Debug().Err(err).Msg("connection closed before birth")
			return "", false
		}

		msg, err := protocol.ParseClientMessage(data)
		if errors.Is(err, protocol.ErrMalformed) {
			s.srv.stats.IncrementMalformed()
			log.Warn().Err(err).Str("payload", logging.Payload(data)).Msg("dropping malformed message")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("payload", logging.Payload(data)).Msg("protocol violation")
			return "", false
		}

		switch m := msg.(type) {
		case protocol.Born:
			return m.Name, true
		case protocol.Death:
			return "", false
		default:
			log.Error().Str("payload", logging.Payload(data)).Msg("protocol violation: expected birth")
			return "", false
		}
	}
}

// handshake reserves a start box and describes the static world
func (s *session) handshake(ctx context.Context, index int, name string) error {
	start, err := s.reserve(ctx, index)
	if err != nil {
		return err
	}

	if err := s.send(protocol.Welcome{Index: index, Start: start}); err != nil {
		return fmt.Errorf("failed to send welcome: %w", err)
	}
	for _, o := range s.srv.objects {
		if err := s.send(protocol.Object{Object: o}); err != nil {
			return fmt.Errorf("failed to send object: %w", err)
		}
	}
	for _, o := range s.srv.obstructions {
		if err := s.send(protocol.Obstacle{Obstruction: o}); err != nil {
			return fmt.Errorf("failed to send obstruction: %w", err)
		}
	}

	s.state = marks.NewState(name, index)
	s.summary = &types.SessionSummary{
		SessionID: uuid.New().String(),
		Vehicle:   index,
		Name:      name,
		StartedAt: s.state.StartedAt().UTC(),
		LastMark:  -1,
	}
	return nil
}

// join enters the registry, introduces the vehicle to its peers and sends the course.
// Once it ran the vehicle is live and must be torn down.
func (s *session) join(index int, name string) error {
	s.peer = NewPeer(index, name, s.conn)
	others, err := s.srv.registry.Join(s.peer, func(others []*Peer) error {
		s.srv.stats.AddBroadcastFailures(s.broadcast(others, protocol.Joined{Index: index, Name: name}))
		for _, p := range others {
			if err := s.send(protocol.Joined{Index: p.Index, Name: p.Name}); err != nil {
				return fmt.Errorf("failed to announce vehicle %d: %w", p.Index, err)
			}
		}
		return nil
	})
	s.srv.stats.SetActiveVehicles(len(others) + 1)
	if err != nil {
		return err
	}
	s.logger.Info().Str("session_id", s.summary.SessionID).Int("peers", len(others)).Msg("vehicle joined")

	for _, info := range s.srv.course.Infos() {
		if err := s.send(protocol.Mark{Mark: info}); err != nil {
			return fmt.Errorf("failed to send mark: %w", err)
		}
	}
	return nil
}

// reserve waits for a free start box with the configured retry policy.
// The wait ends early when the client hangs up or dies.
func (s *session) reserve(ctx context.Context, index int) (types.StartPose, error) {
	retry := s.srv.race.Server.StartRetry
	var b backoff.BackOff = backoff.NewConstantBackOff(retry.Interval)
	if retry.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, retry.MaxAttempts)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	left := make(chan bool, 1)
	go func() { left <- s.watch(ctx, cancel) }()

	var start types.StartPose
	op := func() error {
		var err error
		start, err = s.srv.boxes.Reserve(index)
		if errors.Is(err, startbox.ErrDuplicateReservation) {
			held, ok := s.srv.boxes.Holding(index)
			if !ok {
				return err
			}
			s.logger.Error().Err(err).Msg("start box already reserved, keeping it")
			start = held
			return nil
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Info().Err(err).Dur("retry_in", wait).Msg("waiting for a free start box")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	cancel()
	if <-left {
		return types.StartPose{}, errClientLeft
	}
	if err != nil {
		return types.StartPose{}, fmt.Errorf("failed to reserve start box: %w", err)
	}
	return start, nil
}

// watch reads the connection while a start box is awaited. It reports whether the
// client went away, cancelling the wait if so.
func (s *session) watch(ctx context.Context, cancel context.CancelFunc) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case f, ok := <-s.frames:
			if !ok || f.err != nil {
				s.logger.Debug().Err(f.err).Msg("connection closed while waiting for a start box")
				cancel()
				return true
			}
			msg, err := protocol.ParseClientMessage(f.data)
			if errors.Is(err, protocol.ErrMalformed) {
				s.srv.stats.IncrementMalformed()
				s.logger.Warn().Err(err).Str("payload", logging.Payload(f.data)).Msg("dropping malformed message")
				continue
			}
			if _, death := msg.(protocol.Death); !death || err != nil {
				s.logger.Error().Err(err).Str("payload", logging.Payload(f.data)).Msg("protocol violation: expected to wait for welcome")
			}
			cancel()
			return true
		}
	}
}

// loop handles updates until death, disconnect or a protocol violation
func (s *session) loop() {
	for {
		data, err := s.receive()
		if errors.Is(err, transport.ErrClosed) {
			s.logger.Info().Msg("connection closed")
			return
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("receive failed")
			return
		}

		msg, err := protocol.ParseClientMessage(data)
		if errors.Is(err, protocol.ErrMalformed) {
			s.srv.stats.IncrementMalformed()
			s.logger.Warn().Err(err).Str("payload", logging.Payload(data)).Msg("dropping malformed message")
			continue
		}
		if err != nil {
			s.logger.Error().Err(err).Str("payload", logging.Payload(data)).Msg("protocol violation")
			return
		}

		switch m := msg.(type) {
		case protocol.Update:
			if m.Index != s.peer.Index {
				s.srv.stats.IncrementMalformed()
				s.logger.Warn().Int("index", m.Index).Msg("dropping update for another vehicle")
				continue
			}
			s.update(data, m.Pose)
		case protocol.Death:
			s.logger.Info().Msg("vehicle left")
			return
		default:
			s.logger.Error().Str("payload", logging.Payload(data)).Msg("protocol violation: unexpected message")
			return
		}
	}
}

// update forwards a pose to the other vehicles and runs it through the race
func (s *session) update(raw []byte, pose types.Pose) {
	began := time.Now()
	s.pose = pose

	sent, failed := broadcast(s.srv.registry.Others(s.peer.Index), raw)
	s.srv.stats.AddForwards(sent)
	s.srv.stats.AddBroadcastFailures(failed)

	x, y := pose.XY()
	if s.srv.boxes.Observe(s.peer.Index, x, y) {
		s.logger.Debug().Msg("left start box")
	}

	for _, ev := range s.srv.course.Update(s.state, x, y) {
		s.srv.stats.IncrementRaceEvents()
		if err := s.send(protocol.Race{Event: ev}); err != nil {
			s.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("failed to send race event")
		}
		if ev.Kind == types.EventFinished {
			s.summary.Finished = true
			s.summary.FinishTime = ev.Elapsed
			s.srv.stats.IncrementFinished()
		}
		s.srv.recordEvent(&ev)
	}

	if tick := s.srv.Tick(); tick != s.tick {
		s.tick = tick
		if err := s.send(protocol.Environment{Wind: s.srv.wind.Current()}); err != nil {
			s.logger.Warn().Err(err).Msg("failed to send wind")
		}
		s.summary.AddSample(x, y, s.state.Elapsed())
		s.srv.storeProgress(&types.Progress{
			Vehicle:   s.peer.Index,
			Name:      s.peer.Name,
			X:         x,
			Y:         y,
			LastMark:  s.state.LastPassed,
			Penalty:   s.state.Penalty,
			Elapsed:   s.state.Elapsed(),
			UpdatedAt: time.Now().UTC(),
		})
	}

	s.srv.stats.IncrementUpdates()
	s.srv.stats.AddProcessingTime(time.Since(began))
}

// teardown removes the vehicle from the race and persists its session
func (s *session) teardown() {
	remaining := s.srv.registry.Leave(s.peer.Index, func(remaining []*Peer) {
		s.srv.stats.AddBroadcastFailures(s.broadcast(remaining, protocol.Death{Index: s.peer.Index}))
	})
	s.srv.stats.SetActiveVehicles(len(remaining))
	s.srv.boxes.Release(s.peer.Index)

	s.summary.EndedAt = time.Now().UTC()
	s.summary.Penalty = s.state.Penalty
	s.summary.LastMark = s.state.LastPassed
	s.srv.recordSession(s.summary)
	x, y := s.pose.XY()
	s.logger.Info().Str("session_id", s.summary.SessionID).Bool("finished", s.summary.Finished).
		Int("samples", len(s.summary.T)).Float64("x", x).Float64("y", y).Msg("session ended")
	s.srv.deleteProgress(s.peer.Index)
}

func (s *session) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return s.conn.Send(data)
}

// broadcast encodes msg once and sends it to peers, returning the failed count
func (s *session) broadcast(peers []*Peer, msg protocol.Message) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode broadcast")
		return len(peers)
	}
	_, failed := broadcast(peers, data)
	return failed
}
