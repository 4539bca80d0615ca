package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/config"
	"github.com/saviobatista/regatta/internal/marks"
	"github.com/saviobatista/regatta/internal/startbox"
	"github.com/saviobatista/regatta/internal/stats"
	"github.com/saviobatista/regatta/internal/transport"
	"github.com/saviobatista/regatta/internal/types"
	"github.com/saviobatista/regatta/internal/wind"
)

// sinkTimeout bounds a single write to an external sink
const sinkTimeout = 5 * time.Second

// SessionSink persists the summary of a disconnected vehicle
type SessionSink interface {
	RecordSession(ctx context.Context, s *types.SessionSummary) error
}

// EventSink receives race events as they happen
type EventSink interface {
	RecordEvent(ctx context.Context, ev *types.RaceEvent) error
}

// ProgressCache holds the live state of connected vehicles
type ProgressCache interface {
	StoreProgress(ctx context.Context, p *types.Progress) error
	DeleteProgress(ctx context.Context, vehicle int) error
}

// Server is the authoritative race server
type Server struct {
	race         *config.Race
	course       marks.Course
	objects      []types.StaticObject
	obstructions []types.Obstruction
	boxes        *startbox.Inventory
	wind         *wind.Model
	registry     *Registry
	stats        *stats.Stats
	upgrader     *ws.Upgrader

	sessions []SessionSink
	events   []EventSink
	progress ProgressCache

	tick atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	conns  map[*transport.Conn]struct{}
	connMu sync.Mutex
	wg     sync.WaitGroup
}

// New builds a server for the race. The wind model is seeded from the clock.
func New(race *config.Race) (*Server, error) {
	return NewWithWind(race, wind.New(race.Wind.X, race.Wind.Y, race.Wind.Var, race.Wind.Tau, nil))
}

// NewWithWind builds a server around an existing wind model
func NewWithWind(race *config.Race, w *wind.Model) (*Server, error) {
	course, err := race.Course()
	if err != nil {
		return nil, fmt.Errorf("failed to build course: %w", err)
	}

	st := race.Start
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		race:         race,
		course:       course,
		objects:      race.StaticObjects(),
		obstructions: race.StaticObstructions(),
		boxes:        startbox.NewRow(st.X, st.Y, st.Z, st.Psi, st.DX, st.DY, st.NPositions),
		wind:         w,
		registry:     NewRegistry(),
		stats:        stats.New(),
		upgrader:     transport.Upgrader(),
		ctx:          ctx,
		cancel:       cancel,
		conns:        make(map[*transport.Conn]struct{}),
	}, nil
}

// AddSessionSink registers a destination for session summaries
func (s *Server) AddSessionSink(sink SessionSink) {
	s.sessions = append(s.sessions, sink)
}

// AddEventSink registers a destination for race events
func (s *Server) AddEventSink(sink EventSink) {
	s.events = append(s.events, sink)
}

// SetProgressCache sets the live progress cache
func (s *Server) SetProgressCache(cache ProgressCache) {
	s.progress = cache
}

// Stats returns the server counters
func (s *Server) Stats() *stats.Stats {
	return s.stats
}

// Registry returns the live vehicle registry
func (s *Server) Registry() *Registry {
	return s.registry
}

// StartBoxes returns the start box pool
func (s *Server) StartBoxes() *startbox.Inventory {
	return s.boxes
}

// Tick returns the number of server ticks since start
func (s *Server) Tick() int64 {
	return s.tick.Load()
}

// Advance runs one server tick: the wind process moves windSteps steps
func (s *Server) Advance() {
	for i := 0; i < s.race.Server.WindSteps; i++ {
		s.wind.Sample()
	}
	s.tick.Add(1)
}

// RunTicker advances the server every configured tick until ctx is done
func (s *Server) RunTicker(ctx context.Context) {
	ticker := time.NewTicker(s.race.Server.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Advance()
		}
	}
}

// ServeHTTP upgrades the request and runs one vehicle session on it
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := transport.Accept(s.upgrader, w, r, s.race.Server.WriteWait)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("rejected connection")
		return
	}
	if !s.track(conn) {
		conn.Close()
		return
	}
	defer s.untrack(conn)

	s.stats.IncrementConnections()
	log.Info().Str("remote", conn.RemoteAddr()).Msg("new connection")

	newSession(s, conn).run(s.ctx)
}

func (s *Server) track(conn *transport.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn *transport.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
	s.wg.Done()
}

// Close stops accepting sessions, closes every live connection and waits for
// their teardown to finish
func (s *Server) Close() {
	s.cancel()

	s.connMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
}

// ListenAndServe serves vehicles on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves vehicles on ln until ctx is done
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.RunTicker(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Int("marks", len(s.course)).
			Int("start_boxes", s.boxes.Capacity()).Msg("race server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down race server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

func (s *Server) recordEvent(ev *types.RaceEvent) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for _, sink := range s.events {
		if err := sink.RecordEvent(ctx, ev); err != nil {
			log.Error().Err(err).Int("vehicle", ev.Vehicle).Str("kind", string(ev.Kind)).Msg("failed to record race event")
		}
	}
}

func (s *Server) recordSession(summary *types.SessionSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()

	for _, sink := range s.sessions {
		if err := sink.RecordSession(ctx, summary); err != nil {
			log.Error().Err(err).Str("session_id", summary.SessionID).Msg("failed to record session")
		}
	}
}

func (s *Server) storeProgress(p *types.Progress) {
	if s.progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.progress.StoreProgress(ctx, p); err != nil {
		log.Warn().Err(err).Int("vehicle", p.Vehicle).Msg("failed to cache progress")
	}
}

func (s *Server) deleteProgress(vehicle int) {
	if s.progress == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
	defer cancel()
	if err := s.progress.DeleteProgress(ctx, vehicle); err != nil {
		log.Warn().Err(err).Int("vehicle", vehicle).Msg("failed to delete cached progress")
	}
}
