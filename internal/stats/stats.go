package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Store persists statistics snapshots
type Store interface {
	StoreServerStats(stats map[string]interface{}) error
}

// Stats tracks race server counters
type Stats struct {
	// Connection counts
	Connections      uint64
	ActiveVehicles   uint64
	FinishedSessions uint64

	// Message counts
	Updates           uint64
	Forwards          uint64
	BroadcastFailures uint64
	MalformedMessages uint64
	RaceEvents        uint64

	// Timing
	StartTime      time.Time
	LastUpdateTime time.Time
	ProcessingTime time.Duration

	// Store for persistence
	store Store

	mu sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	now := time.Now()
	return &Stats{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// SetStore sets the persistence target
func (s *Stats) SetStore(store Store) {
	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
}

// Persist stores the current statistics
func (s *Stats) Persist() error {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return fmt.Errorf("stats store not set")
	}

	return store.StoreServerStats(s.GetStats())
}

// IncrementConnections counts an accepted connection
func (s *Stats) IncrementConnections() {
	atomic.AddUint64(&s.Connections, 1)
}

// IncrementUpdates counts a pose update and stamps the time
func (s *Stats) IncrementUpdates() {
	atomic.AddUint64(&s.Updates, 1)
	s.mu.Lock()
	s.LastUpdateTime = time.Now()
	s.mu.Unlock()
}

// AddForwards counts successfully forwarded messages
func (s *Stats) AddForwards(n int) {
	atomic.AddUint64(&s.Forwards, uint64(n))
}

// AddBroadcastFailures counts peers that could not be reached
func (s *Stats) AddBroadcastFailures(n int) {
	atomic.AddUint64(&s.BroadcastFailures, uint64(n))
}

// IncrementMalformed counts a dropped malformed message
func (s *Stats) IncrementMalformed() {
	atomic.AddUint64(&s.MalformedMessages, 1)
}

// IncrementRaceEvents counts an emitted race event
func (s *Stats) IncrementRaceEvents() {
	atomic.AddUint64(&s.RaceEvents, 1)
}

// IncrementFinished counts a finished session
func (s *Stats) IncrementFinished() {
	atomic.AddUint64(&s.FinishedSessions, 1)
}

// SetActiveVehicles sets the number of registered vehicles
func (s *Stats) SetActiveVehicles(count int) {
	atomic.StoreUint64(&s.ActiveVehicles, uint64(count))
}

// AddProcessingTime adds to the total update processing time
func (s *Stats) AddProcessingTime(duration time.Duration) {
	s.mu.Lock()
	s.ProcessingTime += duration
	s.mu.Unlock()
}

// GetStats returns a copy of the current statistics
func (s *Stats) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]interface{}{
		"connections":        atomic.LoadUint64(&s.Connections),
		"active_vehicles":    atomic.LoadUint64(&s.ActiveVehicles),
		"updates":            atomic.LoadUint64(&s.Updates),
		"forwards":           atomic.LoadUint64(&s.Forwards),
		"broadcast_failures": atomic.LoadUint64(&s.BroadcastFailures),
		"malformed_messages": atomic.LoadUint64(&s.MalformedMessages),
		"race_events":        atomic.LoadUint64(&s.RaceEvents),
		"finished_sessions":  atomic.LoadUint64(&s.FinishedSessions),
		"start_time":         s.StartTime,
		"last_update_time":   s.LastUpdateTime,
		"processing_time":    s.ProcessingTime,
		"uptime":             time.Since(s.StartTime),
	}
}

// String returns a string representation of the statistics
func (s *Stats) String() string {
	stats := s.GetStats()
	return fmt.Sprintf(
		"Connections: %d\n"+
			"Active Vehicles: %d\n"+
			"Updates: %d\n"+
			"Forwards: %d\n"+
			"Broadcast Failures: %d\n"+
			"Malformed Messages: %d\n"+
			"Race Events: %d\n"+
			"Finished Sessions: %d\n"+
			"Last Update Time: %s\n"+
			"Processing Time: %s\n"+
			"Uptime: %s",
		stats["connections"],
		stats["active_vehicles"],
		stats["updates"],
		stats["forwards"],
		stats["broadcast_failures"],
		stats["malformed_messages"],
		stats["race_events"],
		stats["finished_sessions"],
		stats["last_update_time"],
		stats["processing_time"],
		stats["uptime"],
	)
}

// Run logs the statistics every logInterval and persists them every persistInterval
// when a store is set, until ctx is done
func (s *Stats) Run(ctx context.Context, logInterval, persistInterval time.Duration) {
	logTicker := time.NewTicker(logInterval)
	defer logTicker.Stop()
	persistTicker := time.NewTicker(persistInterval)
	defer persistTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.persistIfStored("final")
			return
		case <-logTicker.C:
			log.Info().Fields(s.GetStats()).Msg("statistics")
		case <-persistTicker.C:
			s.persistIfStored("periodic")
		}
	}
}

func (s *Stats) persistIfStored(kind string) {
	s.mu.RLock()
	stored := s.store != nil
	s.mu.RUnlock()
	if !stored {
		return
	}
	if err := s.Persist(); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to persist statistics")
	}
}
