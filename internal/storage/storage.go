package storage

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saviobatista/regatta/internal/types"
)

const dayLayout = "2006-01-02"

// Storage appends JSON lines to a daily file, gzipping the previous day on rotation
type Storage struct {
	outputDir string
	prefix    string
	file      *os.File
	day       string
	mu        sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	now       func() time.Time
}

// New creates a new Storage instance writing <prefix>_<date>.jsonl files
func New(outputDir, prefix string) *Storage {
	return &Storage{
		outputDir: outputDir,
		prefix:    prefix,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start initializes the storage system and starts the rotation timer
func (s *Storage) Start() error {
	if err := os.MkdirAll(s.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	s.mu.Lock()
	err := s.rotateFile()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go s.rotationTimer()

	return nil
}

// Stop closes the current file and stops the rotation timer
func (s *Storage) Stop() error {
	close(s.stopChan)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// WriteMessage writes one line to the current log file
func (s *Storage) WriteMessage(message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil || s.day != s.today() {
		if err := s.rotateAndCompress(); err != nil {
			return err
		}
	}

	// Check if message already ends with newline
	if len(message) > 0 && message[len(message)-1] == '\n' {
		_, err := s.file.Write(message)
		return err
	}

	_, err := s.file.Write(append(message, '\n'))
	return err
}

// WriteRecord appends v as one JSON line
func (s *Storage) WriteRecord(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.WriteMessage(data)
}

// RecordSession appends a session summary
func (s *Storage) RecordSession(_ context.Context, summary *types.SessionSummary) error {
	return s.WriteRecord(summary)
}

// RecordEvent appends a race event
func (s *Storage) RecordEvent(_ context.Context, event *types.RaceEvent) error {
	return s.WriteRecord(event)
}

// rotationTimer handles daily rotation at midnight UTC
func (s *Storage) rotationTimer() {
	defer s.wg.Done()

	for {
		now := s.now().UTC()
		nextMidnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
		waitTime := nextMidnight.Sub(now)

		select {
		case <-time.After(waitTime):
			s.mu.Lock()
			err := s.rotateAndCompress()
			s.mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("prefix", s.prefix).Msg("error during rotation")
			}
		case <-s.stopChan:
			return
		}
	}
}

// rotateAndCompress closes the current file, compresses it when its day is over
// and opens today's file. Callers hold s.mu.
func (s *Storage) rotateAndCompress() error {
	previous := s.day
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			log.Warn().Err(err).Str("prefix", s.prefix).Msg("failed to close log file")
		}
		s.file = nil
	}

	if previous != "" && previous != s.today() {
		name := s.filename(previous)
		if _, err := os.Stat(name); err == nil {
			if err := compressFile(name); err != nil {
				return fmt.Errorf("failed to compress file: %w", err)
			}
		}
	}

	return s.rotateFile()
}

// compressFile gzips path to path.gz and removes the original
func compressFile(path string) error {
	source, err := os.Open(path) // #nosec G304 - path is built from the output directory
	if err != nil {
		return err
	}
	defer source.Close()

	target, err := os.Create(path + ".gz")
	if err != nil {
		return err
	}
	defer target.Close()

	gzipWriter := gzip.NewWriter(target)
	if _, err := io.Copy(gzipWriter, source); err != nil {
		return err
	}

	// Close the gzip writer to ensure all data is written
	if err := gzipWriter.Close(); err != nil {
		return err
	}

	return os.Remove(path)
}

// rotateFile opens the file for the current day. Callers hold s.mu.
func (s *Storage) rotateFile() error {
	day := s.today()

	file, err := os.OpenFile(s.filename(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	s.file = file
	s.day = day
	return nil
}

func (s *Storage) today() string {
	return s.now().UTC().Format(dayLayout)
}

func (s *Storage) filename(day string) string {
	return filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.jsonl", s.prefix, day))
}
