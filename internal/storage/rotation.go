package storage

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/ptt-speech-service/internal/audio"
)

const (
	filePrefix = "recording_"
	fileSuffix = ".wav"

	// Sortable timestamp embedded in file names
	timestampLayout = "20060102T150405.000000"
)

var (
	// ErrEmptyRecording is returned when asked to persist zero bytes of audio
	ErrEmptyRecording = errors.New("empty recording")

	// ErrNotFound is returned for an unknown recording ID
	ErrNotFound = errors.New("recording not found")
)

// Entry describes one persisted recording
type Entry struct {
	ID        string        `json:"id"`
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Size      int64         `json:"size_bytes"`
	Duration  time.Duration `json:"duration"`
}

// Config holds rotation store settings
type Config struct {
	Dir           string
	MaxRecordings int
	Format        audio.Format
}

// StoreStats represents store statistics for monitoring
type StoreStats struct {
	Entries   int    `json:"entries"`
	Capacity  int    `json:"capacity"`
	Persisted uint64 `json:"persisted"`
	Evicted   uint64 `json:"evicted"`
	Failures  uint64 `json:"failures"`
	Bytes     int64  `json:"bytes"`
}

// Store keeps the most recent recordings as WAV files in a directory.
// When full, the oldest recording is deleted before a new one is written.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	entries []Entry // oldest first

	persisted uint64
	evicted   uint64
	failures  uint64

	mu sync.Mutex
}

// NewStore creates a store over cfg.Dir, adopting recordings already present
// and trimming them to the configured capacity
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.MaxRecordings <= 0 {
		return nil, fmt.Errorf("max recordings must be positive, got %d", cfg.MaxRecordings)
	}

	if err := cfg.Format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recording format: %w", err)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recordings directory: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}

	if err := s.scan(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	for len(s.entries) > s.cfg.MaxRecordings {
		s.evictOldest()
	}
	s.mu.Unlock()

	logger.Info("Recording store ready",
		slog.String("dir", cfg.Dir),
		slog.Int("existing", len(s.entries)),
		slog.Int("capacity", cfg.MaxRecordings),
	)

	return s, nil
}

// scan loads existing recordings from the directory, oldest first
func (s *Store) scan() error {
	dirEntries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to scan recordings directory: %w", err)
	}

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		entry, ok := parseFileName(de.Name())
		if !ok {
			continue
		}

		info, err := de.Info()
		if err != nil {
			s.logger.Warn("Skipping unreadable recording",
				slog.String("file", de.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}

		entry.Path = filepath.Join(s.cfg.Dir, de.Name())
		entry.Size = info.Size()
		if entry.Size > audio.WAVHeaderSize {
			entry.Duration = s.cfg.Format.Duration(entry.Size - audio.WAVHeaderSize)
		}

		s.entries = append(s.entries, entry)
	}

	sort.SliceStable(s.entries, func(i, j int) bool {
		return s.entries[i].CreatedAt.Before(s.entries[j].CreatedAt)
	})

	return nil
}

// Persist writes pcm as a new WAV recording, evicting the oldest recording
// first if the store is at capacity
func (s *Store) Persist(pcm []byte) (Entry, error) {
	if len(pcm) == 0 {
		return Entry{}, ErrEmptyRecording
	}

	wav, err := audio.EncodeWAV(pcm, s.cfg.Format)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to encode recording: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.entries) >= s.cfg.MaxRecordings {
		s.evictOldest()
	}

	createdAt := s.now().UTC()
	entry := Entry{
		ID:        uuid.New().String(),
		CreatedAt: createdAt,
		Size:      int64(len(wav)),
		Duration:  s.cfg.Format.Duration(int64(len(pcm))),
	}
	entry.Path = filepath.Join(s.cfg.Dir, fileName(entry))

	if err := writeFileAtomic(entry.Path, wav); err != nil {
		s.failures++
		return Entry{}, err
	}

	s.entries = append(s.entries, entry)
	s.persisted++

	s.logger.Debug("Recording persisted",
		slog.String("id", entry.ID),
		slog.String("path", entry.Path),
		slog.Int64("size", entry.Size),
		slog.Duration("duration", entry.Duration),
	)

	return entry, nil
}

// evictOldest removes the oldest recording. Caller must hold s.mu.
func (s *Store) evictOldest() {
	oldest := s.entries[0]
	s.entries = s.entries[1:]
	s.evicted++

	if err := os.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove evicted recording",
			slog.String("path", oldest.Path),
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.Debug("Recording evicted", slog.String("id", oldest.ID))
}

// Entries returns the stored recordings ordered oldest to newest
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Open returns a reader over the WAV file of the recording with the given ID
func (s *Store) Open(id string) (io.ReadCloser, Entry, error) {
	s.mu.Lock()
	var entry Entry
	found := false
	for _, e := range s.entries {
		if e.ID == id {
			entry, found = e, true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return nil, Entry{}, ErrNotFound
	}

	f, err := os.Open(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, Entry{}, ErrNotFound
		}
		return nil, Entry{}, fmt.Errorf("failed to open recording: %w", err)
	}

	return f, entry, nil
}

// Stats returns current store statistics
func (s *Store) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, e := range s.entries {
		total += e.Size
	}

	return StoreStats{
		Entries:   len(s.entries),
		Capacity:  s.cfg.MaxRecordings,
		Persisted: s.persisted,
		Evicted:   s.evicted,
		Failures:  s.failures,
		Bytes:     total,
	}
}

func fileName(e Entry) string {
	return filePrefix + e.CreatedAt.Format(timestampLayout) + "_" + e.ID + fileSuffix
}

// parseFileName recovers ID and creation time from recording_<timestamp>_<id>.wav
func parseFileName(name string) (Entry, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
		return Entry{}, false
	}

	body := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	ts, id, ok := strings.Cut(body, "_")
	if !ok || id == "" {
		return Entry{}, false
	}

	createdAt, err := time.Parse(timestampLayout, ts)
	if err != nil {
		return Entry{}, false
	}

	return Entry{ID: id, CreatedAt: createdAt}, true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write recording: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize recording: %w", err)
	}

	return nil
}
