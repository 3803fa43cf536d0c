// Package sessionstore persists resumable upload sessions as JSON files so
// an interrupted upload can continue from the server's committed offset in
// a later run. It is a leaf package with no knowledge of the storage API.
package sessionstore

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrCorruptRecord is returned when a session file cannot be parsed as JSON.
// The corrupt file is deleted automatically.
var ErrCorruptRecord = errors.New("corrupt session record")

// filePerms restricts session files to owner-only because they contain
// authenticated session URIs.
const filePerms = 0o600

// dirPerms for the session directory itself.
const dirPerms = 0o700

// StaleAge is the TTL for session records. Storage API sessions expire
// after one week, so older records can never be resumed.
const StaleAge = 7 * 24 * time.Hour

// cleanThrottle prevents excessive directory scans. Cleanup is a no-op if
// triggered again within this interval.
const cleanThrottle = 1 * time.Hour

// Record is the on-disk JSON format for a persisted upload session.
// FileHash fingerprints the local content at session creation; a record
// whose hash no longer matches the file must not be resumed.
type Record struct {
	Bucket     string    `json:"bucket"`
	Object     string    `json:"object"`
	LocalPath  string    `json:"local_path"`
	SessionURI string    `json:"session_uri"`
	FileSize   int64     `json:"file_size"`
	FileHash   string    `json:"file_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store manages file-based session persistence. Records are JSON files
// keyed by sha256 over the length-prefixed (bucket, object, localPath)
// triple. Safe for concurrent Save/Load/Delete.
type Store struct {
	dir    string
	logger *slog.Logger

	cleanMu   sync.Mutex
	lastClean time.Time
}

// New creates a Store rooted at dir.
func New(dir string, logger *slog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger,
	}
}

// Load reads the session record for the given upload.
// Returns nil, nil if no record exists.
func (s *Store) Load(bucket, object, localPath string) (*Record, error) {
	path := s.filePath(bucket, object, localPath)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading session record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Corrupt file — delete and treat as absent.
		s.logger.Warn("corrupt session record, deleting",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)

		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove corrupt session record",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}

		return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
	}

	return &rec, nil
}

// Save persists a session record atomically. Creates the session directory
// if needed and triggers lazy stale-record cleanup (throttled to once per
// hour).
func (s *Store) Save(bucket, object, localPath string, rec *Record) error {
	if err := os.MkdirAll(s.dir, dirPerms); err != nil {
		return fmt.Errorf("creating session dir: %w", err)
	}

	rec.Bucket = bucket
	rec.Object = object
	rec.LocalPath = localPath

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling session record: %w", err)
	}

	path := s.filePath(bucket, object, localPath)
	tmpPath := path + ".tmp"

	if err := os.WriteFile(tmpPath, data, filePerms); err != nil {
		return fmt.Errorf("writing session temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("renaming session temp file: %w", err)
	}

	// Lazy cleanup — non-blocking, errors logged but not propagated.
	// Pre-check the throttle to avoid spawning a goroutine on every Save.
	s.cleanMu.Lock()
	due := time.Since(s.lastClean) >= cleanThrottle
	s.cleanMu.Unlock()

	if due {
		go s.cleanIfDue()
	}

	return nil
}

// Delete removes the session record for the given upload.
// No error if the file doesn't exist.
func (s *Store) Delete(bucket, object, localPath string) error {
	path := s.filePath(bucket, object, localPath)

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting session record: %w", err)
	}

	return nil
}

// CleanStale removes session records older than maxAge. Returns the number
// of files deleted. Safe to call concurrently.
func (s *Store) CleanStale(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, fmt.Errorf("reading session dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	deleted := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			path := filepath.Join(s.dir, e.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to clean stale session record",
					slog.String("file", e.Name()),
					slog.String("error", err.Error()),
				)

				continue
			}

			s.logger.Info("deleted stale session record",
				slog.String("file", e.Name()),
				slog.Duration("age", time.Since(info.ModTime())),
			)

			deleted++
		}
	}

	return deleted, nil
}

// cleanIfDue runs CleanStale if at least cleanThrottle has elapsed since
// the last run. Thread-safe; no-op if throttled. Runs in a goroutine so
// panic recovery prevents crashing the consuming process.
func (s *Store) cleanIfDue() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in session cleanup", slog.Any("panic", r))
		}
	}()

	s.cleanMu.Lock()
	if time.Since(s.lastClean) < cleanThrottle {
		s.cleanMu.Unlock()
		return
	}

	s.lastClean = time.Now()
	s.cleanMu.Unlock()

	n, err := s.CleanStale(StaleAge)
	if err != nil {
		s.logger.Warn("stale session cleanup failed", slog.String("error", err.Error()))
		return
	}

	if n > 0 {
		s.logger.Info("cleaned stale session records", slog.Int("count", n))
	}
}

// recordKey produces a deterministic filename for an upload. Length-prefixed
// fields prevent hash collisions from delimiter ambiguity.
func recordKey(bucket, object, localPath string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%d:%s:%d:%s:%s", len(bucket), bucket, len(object), object, localPath))
	return fmt.Sprintf("%x.json", h)
}

// filePath returns the absolute path to the record file for the given upload.
func (s *Store) filePath(bucket, object, localPath string) string {
	return filepath.Join(s.dir, recordKey(bucket, object, localPath))
}
