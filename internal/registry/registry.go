// Package registry persists the durable list of sandbox entries as a single
// JSON document on the shared volume. The registry is the source of truth
// for logical existence; liveness belongs to the platform.
//
// Writes are full replacements guarded by an optimistic revision check, so
// two concurrent load-modify-replace sequences cannot silently drop each
// other's changes: the loser gets ErrConflict and must reload.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// schemaVersion is the persisted document layout version.
const schemaVersion = 1

// ErrConflict indicates the registry changed between Load and Replace. The
// caller should reload and retry.
var ErrConflict = errors.New("registry revision conflict")

// Volume models the durable backing store's consistency discipline: Reload
// before reads so a previous session's commit is visible, Commit after
// writes so the write is durable before the caller proceeds.
type Volume interface {
	Reload() error
	Commit() error
}

// NoopVolume is used when the registry path sits on ordinary local storage
// with no session-level sync protocol.
type NoopVolume struct{}

func (NoopVolume) Reload() error { return nil }
func (NoopVolume) Commit() error { return nil }

// Snapshot is one consistent view of the registry. Revision must be handed
// back to Replace unchanged.
type Snapshot struct {
	Entries  []Entry
	Revision uint64
}

// Find returns the entry with the given id, or false.
func (s Snapshot) Find(id string) (Entry, bool) {
	for _, e := range s.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// document is the persisted JSON layout.
type document struct {
	SchemaVersion int     `json:"schema_version"`
	Revision      uint64  `json:"revision"`
	Entries       []Entry `json:"entries"`
}

// Store reads and replaces the registry document.
type Store struct {
	path   string
	volume Volume
	logger *zap.Logger

	// Serializes read-check-write within this process. Cross-process safety
	// comes from the revision check.
	mu sync.Mutex
}

// NewStore creates a registry store at path. A nil volume defaults to
// NoopVolume.
func NewStore(path string, volume Volume, logger *zap.Logger) *Store {
	if volume == nil {
		volume = NoopVolume{}
	}
	return &Store{path: path, volume: volume, logger: logger}
}

// Load returns every entry plus the revision to use for a subsequent
// Replace. A missing or unparsable backing file is treated as an empty
// registry, never an error: first runs and transient corruption must not
// take the control plane down.
func (s *Store) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	if err := s.volume.Reload(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to sync volume before read: %w", err)
	}
	doc := s.read()
	return Snapshot{Entries: doc.Entries, Revision: doc.Revision}, nil
}

// Replace persists entries as the complete new registry content, but only
// if the on-disk revision still matches expectedRevision. On success the
// document is written atomically and committed to the volume before
// returning.
func (s *Store) Replace(ctx context.Context, entries []Entry, expectedRevision uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.volume.Reload(); err != nil {
		return fmt.Errorf("failed to sync volume before write: %w", err)
	}
	current := s.read()
	if current.Revision != expectedRevision {
		return fmt.Errorf("%w: have %d, expected %d", ErrConflict, current.Revision, expectedRevision)
	}

	doc := document{
		SchemaVersion: schemaVersion,
		Revision:      expectedRevision + 1,
		Entries:       entries,
	}
	if err := s.write(doc); err != nil {
		return err
	}
	if err := s.volume.Commit(); err != nil {
		return fmt.Errorf("failed to commit volume after write: %w", err)
	}
	return nil
}

// read parses the backing file, degrading to an empty document on any
// failure. Corruption is logged once per occurrence and otherwise absorbed.
func (s *Store) read() document {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("registry unreadable, treating as empty",
				zap.String("path", s.path),
				zap.Error(err))
		}
		return document{SchemaVersion: schemaVersion}
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Warn("registry corrupt, treating as empty",
			zap.String("path", s.path),
			zap.Error(err))
		return document{SchemaVersion: schemaVersion}
	}
	return doc
}

// write marshals the document and renames it into place so readers never
// observe a torn file.
func (s *Store) write(doc document) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode registry: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".registry-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close registry file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}
