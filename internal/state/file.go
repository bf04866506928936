// Package state persists each dataset instance's ingestion progress: the
// watermark timestamp and the per-entity fingerprints backing deduplication.
//
// One state file belongs to exactly one instance. The file is rewritten as a
// whole snapshot via write-temp-then-rename, so a crash leaves either the
// prior state or the new one, never a torn file.
//
// When the watermark is bootstrapped from the downstream store the
// fingerprint cache starts empty, so the first cycle after bootstrap re-emits
// readings the sink already holds. That is expected: the upsert on
// (entity, ts) collapses them.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/acidvuca/vlc-ingest/internal/ingest"
)

// ErrCorrupt marks a state file that exists but cannot be trusted. Automatic
// recovery would risk silent re-ingestion gaps, so the caller must refuse to
// run the affected dataset until an operator resets or re-bootstraps it.
var ErrCorrupt = errors.New("state file corrupt")

// Snapshot is one dataset's durable ingestion state, passed by value through
// the cycle and written back atomically on commit.
type Snapshot struct {
	Watermark    time.Time
	Fingerprints map[string]ingest.Fingerprint

	// LastEmitted tracks, per entity, the instant of its last emission so
	// stale fingerprints can be pruned.
	LastEmitted map[string]time.Time
}

// snapshotJSON is the on-disk form; the watermark is stored in the same
// textual shape the upstream where-clause consumes.
type snapshotJSON struct {
	Watermark    string                        `json:"watermark"`
	Fingerprints map[string]ingest.Fingerprint `json:"fingerprints"`
	LastEmitted  map[string]string             `json:"last_emitted,omitempty"`
}

// Store loads and commits Snapshots for a single dataset instance.
type Store struct {
	path             string
	defaultWatermark time.Time
}

// NewStore creates a store over the given state file path. defaultWatermark
// seeds the snapshot on first run (missing file).
func NewStore(path string, defaultWatermark time.Time) *Store {
	return &Store{path: path, defaultWatermark: defaultWatermark.UTC()}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the prior checkpoint. A missing file is first run and yields the
// default snapshot; an unreadable or unparseable file yields ErrCorrupt.
// A legacy plain-text offset file next to the state file is honored as a
// watermark-only fallback from the pre-JSON format.
func (s *Store) Load() (Snapshot, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.firstRun(), nil
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var disk snapshotJSON
	if err := json.Unmarshal(raw, &disk); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	wm, err := ingest.NormalizeTimestamp(disk.Watermark)
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: bad watermark: %v", ErrCorrupt, err)
	}

	snap := Snapshot{
		Watermark:    wm,
		Fingerprints: disk.Fingerprints,
		LastEmitted:  make(map[string]time.Time, len(disk.LastEmitted)),
	}
	if snap.Fingerprints == nil {
		snap.Fingerprints = make(map[string]ingest.Fingerprint)
	}
	for id, tsStr := range disk.LastEmitted {
		ts, err := ingest.NormalizeTimestamp(tsStr)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: bad last_emitted for %s: %v", ErrCorrupt, id, err)
		}
		snap.LastEmitted[id] = ts
	}
	return snap, nil
}

// Commit atomically replaces the state file with the given snapshot. The
// caller only invokes this after the emitter has confirmed the batch.
func (s *Store) Commit(snap Snapshot) error {
	disk := snapshotJSON{
		Watermark:    snap.Watermark.UTC().Format(ingest.TimeLayout),
		Fingerprints: snap.Fingerprints,
		LastEmitted:  make(map[string]string, len(snap.LastEmitted)),
	}
	for id, ts := range snap.LastEmitted {
		disk.LastEmitted[id] = ts.UTC().Format(ingest.TimeLayout)
	}

	raw, err := json.Marshal(disk)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// firstRun builds the default snapshot, consulting the legacy offset file if
// one survived from the old format.
func (s *Store) firstRun() Snapshot {
	snap := Snapshot{
		Watermark:    s.defaultWatermark,
		Fingerprints: make(map[string]ingest.Fingerprint),
		LastEmitted:  make(map[string]time.Time),
	}

	legacy := filepath.Join(filepath.Dir(s.path), "offset.txt")
	if raw, err := os.ReadFile(legacy); err == nil {
		if wm, err := ingest.NormalizeTimestamp(strings.TrimSpace(string(raw))); err == nil {
			snap.Watermark = wm
		}
	}
	return snap
}

// Prune drops fingerprints for entities not emitted within ttl of the
// watermark, bounding state growth when stations disappear from the feed.
func (snap *Snapshot) Prune(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	cutoff := snap.Watermark.Add(-ttl)
	for id, last := range snap.LastEmitted {
		if last.Before(cutoff) {
			delete(snap.LastEmitted, id)
			delete(snap.Fingerprints, id)
		}
	}
}
