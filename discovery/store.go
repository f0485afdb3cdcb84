package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// registryVersion marks the on-disk schema. It is written under the reserved
// "_version" top-level key and stripped before the remaining keys are
// interpreted as categories.
const registryVersion = 1

// DefaultMaxAge is how long a stored entry stays discoverable. Entries older
// than this are considered stale and excluded from Discover results (they stay
// on disk until Cleanup runs).
const DefaultMaxAge = time.Hour

// storedEntry is the persisted form of one service instance.
type storedEntry struct {
	Name      string         `json:"name"`
	Host      string         `json:"host"`
	Port      int            `json:"port"`
	Timestamp int64          `json:"timestamp"`
	Metadata  map[string]any `json:"metadata"`
}

// Store is the durable, file-backed registry of ServiceRecords.
//
// The on-disk document is a JSON object: category name → list of entries
// (a legacy single-object-per-category shape is accepted on read and upgraded
// to the list shape on the next write). Multiple uncoordinated processes may
// read and write the same file, so every load-modify-save cycle runs under an
// advisory file lock — without it two concurrent writers race and one update
// is silently lost.
//
// Failure semantics: disk errors surface only through boolean returns and
// empty slices, never as errors to the caller. A file that fails to parse is
// backed up (timestamped rename) and the store proceeds empty, so discovery
// degrades gracefully instead of crashing the calling adapter.
type Store struct {
	path     string
	maxAge   time.Duration
	clock    clock.Clock
	fileLock *flock.Flock
	log      *zap.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxAge overrides the staleness threshold (default 1 hour).
func WithMaxAge(d time.Duration) StoreOption {
	return func(s *Store) { s.maxAge = d }
}

// WithClock injects a clock, used by tests to control staleness.
func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

// WithStoreLogger sets the store's logger (default: no-op).
func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.log = l }
}

// NewStore creates a store backed by the JSON file at path. An empty path
// selects the default per-user location.
func NewStore(path string, opts ...StoreOption) *Store {
	if path == "" {
		path = DefaultRegistryPath()
	}
	s := &Store{
		path:   path,
		maxAge: DefaultMaxAge,
		clock:  clock.New(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	// Lock file sits next to the registry file. Locking a sidecar instead of
	// the registry itself keeps the lock valid across backup renames.
	s.fileLock = flock.New(path + ".lock")
	return s
}

// DefaultRegistryPath returns the per-user registry file location,
// e.g. ~/.config/dcc-rpc/service_registry.json on Linux.
func DefaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "dcc-rpc", "service_registry.json")
}

// Path returns the registry file path.
func (s *Store) Path() string {
	return s.path
}

// Register inserts or replaces the entry for record.Category and persists the
// document. The stored timestamp is always now() — any caller-supplied value
// is overridden so staleness is measured from the write, not from whenever the
// record object was built. Returns false on any I/O or serialization error.
func (s *Store) Register(record *ServiceRecord) bool {
	if record == nil || !record.Valid() {
		s.log.Warn("refusing to register invalid record")
		return false
	}

	s.lock()
	defer s.unlock()

	// Reload fresh to minimize lost updates from concurrent writers.
	doc := s.load()
	doc[record.Category] = []storedEntry{{
		Name:      record.Name,
		Host:      record.Host,
		Port:      record.Port,
		Timestamp: s.clock.Now().Unix(),
		Metadata:  record.Metadata,
	}}

	if err := s.save(doc); err != nil {
		s.log.Error("failed to save registry", zap.Error(err))
		return false
	}
	s.log.Debug("registered service",
		zap.String("category", record.Category), zap.String("addr", record.Addr()))
	return true
}

// Unregister removes the entry for record.Category. Returns false when the
// category is absent ("nothing to unregister" is reported, not raised) or when
// saving fails. Other categories are never affected.
func (s *Store) Unregister(record *ServiceRecord) bool {
	if record == nil {
		return false
	}

	s.lock()
	defer s.unlock()

	doc := s.load()
	if _, ok := doc[record.Category]; !ok {
		s.log.Debug("nothing registered for category", zap.String("category", record.Category))
		return false
	}
	delete(doc, record.Category)

	if err := s.save(doc); err != nil {
		s.log.Error("failed to save registry", zap.Error(err))
		return false
	}
	return true
}

// Discover reloads the document fresh (no in-memory staleness) and returns the
// live records for one category, or for all categories when category is empty.
// Malformed and stale entries are skipped.
func (s *Store) Discover(category string) []*ServiceRecord {
	s.rlock()
	doc := s.load()
	s.runlock()

	now := s.clock.Now().Unix()
	records := make([]*ServiceRecord, 0)
	for cat, entries := range doc {
		if category != "" && cat != category {
			continue
		}
		for _, e := range entries {
			if e.Host == "" || e.Port <= 0 || e.Port > 65535 {
				s.log.Warn("skipping malformed registry entry", zap.String("category", cat))
				continue
			}
			if now-e.Timestamp > int64(s.maxAge/time.Second) {
				s.log.Debug("skipping stale registry entry",
					zap.String("category", cat), zap.String("name", e.Name))
				continue
			}
			name := e.Name
			if name == "" {
				name = cat
			}
			meta := e.Metadata
			if meta == nil {
				meta = map[string]any{}
			}
			records = append(records, &ServiceRecord{
				Name:      name,
				Host:      e.Host,
				Port:      e.Port,
				Category:  cat,
				Metadata:  meta,
				Timestamp: e.Timestamp,
			})
		}
	}
	return records
}

// Cleanup removes stale and malformed entries from disk and reports how many
// were dropped. Discover never waits for this — it filters on read — but a
// periodic cleanup keeps the file from accumulating dead registrations.
func (s *Store) Cleanup() int {
	s.lock()
	defer s.unlock()

	doc := s.load()
	now := s.clock.Now().Unix()
	removed := 0
	for cat, entries := range doc {
		kept := entries[:0]
		for _, e := range entries {
			if e.Host == "" || now-e.Timestamp > int64(s.maxAge/time.Second) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(doc, cat)
		} else {
			doc[cat] = kept
		}
	}
	if removed > 0 {
		if err := s.save(doc); err != nil {
			s.log.Error("failed to save registry after cleanup", zap.Error(err))
		}
	}
	return removed
}

// load reads and parses the registry file. It tolerates a missing file (empty
// document), strips the version marker, accepts both the list shape and the
// legacy single-object shape per category, and on corruption backs up the bad
// file and returns an empty document.
func (s *Store) load() map[string][]storedEntry {
	doc := make(map[string][]storedEntry)

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.Error("failed to read registry file", zap.Error(err))
		}
		return doc
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		s.log.Error("registry file is not a JSON object, backing up",
			zap.String("path", s.path), zap.Error(err))
		s.backupCorrupt()
		return doc
	}
	delete(top, "_version")

	for cat, rawVal := range top {
		var entries []storedEntry
		if err := json.Unmarshal(rawVal, &entries); err != nil {
			// Legacy shape: one object instead of a list. Upgraded to the
			// list shape on the next save.
			var single storedEntry
			if err := json.Unmarshal(rawVal, &single); err != nil {
				s.log.Warn("skipping unreadable registry entry", zap.String("category", cat))
				continue
			}
			entries = []storedEntry{single}
		}
		doc[cat] = entries
	}
	return doc
}

// save serializes the document (list shape, with the version marker) as
// indented JSON, creating parent directories as needed.
func (s *Store) save(doc map[string][]storedEntry) error {
	out := make(map[string]any, len(doc)+1)
	for cat, entries := range doc {
		out[cat] = entries
	}
	out["_version"] = registryVersion

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o644)
}

// backupCorrupt moves the unparseable registry file aside so the next save
// starts clean while the original bytes stay available for inspection.
func (s *Store) backupCorrupt() {
	backup := fmt.Sprintf("%s.bak.%d", s.path, s.clock.Now().Unix())
	if err := os.Rename(s.path, backup); err != nil {
		s.log.Error("failed to back up corrupt registry file", zap.Error(err))
		return
	}
	s.log.Info("backed up corrupt registry file", zap.String("backup", backup))
}

// Advisory locking is best-effort: a lock failure is logged and the operation
// proceeds, matching the degrade-don't-crash policy of the rest of this layer.
func (s *Store) lock() {
	if err := s.fileLock.Lock(); err != nil {
		s.log.Warn("failed to acquire registry lock", zap.Error(err))
	}
}

func (s *Store) rlock() {
	if err := s.fileLock.RLock(); err != nil {
		s.log.Warn("failed to acquire shared registry lock", zap.Error(err))
	}
}

func (s *Store) unlock()  { _ = s.fileLock.Unlock() }
func (s *Store) runlock() { _ = s.fileLock.Unlock() }
