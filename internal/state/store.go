// Package state persists per-plugin user preferences and run counters in a
// single JSON file.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// TimeLayout is the local ISO-8601 format used for stored timestamps
	TimeLayout = "2006-01-02T15:04:05"

	// FileName is the default state file name inside the plugins root
	FileName = "nova_state.json"
)

// PluginState is the persisted record for one plugin
type PluginState struct {
	Enabled     bool   `json:"enabled"`
	Favorite    bool   `json:"favorite"`
	InstalledAt string `json:"installed_at"`
	RunCount    int    `json:"run_count"`
	LastRun     string `json:"last_run"`
	CrashCount  int    `json:"crash_count"`
}

// Default returns a fresh state stamped with now
func Default(now time.Time) PluginState {
	return PluginState{
		Enabled:     true,
		InstalledAt: now.Format(TimeLayout),
	}
}

// Store is a file-backed map of plugin id to PluginState. The whole file is
// rewritten after every mutation.
type Store struct {
	path   string
	states map[string]*PluginState
	logger *slog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewStore loads path into memory. A missing or unreadable file starts empty.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		states: make(map[string]*PluginState),
		logger: logger.With("component", "state-store"),
		now:    time.Now,
	}
	s.load()
	return s
}

// Path returns the backing file location
func (s *Store) Path() string {
	return s.path
}

// Get returns the state for id, creating and persisting a default entry on
// first access
func (s *Store) Get(id string) PluginState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.getLocked(id)
}

// Has reports whether an entry exists without creating one
func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.states[id]
	return ok
}

// SetFavorite updates the favorite flag
func (s *Store) SetFavorite(id string, value bool) {
	s.mutate(id, func(ps *PluginState) { ps.Favorite = value })
}

// SetEnabled updates the enabled flag
func (s *Store) SetEnabled(id string, value bool) {
	s.mutate(id, func(ps *PluginState) { ps.Enabled = value })
}

// RecordRun increments run_count and stamps last_run
func (s *Store) RecordRun(id string) {
	s.mutate(id, func(ps *PluginState) {
		ps.RunCount++
		ps.LastRun = s.now().Format(TimeLayout)
	})
}

// RecordCrash increments crash_count
func (s *Store) RecordCrash(id string) {
	s.mutate(id, func(ps *PluginState) { ps.CrashCount++ })
}

// Remove deletes the entry for id
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	s.saveLocked()
}

// IDs returns the ids with a stored entry, sorted
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Store) mutate(id string, fn func(*PluginState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.getLocked(id))
	s.saveLocked()
}

func (s *Store) getLocked(id string) *PluginState {
	ps, ok := s.states[id]
	if !ok {
		def := Default(s.now())
		ps = &def
		s.states[id] = ps
		s.saveLocked()
	}
	return ps
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("Failed to read state file", "path", s.path, "error", err)
		}
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		s.logger.Warn("Failed to parse state file", "path", s.path, "error", err)
		return
	}

	for id, entry := range raw {
		// Decoding over defaults fills missing fields; unknown ones are ignored
		ps := Default(s.now())
		if err := json.Unmarshal(entry, &ps); err != nil {
			s.logger.Warn("Skipping malformed state entry", "id", id, "error", err)
			continue
		}
		s.states[id] = &ps
	}
}

func (s *Store) saveLocked() {
	if err := s.writeLocked(); err != nil {
		s.logger.Warn("Failed to save state file", "path", s.path, "error", err)
	}
}

func (s *Store) writeLocked() error {
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(s.states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
