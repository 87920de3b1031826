package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bobmatnyc/memguardian/pkg/logging"
)

// formatVersion is the current on-disk envelope version
const formatVersion = 1

// envelope is the versioned on-disk representation. Entries are kept as raw
// JSON: the guardian never interprets the supervised process's state.
type envelope struct {
	Version int                        `json:"version"`
	SavedAt time.Time                  `json:"saved_at"`
	Entries map[string]json.RawMessage `json:"entries"`
}

// Manager persists an opaque key/value state blob across restarts.
// Writes are atomic (temp file + rename) so a crash mid-write never
// corrupts the previously good copy.
type Manager struct {
	path       string
	enableSync bool
	logger     *logging.Logger
	mu         sync.Mutex
}

// NewManager creates a state manager persisting to path
func NewManager(path string, logger *logging.Logger) *Manager {
	return &Manager{path: path, logger: logger}
}

// NewManagerWithSync creates a state manager that fsyncs before rename
func NewManagerWithSync(path string, logger *logging.Logger) *Manager {
	return &Manager{path: path, enableSync: true, logger: logger}
}

// Persist writes the state blob to disk atomically
func (m *Manager) Persist(state map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state == nil {
		state = map[string]json.RawMessage{}
	}

	env := envelope{
		Version: formatVersion,
		SavedAt: time.Now(),
		Entries: state,
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tempPath := m.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp state file: %w", err)
	}

	if m.enableSync {
		f, err := os.OpenFile(tempPath, os.O_RDWR, 0644)
		if err != nil {
			return fmt.Errorf("failed to open temp file for sync: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("failed to sync temp file: %w", err)
		}
		f.Close()
	}

	if err := os.Rename(tempPath, m.path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// PersistValues marshals plain values into the opaque envelope
func (m *Manager) PersistValues(values map[string]interface{}) error {
	entries := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal state key %q: %w", k, err)
		}
		entries[k] = data
	}
	return m.Persist(entries)
}

// Restore returns the last good state. A missing, unreadable or corrupt
// file degrades to an empty state; this path never returns an error.
func (m *Manager) Restore() map[string]json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) && m.logger != nil {
			m.logger.Warn("state file unreadable, starting fresh", map[string]interface{}{
				"path":  m.path,
				"error": err.Error(),
			})
		}
		return map[string]json.RawMessage{}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if m.logger != nil {
			m.logger.Warn("state file corrupt, starting fresh", map[string]interface{}{
				"path":  m.path,
				"error": err.Error(),
			})
		}
		return map[string]json.RawMessage{}
	}

	if env.Version > formatVersion {
		// Written by a newer version: pass entries through untouched so a
		// downgrade never loses data the guardian cannot interpret
		if m.logger != nil {
			m.logger.Warn("state file has newer format version, passing through", map[string]interface{}{
				"version": env.Version,
			})
		}
	}

	if env.Entries == nil {
		return map[string]json.RawMessage{}
	}
	return env.Entries
}

// SavedAt returns the timestamp of the last persisted state, or zero time
func (m *Manager) SavedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		return time.Time{}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return time.Time{}
	}
	return env.SavedAt
}

// Path returns the state file path
func (m *Manager) Path() string {
	return m.path
}
