package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/homestats/hass2influx/internal/logger"
)

// Store loads and saves checkpoint state at a fixed path.
type Store struct {
	path string
	log  *logger.Logger
}

func NewStore(path string, log *logger.Logger) *Store {
	return &Store{path: path, log: log}
}

// Path returns the checkpoint file location.
func (st *Store) Path() string {
	return st.path
}

// Load reads the checkpoint. An absent, unreadable, malformed or
// version-mismatched file yields a fresh state: starting over is always
// correct, only slower.
func (st *Store) Load() *State {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if !os.IsNotExist(err) {
			st.log.WithError(err).Warn("Checkpoint unreadable, starting fresh")
		}
		return NewState()
	}

	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		st.log.WithError(err).Warn("Checkpoint malformed, starting fresh")
		return NewState()
	}
	if s.Version != CurrentVersion {
		st.log.WithField("version", s.Version).Warn("Checkpoint version mismatch, starting fresh")
		return NewState()
	}
	s.normalize()
	return &s
}

// Save writes the state atomically: a torn write must never leave a
// half-written checkpoint behind, so the state goes to a temp file first
// and is renamed into place.
func (st *Store) Save(s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(st.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}

// Clear removes the checkpoint file after a fully successful run.
func (st *Store) Clear() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}
