// Package state persists what the update daemon last did across restarts.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio"

	"github.com/rexos/rexos-updated/api"
)

const currentStateVersion = 1

// State represents the on-disk persistent state.
type State struct {
	mu   sync.Mutex
	path string

	StateVersion int `json:"state_version"`

	Update api.SystemUpdateState `json:"update"`
}

// LoadOrCreate parses the on-disk state file and returns a State struct.
// If no file exists, a new empty one is created.
func LoadOrCreate(path string) (*State, error) {
	s := &State{
		path:         path,
		StateVersion: currentStateVersion,
		Update: api.SystemUpdateState{
			Status: api.UpdateStatusIdle,
		},
	}

	body, err := os.ReadFile(path) //nolint:gosec
	if err == nil {
		err = json.Unmarshal(body, s)
		if err != nil {
			return nil, fmt.Errorf("failed to parse state file %q: %w", path, err)
		}

		if s.StateVersion > currentStateVersion {
			return nil, fmt.Errorf("state file %q has unsupported version %d", path, s.StateVersion)
		}

		s.StateVersion = currentStateVersion

		return s, nil
	}

	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	// State file doesn't exist, create it and return it.
	err = s.Save()
	if err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes out the current state struct into its on-disk storage.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.save()
}

// Get returns a copy of the update state.
func (s *State) Get() api.SystemUpdateState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.Update
}

// Modify applies fn to the update state and saves the result.
func (s *State) Modify(fn func(*api.SystemUpdateState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&s.Update)

	return s.save()
}

func (s *State) save() error {
	body, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(s.path), 0o755)
	if err != nil {
		return err
	}

	return renameio.WriteFile(s.path, body, 0o600)
}
