package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// StateFileRelPath is where the state mirror lives inside a project
// directory. The mirror makes the directory self-describing: a resume can
// reconstruct run position from disk even when the database record is stale.
const StateFileRelPath = ".forge/state.json"

// WriteStateFile mirrors the state blob into the project directory.
func WriteStateFile(projectDir string, state *State) error {
	if projectDir == "" || state == nil {
		return nil
	}
	path := filepath.Join(projectDir, StateFileRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// ReadStateFile loads the mirrored state from a project directory.
// Returns (nil, nil) when no mirror exists.
func ReadStateFile(projectDir string) (*State, error) {
	if projectDir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(filepath.Join(projectDir, StateFileRelPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}
	return &state, nil
}
