package browser

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/cadence/pkg/run"
)

// StatePath is the run-relative location of the persisted runtime state.
const StatePath = "state/browser-runtime.json"

// ContainerState records the sandbox container backing a container session.
type ContainerState struct {
	ID string `json:"id"`
}

// RuntimeState is the one piece of run-scoped mutable shared state: the
// chosen backend and automation session for this run. Batches execute
// sequentially, so read-modify-write of this file needs no lock; any future
// parallel batch execution must add one.
type RuntimeState struct {
	Backend   Backend         `json:"backend"`
	SessionID string          `json:"sessionId"`
	Container *ContainerState `json:"container,omitempty"`
}

// LoadRuntimeState reads the run's persisted state. A missing file is not an
// error; it returns (nil, nil).
func LoadRuntimeState(runDir string) (*RuntimeState, error) {
	data, err := os.ReadFile(run.Resolve(runDir, StatePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read browser runtime state: %w", err)
	}
	var st RuntimeState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to decode browser runtime state: %w", err)
	}
	return &st, nil
}

// SaveRuntimeState persists the run's state, creating parents as needed.
func SaveRuntimeState(runDir string, st *RuntimeState) error {
	path := run.Resolve(runDir, StatePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode browser runtime state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write browser runtime state: %w", err)
	}
	return nil
}
