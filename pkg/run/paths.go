package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TasksDir is the run-relative directory holding task definitions.
const TasksDir = "tasks"

// Resolve joins a run-relative path onto the run root. Absolute paths are
// returned unchanged so definitions may opt out of the run layout.
func Resolve(runDir, rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(runDir, rel)
}

// Relativize converts an absolute path under the run root back to a
// run-relative ref. Paths outside the run root are returned as-is.
func Relativize(runDir, abs string) string {
	rel, err := filepath.Rel(runDir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}

// EnsureParents creates the parent directory of every given path.
func EnsureParents(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return fmt.Errorf("failed to create parent directory for %s: %w", p, err)
		}
	}
	return nil
}

// DefinitionPath returns the run-relative path of an effect's task.json.
func DefinitionPath(effectID string) string {
	return filepath.Join(TasksDir, effectID, "task.json")
}

// LoadDefinition reads and decodes tasks/<effectId>/task.json under runDir.
func LoadDefinition(runDir, effectID string) (*Definition, error) {
	path := Resolve(runDir, DefinitionPath(effectID))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task definition for %s: %w", effectID, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to decode task definition for %s: %w", effectID, err)
	}
	return &def, nil
}

// DefaultIO returns the IOSpec used when a definition declares none.
func DefaultIO(effectID string) IOSpec {
	base := filepath.Join(TasksDir, effectID)
	return IOSpec{
		InputJSONPath:  filepath.Join(base, "input.json"),
		OutputJSONPath: filepath.Join(base, "output.json"),
		StdoutPath:     filepath.Join(base, "stdout.log"),
		StderrPath:     filepath.Join(base, "stderr.log"),
	}
}

// EffectiveIO merges a definition's partial IOSpec over the defaults.
func EffectiveIO(effectID string, io *IOSpec) IOSpec {
	out := DefaultIO(effectID)
	if io == nil {
		return out
	}
	if io.InputJSONPath != "" {
		out.InputJSONPath = io.InputJSONPath
	}
	if io.OutputJSONPath != "" {
		out.OutputJSONPath = io.OutputJSONPath
	}
	if io.StdoutPath != "" {
		out.StdoutPath = io.StdoutPath
	}
	if io.StderrPath != "" {
		out.StderrPath = io.StderrPath
	}
	return out
}
