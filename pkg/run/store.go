package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Store is the engine's view of the external run-state store. The store owns
// all run mutation; this engine only reads status, reads the pending effect
// list, and posts exactly one terminal result per consumed effect.
type Store interface {
	// Status returns the run's current state and metadata.
	Status(ctx context.Context, runID string) (RunStatus, error)

	// ListPending returns pending effects in the order the store reports
	// them. That order is treated as a contract: the engine drains its
	// batch front-to-back without reordering.
	ListPending(ctx context.Context, runID string) ([]Task, error)

	// PostResult posts the terminal result for one effect.
	PostResult(ctx context.Context, runID, effectID string, result Result) error
}

// CLIStore reaches the run-state store through its command-line interface,
// parsing structured JSON from stdout.
type CLIStore struct {
	// Bin is the store binary. Args are prepended to every invocation
	// (e.g. a subcommand prefix or a --root flag).
	Bin  string
	Args []string
}

// NewCLIStore creates a store client for the given binary and base arguments.
func NewCLIStore(bin string, args ...string) *CLIStore {
	return &CLIStore{Bin: bin, Args: args}
}

// Status implements Store.
func (s *CLIStore) Status(ctx context.Context, runID string) (RunStatus, error) {
	out, err := s.invoke(ctx, nil, "run:status", runID)
	if err != nil {
		return RunStatus{}, err
	}
	var status RunStatus
	if err := json.Unmarshal(out, &status); err != nil {
		return RunStatus{}, fmt.Errorf("failed to decode run:status output: %w", err)
	}
	return status, nil
}

// ListPending implements Store.
func (s *CLIStore) ListPending(ctx context.Context, runID string) ([]Task, error) {
	out, err := s.invoke(ctx, nil, "task:list", runID, "--pending")
	if err != nil {
		return nil, err
	}
	var payload struct {
		Tasks []Task `json:"tasks"`
	}
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode task:list output: %w", err)
	}
	return payload.Tasks, nil
}

// PostResult implements Store. Structured errors are streamed on stdin via
// the `--error -` convention so arbitrarily large payloads never hit argv
// limits.
func (s *CLIStore) PostResult(ctx context.Context, runID, effectID string, result Result) error {
	args := []string{"task:post", runID, effectID, "--status", string(result.Status)}
	if result.Value != "" {
		args = append(args, "--value", result.Value)
	}
	var stdin []byte
	if result.Err != nil {
		payload, err := json.Marshal(result.Err)
		if err != nil {
			return fmt.Errorf("failed to encode task error: %w", err)
		}
		stdin = payload
		args = append(args, "--error", "-")
	}
	if result.StdoutRef != "" {
		args = append(args, "--stdout-ref", result.StdoutRef)
	}
	if result.StderrRef != "" {
		args = append(args, "--stderr-ref", result.StderrRef)
	}
	if result.MetadataRef != "" {
		args = append(args, "--metadata", result.MetadataRef)
	}
	_, err := s.invoke(ctx, stdin, args...)
	return err
}

// invoke runs the store binary and returns its stdout.
func (s *CLIStore) invoke(ctx context.Context, stdin []byte, args ...string) ([]byte, error) {
	if s.Bin == "" {
		return nil, errors.New("store binary is not configured")
	}
	full := append(append([]string{}, s.Args...), args...)
	cmd := exec.CommandContext(ctx, s.Bin, full...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("store command %s exited %d: %s",
				args[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return nil, fmt.Errorf("failed to invoke store command %s: %w", args[0], err)
	}
	return stdout.Bytes(), nil
}
