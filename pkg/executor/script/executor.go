// Package script executes scripted effects: one entry script, run as a
// subprocess, with the effect's IO paths handed over through environment
// variables and its stdio captured to files.
package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

// Environment variables carrying the IO context into the subprocess.
const (
	EnvTaskID     = "CADENCE_TASK_ID"
	EnvInputJSON  = "CADENCE_INPUT_JSON"
	EnvOutputJSON = "CADENCE_OUTPUT_JSON"
	EnvStdoutPath = "CADENCE_STDOUT_PATH"
	EnvStderrPath = "CADENCE_STDERR_PATH"
)

// IOContext is the fully resolved IO surface of one effect execution: the
// effect id plus absolute paths for input, output and stdio capture. It is
// passed explicitly rather than assembled from ambient state so that the
// executor is testable in isolation.
type IOContext struct {
	EffectID   string
	InputPath  string
	OutputPath string
	StdoutPath string
	StderrPath string
}

// Env renders the context as environment variable assignments.
func (c IOContext) Env() []string {
	return []string{
		EnvTaskID + "=" + c.EffectID,
		EnvInputJSON + "=" + c.InputPath,
		EnvOutputJSON + "=" + c.OutputPath,
		EnvStdoutPath + "=" + c.StdoutPath,
		EnvStderrPath + "=" + c.StderrPath,
	}
}

// Executor runs scripted effects.
type Executor struct {
	logger *logging.Logger
}

// NewExecutor creates a scripted effect executor.
func NewExecutor(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{logger: logger}
}

// Execute runs one scripted effect to a terminal Result. Execution failures
// (nonzero exit, failure to launch) are reported inside the Result; the error
// return is reserved for malformed definitions and IO setup problems, which
// the caller converts to an error Result as well. Execute never panics out of
// the batch loop.
func (e *Executor) Execute(ctx context.Context, runDir string, task run.Task, def *run.Definition) (run.Result, error) {
	if def.Node == nil || def.Node.Entry == "" {
		return run.Result{}, fmt.Errorf("scripted effect %s has no entry script", task.EffectID)
	}

	io := run.EffectiveIO(task.EffectID, def.IO)
	ioCtx := IOContext{
		EffectID:   task.EffectID,
		InputPath:  run.Resolve(runDir, io.InputJSONPath),
		OutputPath: run.Resolve(runDir, io.OutputJSONPath),
		StdoutPath: run.Resolve(runDir, io.StdoutPath),
		StderrPath: run.Resolve(runDir, io.StderrPath),
	}
	if err := run.EnsureParents(ioCtx.InputPath, ioCtx.OutputPath, ioCtx.StdoutPath, ioCtx.StderrPath); err != nil {
		return run.Result{}, err
	}
	if err := e.stageInputs(runDir, def, ioCtx.InputPath); err != nil {
		return run.Result{}, err
	}

	result := run.Result{
		Value:     io.OutputJSONPath,
		StdoutRef: io.StdoutPath,
		StderrRef: io.StderrPath,
	}

	exitCode, execErr := e.runEntry(ctx, runDir, def, ioCtx)
	if execErr != nil {
		e.logger.Warnf("scripted effect %s failed: %v", task.EffectID, execErr)
		result.Status = run.ResultError
		result.Value = ""
		result.Err = &run.TaskError{Message: execErr.Error(), ExitCode: &exitCode}
		return result, nil
	}

	e.logger.Infof("scripted effect %s completed", task.EffectID)
	result.Status = run.ResultOK
	return result, nil
}

// stageInputs materializes the effect's input document at the input path,
// from inputsRef when present, else from the inline inputs object ({} default).
func (e *Executor) stageInputs(runDir string, def *run.Definition, inputPath string) error {
	if def.InputsRef != "" {
		data, err := os.ReadFile(run.Resolve(runDir, def.InputsRef))
		if err != nil {
			return fmt.Errorf("failed to read inputs ref %s: %w", def.InputsRef, err)
		}
		if err := os.WriteFile(inputPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to stage inputs: %w", err)
		}
		return nil
	}

	inputs := def.Inputs
	if len(inputs) == 0 {
		inputs = []byte("{}")
	}
	if err := os.WriteFile(inputPath, inputs, 0o644); err != nil {
		return fmt.Errorf("failed to stage inputs: %w", err)
	}
	return nil
}

// runEntry launches the entry script and waits for it. Returns the exit code
// and a non-nil error for any failure, including launch failures (-1).
func (e *Executor) runEntry(ctx context.Context, runDir string, def *run.Definition, ioCtx IOContext) (int, error) {
	stdout, err := os.Create(ioCtx.StdoutPath)
	if err != nil {
		return -1, fmt.Errorf("failed to create stdout capture: %w", err)
	}
	defer stdout.Close()

	stderr, err := os.Create(ioCtx.StderrPath)
	if err != nil {
		return -1, fmt.Errorf("failed to create stderr capture: %w", err)
	}
	defer stderr.Close()

	entry := run.Resolve(runDir, def.Node.Entry)
	cmd := exec.CommandContext(ctx, entry, def.Node.Args...)
	cmd.Dir = runDir
	if def.Node.Cwd != "" {
		cmd.Dir = run.Resolve(runDir, def.Node.Cwd)
	}
	cmd.Env = append(os.Environ(), ioCtx.Env()...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Debugf("running entry %s (cwd %s)", entry, cmd.Dir)
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			return code, fmt.Errorf("entry script %s exited %d", filepath.Base(entry), code)
		}
		return -1, fmt.Errorf("failed to launch entry script %s: %w", filepath.Base(entry), err)
	}
	return 0, nil
}
