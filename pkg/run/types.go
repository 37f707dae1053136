// Package run defines the data model shared by the iteration engine:
// runs, their pending effects (tasks), task definitions, terminal results,
// and the client for the external run-state store.
package run

import "encoding/json"

// State is the lifecycle state of a run as reported by the run-state store.
type State string

const (
	// StateWaiting means the run is idle, waiting for input or a scheduled wake-up.
	StateWaiting State = "waiting"

	// StateExecuting means an iteration is currently in flight.
	StateExecuting State = "executing"

	// StateCompleted is a terminal success state.
	StateCompleted State = "completed"

	// StateFailed is a terminal failure state.
	StateFailed State = "failed"
)

// Terminal reports whether the state admits no further iterations.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// RunStatus is the run-state store's answer to a status query.
type RunStatus struct {
	State    State          `json:"state"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskKind classifies a pending effect.
type TaskKind string

const (
	// KindScripted is an effect executed by running its entry script as a subprocess.
	KindScripted TaskKind = "scripted"

	// KindBrowser is an effect executed through the browser-automation backend.
	KindBrowser TaskKind = "browser-automation"

	// KindDelegatedSkill is an effect requiring an external agent capability;
	// the engine reports it but never executes it.
	KindDelegatedSkill TaskKind = "delegated-skill"

	// KindBreakpoint is an effect representing a point that requires operator input.
	KindBreakpoint TaskKind = "breakpoint"

	// KindSleep is an effect that parks the run until a scheduled time.
	KindSleep TaskKind = "sleep"
)

// AutoRunnable reports whether the engine can execute this kind of effect
// itself, without delegating or waiting.
func (k TaskKind) AutoRunnable() bool {
	return k == KindScripted || k == KindBrowser
}

// Task is one pending effect as returned by the run-state store's task list.
type Task struct {
	EffectID string   `json:"effectId"`
	Kind     TaskKind `json:"kind"`
	Label    string   `json:"label,omitempty"`
}

// SchedulerHints carries scheduling metadata for sleep effects.
// Either an absolute wake-up time or a standard 5-field cron expression;
// when both are present the absolute time wins.
type SchedulerHints struct {
	SleepUntilEpochMs int64  `json:"sleepUntilEpochMs,omitempty"`
	Cron              string `json:"cron,omitempty"`
}

// NodeSpec describes the subprocess for a scripted effect.
type NodeSpec struct {
	// Entry is the path to the entry script, resolved against the run root
	// when relative.
	Entry string `json:"entry"`

	// Cwd is the working directory for the subprocess (default: run root).
	Cwd string `json:"cwd,omitempty"`

	// Args are additional arguments passed to the entry script.
	Args []string `json:"args,omitempty"`
}

// BrowserSpec describes a browser-automation effect.
type BrowserSpec struct {
	Prompt string `json:"prompt"`

	// Runtime is the requested backend mode: auto, host or container.
	Runtime string `json:"runtime,omitempty"`

	// SessionMode controls session affinity. "run" reuses one automation
	// session for all browser effects of the run; "effect" gets a fresh one.
	SessionMode string `json:"sessionMode,omitempty"`

	// Output is the run-relative path for the automation result artifact.
	Output string `json:"output,omitempty"`
}

// SessionModeRun is the BrowserSpec.SessionMode value requesting run-scoped
// session affinity.
const SessionModeRun = "run"

// IOSpec names the four IO artifacts of an effect, all run-relative.
type IOSpec struct {
	InputJSONPath  string `json:"inputJsonPath,omitempty"`
	OutputJSONPath string `json:"outputJsonPath,omitempty"`
	StdoutPath     string `json:"stdoutPath,omitempty"`
	StderrPath     string `json:"stderrPath,omitempty"`
}

// Definition is the on-disk task definition at tasks/<effectId>/task.json.
type Definition struct {
	Kind    TaskKind     `json:"kind"`
	Label   string       `json:"label,omitempty"`
	Node    *NodeSpec    `json:"node,omitempty"`
	Browser *BrowserSpec `json:"browser,omitempty"`
	IO      *IOSpec      `json:"io,omitempty"`

	// InputsRef is a run-relative path to a JSON document copied to the
	// input path before execution. Inline Inputs is the fallback.
	InputsRef string          `json:"inputsRef,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`

	// Skill is the opaque invocation payload for delegated-skill effects.
	Skill json.RawMessage `json:"skill,omitempty"`

	SchedulerHints *SchedulerHints `json:"schedulerHints,omitempty"`
}

// ResultStatus is the terminal status of an executed effect.
type ResultStatus string

const (
	ResultOK    ResultStatus = "ok"
	ResultError ResultStatus = "error"
)

// TaskError is the structured error posted with a failed effect.
type TaskError struct {
	Message  string `json:"message"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// Result is the terminal result posted for one effect. Exactly one Result is
// posted per consumed effect. All refs are run-relative paths.
type Result struct {
	Status      ResultStatus `json:"status"`
	Value       string       `json:"value,omitempty"`
	Err         *TaskError   `json:"error,omitempty"`
	StdoutRef   string       `json:"stdoutRef,omitempty"`
	StderrRef   string       `json:"stderrRef,omitempty"`
	MetadataRef string       `json:"metadataRef,omitempty"`
}

// ErrorResult builds an error Result from a message and optional exit code.
func ErrorResult(message string, exitCode *int) Result {
	return Result{
		Status: ResultError,
		Err:    &TaskError{Message: message, ExitCode: exitCode},
	}
}
