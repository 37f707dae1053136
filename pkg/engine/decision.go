// Package engine is the local decision engine: given a run's status and its
// pending effects it produces exactly one orchestration decision per
// invocation, executing a bounded batch of auto-runnable effects as a side
// effect of the executed-tasks branch.
//
// The deciding and the executing are split into two roles: Decide is a pure
// classification over (status, pending) with no side effects, and the Engine
// owns the executors and the store. External hooks that only want decisions
// never touch an executor.
package engine

import (
	"encoding/json"

	"github.com/entrhq/cadence/pkg/run"
)

// Action is the decision's top-level verb.
type Action string

const (
	// ActionNone means nothing to do: terminal run, empty queue, or an
	// effect kind this engine does not understand.
	ActionNone Action = "none"

	// ActionExecutedTasks means a batch of auto-runnable effects was executed.
	ActionExecutedTasks Action = "executed-tasks"

	// ActionWaiting means the run must wait for operator input or a timer.
	ActionWaiting Action = "waiting"

	// ActionInvokeSkills means delegated-skill effects are pending and an
	// external agent must invoke them.
	ActionInvokeSkills Action = "invoke-skills"
)

// Decision reason codes.
const (
	ReasonTerminalState     = "terminal-state"
	ReasonNoPendingEffects  = "no-pending-effects"
	ReasonAutoRunnableTasks = "auto-runnable-tasks"
	ReasonBreakpointWaiting = "breakpoint-waiting"
	ReasonSleepWaiting      = "sleep-waiting"
	ReasonUnknownEffectKind = "unknown-effect-kind"
)

// SkillRequest is one delegated-skill invocation an external agent should
// perform. The payload is opaque to this engine.
type SkillRequest struct {
	EffectID string          `json:"effectId"`
	Label    string          `json:"label,omitempty"`
	Skill    json.RawMessage `json:"skill,omitempty"`
}

// Decision is one orchestration decision. It is ephemeral: returned to the
// caller, never persisted by this engine.
type Decision struct {
	Action       Action         `json:"action"`
	Reason       string         `json:"reason,omitempty"`
	Status       run.State      `json:"status,omitempty"`
	Count        int            `json:"count,omitempty"`
	Until        int64          `json:"until,omitempty"`
	Kind         run.TaskKind   `json:"kind,omitempty"`
	Skills       []SkillRequest `json:"skills,omitempty"`
	Instructions string         `json:"instructions,omitempty"`
}

// Decide classifies a run's situation without executing anything. First match
// wins, evaluated once per invocation:
//
//  1. terminal run state
//  2. empty pending queue
//  3. auto-runnable effects present (batch returned for the caller to run;
//     this outranks breakpoints and sleeps so automatic work always drains
//     before the run waits)
//  4. breakpoint effects
//  5. sleep effects
//  6. delegated-skill effects
//  7. unknown kind, defensively
//
// For branches 3, 5 and 6 the caller enriches the decision: it executes the
// batch and sets Count, resolves the first sleep effect's wake-up time into
// Until, or collects the skill payloads.
func Decide(status run.RunStatus, pending []run.Task, batchSize int) (Decision, []run.Task) {
	if status.State.Terminal() {
		return Decision{Action: ActionNone, Reason: ReasonTerminalState, Status: status.State}, nil
	}
	if len(pending) == 0 {
		return Decision{Action: ActionNone, Reason: ReasonNoPendingEffects}, nil
	}

	var batch []run.Task
	for _, t := range pending {
		if t.Kind.AutoRunnable() {
			batch = append(batch, t)
			if len(batch) == batchSize {
				break
			}
		}
	}
	if len(batch) > 0 {
		return Decision{Action: ActionExecutedTasks, Reason: ReasonAutoRunnableTasks, Count: len(batch)}, batch
	}

	if n := countKind(pending, run.KindBreakpoint); n > 0 {
		return Decision{Action: ActionWaiting, Reason: ReasonBreakpointWaiting, Count: n}, nil
	}
	if countKind(pending, run.KindSleep) > 0 {
		return Decision{Action: ActionWaiting, Reason: ReasonSleepWaiting}, nil
	}
	if n := countKind(pending, run.KindDelegatedSkill); n > 0 {
		return Decision{Action: ActionInvokeSkills, Count: n}, nil
	}

	return Decision{Action: ActionNone, Reason: ReasonUnknownEffectKind, Kind: pending[0].Kind}, nil
}

func countKind(tasks []run.Task, kind run.TaskKind) int {
	n := 0
	for _, t := range tasks {
		if t.Kind == kind {
			n++
		}
	}
	return n
}

// firstOfKind returns the first task of the given kind, in queue order.
func firstOfKind(tasks []run.Task, kind run.TaskKind) (run.Task, bool) {
	for _, t := range tasks {
		if t.Kind == kind {
			return t, true
		}
	}
	return run.Task{}, false
}

// tasksOfKind returns all tasks of the given kind, in queue order.
func tasksOfKind(tasks []run.Task, kind run.TaskKind) []run.Task {
	var out []run.Task
	for _, t := range tasks {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}
