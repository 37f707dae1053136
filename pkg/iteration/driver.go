// Package iteration is the externally-invoked entry point of the engine: it
// executes exactly one decide/execute cycle for a run and never loops. The
// caller decides whether to invoke another iteration.
package iteration

import (
	"context"
	"fmt"

	"github.com/entrhq/cadence/pkg/engine"
	"github.com/entrhq/cadence/pkg/hooks"
	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

// Status is the normalized outcome of one iteration.
type Status string

const (
	StatusExecuted  Status = "executed"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusNone      Status = "none"
)

// Outcome is what one iteration returns to its caller.
type Outcome struct {
	Iteration int                   `json:"iteration"`
	Status    Status                `json:"status"`
	Action    engine.Action         `json:"action"`
	Reason    string                `json:"reason,omitempty"`
	Count     int                   `json:"count,omitempty"`
	Until     int64                 `json:"until,omitempty"`
	Skills    []engine.SkillRequest `json:"skills,omitempty"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
}

// Driver executes single iterations. The decision comes from the run's
// on-iteration-start hook when one is installed, else from the local engine,
// so the system works with no hook configuration at all.
type Driver struct {
	store      run.Store
	engine     *engine.Engine
	dispatcher *hooks.Dispatcher
	logger     *logging.Logger
}

// NewDriver creates an iteration driver.
func NewDriver(store run.Store, eng *engine.Engine, dispatcher *hooks.Dispatcher, logger *logging.Logger) *Driver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Driver{store: store, engine: eng, dispatcher: dispatcher, logger: logger}
}

// RunOnce executes one iteration for the run. Business-logic conditions never
// surface as errors; they are normalized into the Outcome. The error return
// covers infrastructure failures only (store unreachable, payload encoding).
func (d *Driver) RunOnce(ctx context.Context, runID, runDir string, iteration int) (Outcome, error) {
	status, err := d.store.Status(ctx, runID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to read run metadata: %w", err)
	}
	d.logger.Infof("run %s iteration %d starting (state %s)", runID, iteration, status.State)

	startResult, err := d.dispatcher.Dispatch(ctx, hooks.EventIterationStart, hooks.StartPayload{
		RunID:     runID,
		Iteration: iteration,
		Timestamp: hooks.NowMillis(),
	})
	if err != nil {
		return Outcome{}, err
	}

	var decision engine.Decision
	switch {
	case startResult.Handled == 0:
		// No hook installed: the local engine is the fallback decider.
		decision, err = d.engine.Step(ctx, runID, runDir)
		if err != nil {
			return Outcome{}, err
		}
	case startResult.Decision != nil:
		decision = *startResult.Decision
	default:
		// Handlers ran but none produced parsable output; degrade to an
		// empty decision rather than aborting the iteration.
		d.logger.Warnf("run %s: %d hook handler(s) ran without a decision", runID, startResult.Handled)
		decision = engine.Decision{Action: engine.ActionNone}
	}

	outcome := Outcome{
		Iteration: iteration,
		Status:    Normalize(decision),
		Action:    decision.Action,
		Reason:    decision.Reason,
		Count:     decision.Count,
		Until:     decision.Until,
		Skills:    decision.Skills,
		Metadata:  status.Metadata,
	}

	// The end hook is invoked on every path, hook-decided or fallback, so
	// downstream bookkeeping is never skipped.
	if _, err := d.dispatcher.Dispatch(ctx, hooks.EventIterationEnd, hooks.EndPayload{
		RunID:     runID,
		Iteration: iteration,
		Action:    string(outcome.Action),
		Status:    string(outcome.Status),
		Reason:    outcome.Reason,
		Count:     outcome.Count,
		Timestamp: hooks.NowMillis(),
	}); err != nil {
		return Outcome{}, err
	}

	d.logger.Infof("run %s iteration %d finished: %s (%s)", runID, iteration, outcome.Status, outcome.Reason)
	return outcome, nil
}

// Normalize maps a decision onto the uniform iteration status.
func Normalize(decision engine.Decision) Status {
	if decision.Reason == engine.ReasonTerminalState {
		if decision.Status == run.StateFailed {
			return StatusFailed
		}
		return StatusCompleted
	}
	switch decision.Action {
	case engine.ActionExecutedTasks:
		return StatusExecuted
	case engine.ActionWaiting:
		return StatusWaiting
	default:
		return StatusNone
	}
}
