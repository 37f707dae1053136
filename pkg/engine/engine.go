package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

// SkillInstructions accompanies invoke-skills decisions so a consuming agent
// knows what is expected of it.
const SkillInstructions = "Invoke each listed skill with its payload, then post a terminal result for its effect id."

// TaskExecutor executes one effect of a kind it owns to a terminal Result.
// Implementations report execution failures inside the Result; a returned
// error means the effect could not be attempted at all and is converted to
// an error Result by the engine.
type TaskExecutor interface {
	Execute(ctx context.Context, runDir string, task run.Task, def *run.Definition) (run.Result, error)
}

// Engine drives one classification-and-execution step for a run.
type Engine struct {
	store     run.Store
	executors map[run.TaskKind]TaskExecutor
	batchSize int
	logger    *logging.Logger
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithBatchSize overrides the per-iteration cap on auto-runnable effects.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithClock overrides the engine's clock. Test-only.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a decision engine over a store and per-kind executors.
func New(store run.Store, executors map[run.TaskKind]TaskExecutor, logger *logging.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &Engine{
		store:     store,
		executors: executors,
		batchSize: 3,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Step produces exactly one decision for the run, executing a batch of
// auto-runnable effects when that is what the classification calls for.
// Per-effect failures are posted as that effect's terminal result and never
// abort the batch.
func (e *Engine) Step(ctx context.Context, runID, runDir string) (Decision, error) {
	status, err := e.store.Status(ctx, runID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to read run status: %w", err)
	}

	// Terminal runs are short-circuited before the pending list is read.
	if status.State.Terminal() {
		e.logger.Infof("run %s is %s, nothing to do", runID, status.State)
		decision, _ := Decide(status, nil, e.batchSize)
		return decision, nil
	}

	pending, err := e.store.ListPending(ctx, runID)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to list pending effects: %w", err)
	}

	decision, batch := Decide(status, pending, e.batchSize)
	switch decision.Action {
	case ActionExecutedTasks:
		e.executeBatch(ctx, runID, runDir, batch)
		e.logger.Infof("run %s: executed %d effect(s)", runID, len(batch))
	case ActionWaiting:
		if decision.Reason == ReasonSleepWaiting {
			decision.Until = e.sleepUntil(runDir, pending)
		}
	case ActionInvokeSkills:
		decision.Skills = e.skillRequests(runDir, pending)
		decision.Instructions = SkillInstructions
	}
	return decision, nil
}

// executeBatch runs the batch strictly sequentially; a later effect never
// starts before the previous one's result has been posted.
func (e *Engine) executeBatch(ctx context.Context, runID, runDir string, batch []run.Task) {
	for _, task := range batch {
		result := e.executeOne(ctx, runDir, task)
		if err := e.store.PostResult(ctx, runID, task.EffectID, result); err != nil {
			e.logger.Errorf("failed to post result for effect %s: %v", task.EffectID, err)
		}
	}
}

// executeOne resolves the definition and executor for a task and runs it.
// Every failure path collapses into an error Result for this one effect.
func (e *Engine) executeOne(ctx context.Context, runDir string, task run.Task) run.Result {
	def, err := run.LoadDefinition(runDir, task.EffectID)
	if err != nil {
		e.logger.Errorf("effect %s: %v", task.EffectID, err)
		return run.ErrorResult(fmt.Sprintf("missing task definition: %v", err), nil)
	}

	executor, ok := e.executors[task.Kind]
	if !ok {
		e.logger.Errorf("effect %s: no executor for kind %s", task.EffectID, task.Kind)
		return run.ErrorResult(fmt.Sprintf("no executor registered for kind %s", task.Kind), nil)
	}

	result, err := executor.Execute(ctx, runDir, task, def)
	if err != nil {
		e.logger.Errorf("effect %s: %v", task.EffectID, err)
		return run.ErrorResult(err.Error(), nil)
	}
	return result
}

// sleepUntil resolves the wake-up time from the first sleep effect's
// scheduler hint: an absolute epoch, or the next activation of a cron
// expression. A missing or unreadable hint yields zero, which callers treat
// as "wait, time unknown".
func (e *Engine) sleepUntil(runDir string, pending []run.Task) int64 {
	task, ok := firstOfKind(pending, run.KindSleep)
	if !ok {
		return 0
	}
	def, err := run.LoadDefinition(runDir, task.EffectID)
	if err != nil || def.SchedulerHints == nil {
		e.logger.Warnf("sleep effect %s has no readable scheduler hint", task.EffectID)
		return 0
	}
	hints := def.SchedulerHints
	if hints.SleepUntilEpochMs > 0 {
		return hints.SleepUntilEpochMs
	}
	if hints.Cron != "" {
		schedule, err := cron.ParseStandard(hints.Cron)
		if err != nil {
			e.logger.Warnf("sleep effect %s has invalid cron hint %q: %v", task.EffectID, hints.Cron, err)
			return 0
		}
		return schedule.Next(e.now()).UnixMilli()
	}
	return 0
}

// skillRequests builds the invocation requests for delegated-skill effects.
// Definitions are loaded best-effort; an unreadable one still yields a
// request carrying the effect id so the agent can investigate.
func (e *Engine) skillRequests(runDir string, pending []run.Task) []SkillRequest {
	var out []SkillRequest
	for _, task := range tasksOfKind(pending, run.KindDelegatedSkill) {
		req := SkillRequest{EffectID: task.EffectID, Label: task.Label}
		if def, err := run.LoadDefinition(runDir, task.EffectID); err == nil {
			req.Skill = def.Skill
			if req.Label == "" {
				req.Label = def.Label
			}
		} else {
			e.logger.Warnf("skill effect %s: %v", task.EffectID, err)
		}
		out = append(out, req)
	}
	return out
}
