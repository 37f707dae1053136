package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

// Artifact names written next to the effect's task definition.
const (
	MetadataFile = "browser-metadata.json"
	ErrorFile    = "browser-error.json"
)

// FallbackReasonContainerFailed is recorded when an auto-mode container
// attempt failed and the effect was retried on the host.
const FallbackReasonContainerFailed = "container-runtime-failed-fallback-host"

// FallbackRecord says whether the effect switched backends mid-flight.
type FallbackRecord struct {
	Used   bool   `json:"used"`
	Reason string `json:"reason,omitempty"`
}

// Metadata is the browser-metadata.json artifact.
type Metadata struct {
	SelectedBackend  Backend        `json:"selectedBackend"`
	EffectiveBackend Backend        `json:"effectiveBackend"`
	SessionID        string         `json:"sessionId,omitempty"`
	Fallback         FallbackRecord `json:"fallback"`
}

// attempt is the fallback state machine for one effect. Only an auto-mode
// container attempt carries a fallback transition; strict container mode has
// none, so it can never silently land on the host.
type attempt struct {
	mode     Mode
	backend  Backend
	fellBack bool
}

func (a *attempt) canFallBack() bool {
	return a.mode == ModeAuto && a.backend == BackendContainer && !a.fellBack
}

func (a *attempt) fallBackToHost() {
	a.backend = BackendHost
	a.fellBack = true
}

// Executor runs browser-automation effects through a Driver on the backend
// chosen by the Selector, honoring run-scoped session affinity.
type Executor struct {
	selector *Selector
	driver   Driver
	logger   *logging.Logger
}

// NewExecutor creates a browser effect executor.
func NewExecutor(selector *Selector, driver Driver, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Executor{selector: selector, driver: driver, logger: logger}
}

// Execute runs one browser-automation effect to a terminal Result. Selection
// and execution failures are reported inside the Result; the error return is
// reserved for malformed definitions and broken run-dir state.
func (e *Executor) Execute(ctx context.Context, runDir string, task run.Task, def *run.Definition) (run.Result, error) {
	if def.Browser == nil {
		return run.Result{}, fmt.Errorf("browser effect %s has no browser spec", task.EffectID)
	}
	mode, err := ParseMode(def.Browser.Runtime)
	if err != nil {
		return run.Result{}, fmt.Errorf("browser effect %s: %w", task.EffectID, err)
	}

	taskDir := filepath.Join(run.TasksDir, task.EffectID)
	metaRel := filepath.Join(taskDir, MetadataFile)
	errRel := filepath.Join(taskDir, ErrorFile)
	outputRel := def.Browser.Output
	if outputRel == "" {
		outputRel = run.EffectiveIO(task.EffectID, def.IO).OutputJSONPath
	}
	outputAbs := run.Resolve(runDir, outputRel)
	if err := run.EnsureParents(outputAbs, run.Resolve(runDir, metaRel), run.Resolve(runDir, errRel)); err != nil {
		return run.Result{}, err
	}

	state, err := LoadRuntimeState(runDir)
	if err != nil {
		return run.Result{}, err
	}

	// Resolve the session: a prior run-scoped session wins, otherwise ask
	// the selector for a backend and open a fresh session on it.
	var sess Session
	reuse := def.Browser.SessionMode == run.SessionModeRun && state != nil && state.SessionID != ""
	if reuse {
		sess = Session{ID: state.SessionID, Backend: state.Backend}
		if state.Container != nil {
			sess.ContainerID = state.Container.ID
		}
		e.logger.Debugf("effect %s reusing session %s on %s", task.EffectID, sess.ID, sess.Backend)
	} else {
		sel := e.selector.Select(mode)
		if !sel.Viable() {
			e.writeError(runDir, errRel, sel.Err)
			e.logger.Errorf("effect %s: no viable backend: %s", task.EffectID, sel.Err)
			return run.ErrorResult(sel.Err, nil), nil
		}
		meta := Metadata{SelectedBackend: sel.Backend, EffectiveBackend: sel.Backend}
		sess, err = e.driver.StartSession(ctx, sel.Backend)
		if err != nil && sel.Backend == BackendContainer && mode == ModeAuto {
			// A sandbox that cannot even open a session counts as a
			// container execution failure for fallback purposes.
			e.logger.Warnf("effect %s: container session failed, falling back to host: %v", task.EffectID, err)
			meta.EffectiveBackend = BackendHost
			meta.Fallback = FallbackRecord{Used: true, Reason: FallbackReasonContainerFailed}
			sess, err = e.driver.StartSession(ctx, BackendHost)
		}
		if err != nil {
			// Session start never ran anything, but the effect still gets
			// the full artifact pair recording what was attempted.
			if wErr := e.writeMetadata(runDir, metaRel, meta); wErr != nil {
				e.logger.Warnf("failed to write metadata artifact: %v", wErr)
			}
			e.writeError(runDir, errRel, err.Error())
			result := run.ErrorResult(err.Error(), nil)
			result.MetadataRef = metaRel
			return result, nil
		}
		meta.SessionID = sess.ID
		if meta.Fallback.Used {
			return e.runAndFinish(ctx, runDir, def, sess, meta, outputRel, outputAbs, metaRel, errRel)
		}
	}

	st := attempt{mode: mode, backend: sess.Backend}
	meta := Metadata{SelectedBackend: sess.Backend, EffectiveBackend: sess.Backend, SessionID: sess.ID}

	runErr := e.driver.Run(ctx, sess, def.Browser.Prompt, outputAbs)
	if runErr != nil && st.canFallBack() {
		e.logger.Warnf("effect %s: container execution failed, retrying on host: %v", task.EffectID, runErr)
		st.fallBackToHost()

		// The container session is abandoned here; stop it so the sandbox
		// does not outlive the effect. Best-effort.
		_ = e.driver.StopSession(ctx, sess)

		hostSess, startErr := e.driver.StartSession(ctx, BackendHost)
		if startErr != nil {
			runErr = fmt.Errorf("host fallback unavailable after container failure: %v (container error: %w)", startErr, runErr)
		} else {
			sess = hostSess
			meta.EffectiveBackend = BackendHost
			meta.SessionID = sess.ID
			meta.Fallback = FallbackRecord{Used: true, Reason: FallbackReasonContainerFailed}
			runErr = e.driver.Run(ctx, sess, def.Browser.Prompt, outputAbs)
		}
	}

	return e.finish(runDir, sess, meta, runErr, outputRel, metaRel, errRel)
}

// runAndFinish executes on an already-fallen-back session and finalizes.
func (e *Executor) runAndFinish(ctx context.Context, runDir string, def *run.Definition, sess Session, meta Metadata, outputRel, outputAbs, metaRel, errRel string) (run.Result, error) {
	runErr := e.driver.Run(ctx, sess, def.Browser.Prompt, outputAbs)
	return e.finish(runDir, sess, meta, runErr, outputRel, metaRel, errRel)
}

// finish writes the metadata artifact, persists session state on success,
// and shapes the terminal Result.
func (e *Executor) finish(runDir string, sess Session, meta Metadata, runErr error, outputRel, metaRel, errRel string) (run.Result, error) {
	if err := e.writeMetadata(runDir, metaRel, meta); err != nil {
		e.logger.Warnf("failed to write metadata artifact: %v", err)
	}

	if runErr != nil {
		e.writeError(runDir, errRel, runErr.Error())
		result := run.ErrorResult(runErr.Error(), nil)
		result.MetadataRef = metaRel
		return result, nil
	}

	// State is recorded for every browser effect so cleanup can always find
	// the live session; only reuse is gated on run-scoped session mode.
	state := &RuntimeState{Backend: sess.Backend, SessionID: sess.ID}
	if sess.ContainerID != "" {
		state.Container = &ContainerState{ID: sess.ContainerID}
	}
	if err := SaveRuntimeState(runDir, state); err != nil {
		return run.Result{}, err
	}

	return run.Result{Status: run.ResultOK, Value: outputRel, MetadataRef: metaRel}, nil
}

func (e *Executor) writeMetadata(runDir, metaRel string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(run.Resolve(runDir, metaRel), data, 0o644)
}

// writeError records the structured error artifact. Best-effort: the result
// posted to the store is the authoritative error channel.
func (e *Executor) writeError(runDir, errRel, message string) {
	payload, err := json.MarshalIndent(map[string]string{"message": message}, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(run.Resolve(runDir, errRel), payload, 0o644); err != nil {
		e.logger.Warnf("failed to write error artifact: %v", err)
	}
}
