package iteration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/cadence/pkg/engine"
	"github.com/entrhq/cadence/pkg/hooks"
	"github.com/entrhq/cadence/pkg/run"
)

type fakeStore struct {
	status      run.RunStatus
	pending     []run.Task
	listCalls   int
	statusCalls int
	posted      []run.Result
}

func (s *fakeStore) Status(ctx context.Context, runID string) (run.RunStatus, error) {
	s.statusCalls++
	return s.status, nil
}

func (s *fakeStore) ListPending(ctx context.Context, runID string) ([]run.Task, error) {
	s.listCalls++
	return s.pending, nil
}

func (s *fakeStore) PostResult(ctx context.Context, runID, effectID string, result run.Result) error {
	s.posted = append(s.posted, result)
	return nil
}

func newTestDriver(t *testing.T, store *fakeStore, runDir string) *Driver {
	t.Helper()
	eng := engine.New(store, nil, nil)
	dispatcher := hooks.NewDispatcher(runDir, "hooks", nil)
	return NewDriver(store, eng, dispatcher, nil)
}

func writeHook(t *testing.T, runDir, event, name, body string) {
	t.Helper()
	dir := filepath.Join(runDir, "hooks", event)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(script), 0o755))
}

func TestRunOnceEngineFallback(t *testing.T) {
	runDir := t.TempDir()
	store := &fakeStore{status: run.RunStatus{State: run.StateExecuting}}
	driver := newTestDriver(t, store, runDir)

	outcome, err := driver.RunOnce(context.Background(), "r-1", runDir, 1)
	require.NoError(t, err)

	assert.Equal(t, StatusNone, outcome.Status)
	assert.Equal(t, engine.ActionNone, outcome.Action)
	assert.Equal(t, engine.ReasonNoPendingEffects, outcome.Reason)
	assert.Equal(t, 1, outcome.Iteration)
	assert.Equal(t, 1, store.listCalls, "with no hooks installed the engine decides")
}

func TestRunOnceHookDecisionSkipsEngine(t *testing.T) {
	runDir := t.TempDir()
	writeHook(t, runDir, hooks.EventIterationStart, "10-decide",
		`echo '{"action":"waiting","reason":"breakpoint-waiting","count":1}'`)
	store := &fakeStore{status: run.RunStatus{State: run.StateWaiting}}
	driver := newTestDriver(t, store, runDir)

	outcome, err := driver.RunOnce(context.Background(), "r-1", runDir, 3)
	require.NoError(t, err)

	assert.Equal(t, StatusWaiting, outcome.Status)
	assert.Equal(t, engine.ReasonBreakpointWaiting, outcome.Reason)
	assert.Equal(t, 1, outcome.Count)
	assert.Equal(t, 0, store.listCalls, "a hook decision preempts the engine")
}

func TestRunOnceHookWithoutDecision(t *testing.T) {
	runDir := t.TempDir()
	writeHook(t, runDir, hooks.EventIterationStart, "10-silent", "true")
	store := &fakeStore{status: run.RunStatus{State: run.StateExecuting}}
	driver := newTestDriver(t, store, runDir)

	outcome, err := driver.RunOnce(context.Background(), "r-1", runDir, 1)
	require.NoError(t, err)

	assert.Equal(t, StatusNone, outcome.Status)
	assert.Equal(t, engine.ActionNone, outcome.Action)
	assert.Equal(t, 0, store.listCalls, "handled-without-decision does not fall through to the engine")
}

func TestRunOnceEndHookAlwaysInvoked(t *testing.T) {
	runDir := t.TempDir()
	writeHook(t, runDir, hooks.EventIterationEnd, "10-record", "cat > end-payload.json")
	store := &fakeStore{status: run.RunStatus{State: run.StateExecuting}}
	driver := newTestDriver(t, store, runDir)

	_, err := driver.RunOnce(context.Background(), "r-1", runDir, 5)
	require.NoError(t, err)

	data, readErr := os.ReadFile(filepath.Join(runDir, "end-payload.json"))
	require.NoError(t, readErr)
	assert.Contains(t, string(data), `"action":"none"`)
	assert.Contains(t, string(data), `"status":"none"`)
	assert.Contains(t, string(data), `"iteration":5`)
}

func TestRunOnceTerminalRun(t *testing.T) {
	runDir := t.TempDir()
	store := &fakeStore{status: run.RunStatus{
		State:    run.StateCompleted,
		Metadata: map[string]any{"owner": "ci"},
	}}
	driver := newTestDriver(t, store, runDir)

	outcome, err := driver.RunOnce(context.Background(), "r-1", runDir, 1)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, engine.ReasonTerminalState, outcome.Reason)
	assert.Equal(t, map[string]any{"owner": "ci"}, outcome.Metadata)
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		name     string
		decision engine.Decision
		want     Status
	}{
		{
			name:     "terminal completed",
			decision: engine.Decision{Action: engine.ActionNone, Reason: engine.ReasonTerminalState, Status: run.StateCompleted},
			want:     StatusCompleted,
		},
		{
			name:     "terminal failed",
			decision: engine.Decision{Action: engine.ActionNone, Reason: engine.ReasonTerminalState, Status: run.StateFailed},
			want:     StatusFailed,
		},
		{
			name:     "executed batch",
			decision: engine.Decision{Action: engine.ActionExecutedTasks, Reason: engine.ReasonAutoRunnableTasks, Count: 2},
			want:     StatusExecuted,
		},
		{
			name:     "waiting",
			decision: engine.Decision{Action: engine.ActionWaiting, Reason: engine.ReasonSleepWaiting},
			want:     StatusWaiting,
		},
		{
			name:     "skills",
			decision: engine.Decision{Action: engine.ActionInvokeSkills, Count: 1},
			want:     StatusNone,
		},
		{
			name:     "empty",
			decision: engine.Decision{Action: engine.ActionNone, Reason: engine.ReasonNoPendingEffects},
			want:     StatusNone,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.decision))
		})
	}
}
