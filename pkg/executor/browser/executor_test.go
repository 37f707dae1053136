package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/cadence/pkg/run"
)

// fakeDriver scripts per-backend behavior and records every call.
type fakeDriver struct {
	nextID    int
	started   []Backend
	runs      []fakeRunCall
	stopCalls []Session
	runFail   map[Backend]error
	startFail map[Backend]error
}

type fakeRunCall struct {
	session Session
	prompt  string
}

func (d *fakeDriver) StartSession(ctx context.Context, backend Backend) (Session, error) {
	d.started = append(d.started, backend)
	if err, ok := d.startFail[backend]; ok {
		return Session{}, err
	}
	d.nextID++
	sess := Session{ID: fmt.Sprintf("sess-%d", d.nextID), Backend: backend}
	if backend == BackendContainer {
		sess.ContainerID = fmt.Sprintf("ctr-%d", d.nextID)
	}
	return sess, nil
}

func (d *fakeDriver) Run(ctx context.Context, sess Session, prompt, outputPath string) error {
	d.runs = append(d.runs, fakeRunCall{session: sess, prompt: prompt})
	if err, ok := d.runFail[sess.Backend]; ok {
		return err
	}
	return os.WriteFile(outputPath, []byte(`{"ok":true}`), 0o644)
}

func (d *fakeDriver) StopSession(ctx context.Context, sess Session) error {
	d.stopCalls = append(d.stopCalls, sess)
	return nil
}

func containerReadySelector() *Selector {
	return NewSelector("agent-browser", "container",
		withProbes(lookPathFor("agent-browser", "container"), "darwin", "arm64"))
}

func hostOnlySelector() *Selector {
	return NewSelector("agent-browser", "container",
		withProbes(lookPathFor("agent-browser"), "linux", "amd64"))
}

func browserDef(runtime, sessionMode string) *run.Definition {
	return &run.Definition{
		Kind: run.KindBrowser,
		Browser: &run.BrowserSpec{
			Prompt:      `{"url":"https://example.com"}`,
			Runtime:     runtime,
			SessionMode: sessionMode,
		},
	}
}

func readMetadata(t *testing.T, runDir, effectID string) Metadata {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(runDir, run.TasksDir, effectID, MetadataFile))
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}

func TestExecuteHostSuccess(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{}
	exec := NewExecutor(hostOnlySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", ""))
	require.NoError(t, err)

	assert.Equal(t, run.ResultOK, result.Status)
	assert.Equal(t, filepath.Join("tasks", "b1", "output.json"), result.Value)

	meta := readMetadata(t, runDir, "b1")
	assert.Equal(t, BackendHost, meta.SelectedBackend)
	assert.Equal(t, BackendHost, meta.EffectiveBackend)
	assert.False(t, meta.Fallback.Used)

	// State is recorded even for effect-scoped sessions so cleanup can
	// always find them.
	state, stateErr := LoadRuntimeState(runDir)
	require.NoError(t, stateErr)
	require.NotNil(t, state)
	assert.Equal(t, BackendHost, state.Backend)
	assert.Equal(t, driver.runs[0].session.ID, state.SessionID)
}

func TestExecuteEffectScopedContainerRecordedForCleanup(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", ""))
	require.NoError(t, err)
	require.Equal(t, run.ResultOK, result.Status)

	state, stateErr := LoadRuntimeState(runDir)
	require.NoError(t, stateErr)
	require.NotNil(t, state)
	assert.Equal(t, BackendContainer, state.Backend)
	require.NotNil(t, state.Container)
	assert.NotEmpty(t, state.Container.ID)

	require.NoError(t, Cleanup(context.Background(), runDir, nil, driver, nil))
	require.Len(t, driver.stopCalls, 1, "cleanup stops the recorded container session")
	assert.Equal(t, state.Container.ID, driver.stopCalls[0].ContainerID)
}

func TestExecuteAutoContainerFallbackToHost(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{runFail: map[Backend]error{BackendContainer: errors.New("sandbox crashed")}}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", run.SessionModeRun))
	require.NoError(t, err)

	assert.Equal(t, run.ResultOK, result.Status, "the host attempt's outcome is final")

	meta := readMetadata(t, runDir, "b1")
	assert.Equal(t, BackendContainer, meta.SelectedBackend)
	assert.Equal(t, BackendHost, meta.EffectiveBackend)
	assert.True(t, meta.Fallback.Used)
	assert.Equal(t, FallbackReasonContainerFailed, meta.Fallback.Reason)

	assert.Equal(t, []Backend{BackendContainer, BackendHost}, driver.started)

	require.Len(t, driver.stopCalls, 1, "the abandoned container session is stopped")
	assert.Equal(t, driver.runs[0].session.ID, driver.stopCalls[0].ID)
	assert.Equal(t, BackendContainer, driver.stopCalls[0].Backend)

	state, stateErr := LoadRuntimeState(runDir)
	require.NoError(t, stateErr)
	require.NotNil(t, state)
	assert.Equal(t, BackendHost, state.Backend, "persisted state follows the effective backend")
}

func TestExecuteStrictContainerSelectionFailure(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{}
	exec := NewExecutor(hostOnlySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("container", ""))
	require.NoError(t, err)

	assert.Equal(t, run.ResultError, result.Status)
	require.NotNil(t, result.Err)
	assert.Contains(t, result.Err.Message, "only supported on macOS arm64")
	assert.Empty(t, driver.started, "no host attempt under strict container mode")

	data, readErr := os.ReadFile(filepath.Join(runDir, run.TasksDir, "b1", ErrorFile))
	require.NoError(t, readErr)
	var payload map[string]string
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Contains(t, payload["message"], "only supported on macOS arm64")
}

func TestExecuteStrictContainerRunFailureNoFallback(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{runFail: map[Backend]error{BackendContainer: errors.New("sandbox crashed")}}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("container", ""))
	require.NoError(t, err)

	assert.Equal(t, run.ResultError, result.Status)
	assert.Equal(t, []Backend{BackendContainer}, driver.started, "strict mode never touches the host")
	require.Len(t, driver.runs, 1)

	meta := readMetadata(t, runDir, "b1")
	assert.Equal(t, BackendContainer, meta.EffectiveBackend)
	assert.False(t, meta.Fallback.Used)
}

func TestExecuteContainerStartFailureFallsBackUnderAuto(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{startFail: map[Backend]error{BackendContainer: errors.New("no such image")}}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", ""))
	require.NoError(t, err)

	assert.Equal(t, run.ResultOK, result.Status)
	meta := readMetadata(t, runDir, "b1")
	assert.Equal(t, BackendContainer, meta.SelectedBackend)
	assert.Equal(t, BackendHost, meta.EffectiveBackend)
	assert.True(t, meta.Fallback.Used)
}

func TestExecuteSessionAffinity(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{}
	exec := NewExecutor(hostOnlySelector(), driver, nil)

	def := browserDef("auto", run.SessionModeRun)
	_, err := exec.Execute(context.Background(), runDir, run.Task{EffectID: "b1", Kind: run.KindBrowser}, def)
	require.NoError(t, err)
	_, err = exec.Execute(context.Background(), runDir, run.Task{EffectID: "b2", Kind: run.KindBrowser}, def)
	require.NoError(t, err)

	require.Len(t, driver.runs, 2)
	assert.Equal(t, driver.runs[0].session.ID, driver.runs[1].session.ID,
		"run-scoped effects share one session id")
	assert.Len(t, driver.started, 1, "the second effect reuses the session instead of opening one")

	state, stateErr := LoadRuntimeState(runDir)
	require.NoError(t, stateErr)
	require.NotNil(t, state)
	assert.Equal(t, driver.runs[0].session.ID, state.SessionID,
		"persisted state and automation calls agree on the session id")
}

func TestExecuteReusedContainerSessionFallsBackUnderAuto(t *testing.T) {
	runDir := t.TempDir()
	require.NoError(t, SaveRuntimeState(runDir, &RuntimeState{
		Backend:   BackendContainer,
		SessionID: "prior-session",
		Container: &ContainerState{ID: "ctr-9"},
	}))
	driver := &fakeDriver{runFail: map[Backend]error{BackendContainer: errors.New("sandbox gone")}}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", run.SessionModeRun))
	require.NoError(t, err)

	assert.Equal(t, run.ResultOK, result.Status)
	require.Len(t, driver.runs, 2)
	assert.Equal(t, "prior-session", driver.runs[0].session.ID)
	assert.Equal(t, BackendHost, driver.runs[1].session.Backend)

	require.Len(t, driver.stopCalls, 1)
	assert.Equal(t, "prior-session", driver.stopCalls[0].ID)
	assert.Equal(t, "ctr-9", driver.stopCalls[0].ContainerID)

	meta := readMetadata(t, runDir, "b1")
	assert.True(t, meta.Fallback.Used)
	assert.Equal(t, FallbackReasonContainerFailed, meta.Fallback.Reason)
}

func TestExecuteStartFailureOnBothBackendsWritesMetadata(t *testing.T) {
	runDir := t.TempDir()
	driver := &fakeDriver{startFail: map[Backend]error{
		BackendContainer: errors.New("no such image"),
		BackendHost:      errors.New("host agent down"),
	}}
	exec := NewExecutor(containerReadySelector(), driver, nil)
	task := run.Task{EffectID: "b1", Kind: run.KindBrowser}

	result, err := exec.Execute(context.Background(), runDir, task, browserDef("auto", ""))
	require.NoError(t, err)

	assert.Equal(t, run.ResultError, result.Status)
	require.NotNil(t, result.Err)
	assert.Contains(t, result.Err.Message, "host agent down")
	assert.Equal(t, filepath.Join(run.TasksDir, "b1", MetadataFile), result.MetadataRef)

	meta := readMetadata(t, runDir, "b1")
	assert.Equal(t, BackendContainer, meta.SelectedBackend)
	assert.Equal(t, BackendHost, meta.EffectiveBackend)
	assert.True(t, meta.Fallback.Used)
	assert.Equal(t, FallbackReasonContainerFailed, meta.Fallback.Reason)

	_, readErr := os.ReadFile(filepath.Join(runDir, run.TasksDir, "b1", ErrorFile))
	require.NoError(t, readErr, "the error artifact accompanies the metadata")
}

func TestExecuteMissingBrowserSpec(t *testing.T) {
	exec := NewExecutor(hostOnlySelector(), &fakeDriver{}, nil)
	_, err := exec.Execute(context.Background(), t.TempDir(), run.Task{EffectID: "b1"}, &run.Definition{Kind: run.KindBrowser})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no browser spec")
}

func TestRuntimeStateRoundTrip(t *testing.T) {
	runDir := t.TempDir()

	missing, err := LoadRuntimeState(runDir)
	require.NoError(t, err)
	assert.Nil(t, missing, "absent state is not an error")

	want := &RuntimeState{
		Backend:   BackendContainer,
		SessionID: "s-1",
		Container: &ContainerState{ID: "ctr-1"},
	}
	require.NoError(t, SaveRuntimeState(runDir, want))

	got, err := LoadRuntimeState(runDir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
