package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeStoreScript installs a fake store binary that records every
// invocation's argv (and task:post stdin) under dir.
func writeStoreScript(t *testing.T, dir string) string {
	t.Helper()
	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %[1]s/calls.log
case "$*" in
  *run:status*)
    echo '{"state":"executing","metadata":{"trigger":"cron"}}'
    ;;
  *task:list*)
    echo '{"tasks":[{"effectId":"e1","kind":"scripted","label":"Build"},{"effectId":"e2","kind":"breakpoint"}]}'
    ;;
  *task:post*)
    cat > %[1]s/post-stdin.json
    echo '{}'
    ;;
esac
`, dir)
	bin := filepath.Join(dir, "fake-store")
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin
}

func readCalls(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "calls.log"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestCLIStoreStatus(t *testing.T) {
	dir := t.TempDir()
	store := NewCLIStore(writeStoreScript(t, dir))

	status, err := store.Status(context.Background(), "r-1")
	require.NoError(t, err)

	assert.Equal(t, StateExecuting, status.State)
	assert.Equal(t, map[string]any{"trigger": "cron"}, status.Metadata)
	assert.Equal(t, []string{"run:status r-1"}, readCalls(t, dir))
}

func TestCLIStoreListPending(t *testing.T) {
	dir := t.TempDir()
	store := NewCLIStore(writeStoreScript(t, dir))

	tasks, err := store.ListPending(context.Background(), "r-1")
	require.NoError(t, err)

	require.Len(t, tasks, 2)
	assert.Equal(t, Task{EffectID: "e1", Kind: KindScripted, Label: "Build"}, tasks[0])
	assert.Equal(t, Task{EffectID: "e2", Kind: KindBreakpoint}, tasks[1])
	assert.Equal(t, []string{"task:list r-1 --pending"}, readCalls(t, dir))
}

func TestCLIStorePostResult(t *testing.T) {
	dir := t.TempDir()
	store := NewCLIStore(writeStoreScript(t, dir))

	result := Result{
		Status:    ResultOK,
		Value:     "tasks/e1/output.json",
		StdoutRef: "tasks/e1/stdout.log",
		StderrRef: "tasks/e1/stderr.log",
	}
	require.NoError(t, store.PostResult(context.Background(), "r-1", "e1", result))

	calls := readCalls(t, dir)
	require.Len(t, calls, 1)
	assert.Equal(t, "task:post r-1 e1 --status ok --value tasks/e1/output.json --stdout-ref tasks/e1/stdout.log --stderr-ref tasks/e1/stderr.log", calls[0])
}

func TestCLIStorePostErrorResultOnStdin(t *testing.T) {
	dir := t.TempDir()
	store := NewCLIStore(writeStoreScript(t, dir))

	code := 3
	require.NoError(t, store.PostResult(context.Background(), "r-1", "e1", ErrorResult("entry script failed", &code)))

	calls := readCalls(t, dir)
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "--status error")
	assert.Contains(t, calls[0], "--error -")

	stdin, err := os.ReadFile(filepath.Join(dir, "post-stdin.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"entry script failed","exitCode":3}`, string(stdin))
}

func TestCLIStoreBaseArgsPrepended(t *testing.T) {
	dir := t.TempDir()
	store := NewCLIStore(writeStoreScript(t, dir), "--root", "/var/runs")

	_, err := store.Status(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"--root /var/runs run:status r-1"}, readCalls(t, dir))
}

func TestCLIStoreCommandFailure(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "failing-store")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 'run not found' >&2\nexit 2\n"), 0o755))
	store := NewCLIStore(bin)

	_, err := store.Status(context.Background(), "r-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 2")
	assert.Contains(t, err.Error(), "run not found")
}

func TestCLIStoreMissingBinary(t *testing.T) {
	store := &CLIStore{}
	_, err := store.Status(context.Background(), "r-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store binary is not configured")
}

func TestCLIStoreGarbledOutput(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "noisy-store")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\necho 'not json'\n"), 0o755))
	store := NewCLIStore(bin)

	_, err := store.Status(context.Background(), "r-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode run:status output")
}
