package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunLoggerWritesToRunFile(t *testing.T) {
	runDir := t.TempDir()
	logger, err := NewRunLogger(runDir, "engine")
	require.NoError(t, err)
	defer logger.Close()

	logger.Infof("iteration %d starting", 1)
	logger.Warnf("slow store response")

	assert.Equal(t, filepath.Join(runDir, "logs", "engine.log"), logger.LogPath())

	data, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "[engine] [INFO] iteration 1 starting")
	assert.Contains(t, content, "[engine] [WARN] slow store response")
	assert.Contains(t, content, ProcessID()[:8])
}

func TestNewRunLoggerAppends(t *testing.T) {
	runDir := t.TempDir()

	first, err := NewRunLogger(runDir, "engine")
	require.NoError(t, err)
	first.Infof("first line")
	require.NoError(t, first.Close())

	second, err := NewRunLogger(runDir, "browser")
	require.NoError(t, err)
	second.Infof("second line")
	require.NoError(t, second.Close())

	data, err := os.ReadFile(second.LogPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), "first line")
	assert.Contains(t, string(data), "second line")
}

func TestWriterSharesLockWithFormattedEntries(t *testing.T) {
	logger, err := NewRunLogger(t.TempDir(), "engine")
	require.NoError(t, err)
	defer logger.Close()

	w := logger.Writer()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			logger.Infof("entry %d", i)
		}
	}()
	for i := 0; i < 50; i++ {
		_, err := w.Write([]byte("raw stream line\n"))
		require.NoError(t, err)
	}
	<-done

	data, err := os.ReadFile(logger.LogPath())
	require.NoError(t, err)
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if strings.HasPrefix(line, "raw stream line") {
			assert.Equal(t, "raw stream line", line)
			continue
		}
		assert.Contains(t, line, "[engine] [INFO] entry")
	}
}

func TestProcessIDStable(t *testing.T) {
	assert.Equal(t, ProcessID(), ProcessID())
	assert.Len(t, ProcessID(), 36)
}

func TestCloseIdempotent(t *testing.T) {
	logger, err := NewRunLogger(t.TempDir(), "engine")
	require.NoError(t, err)
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close())
}
