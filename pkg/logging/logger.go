// Package logging provides the diagnostic channel for the iteration engine.
// Diagnostics never share a stream with machine-readable decision output:
// decisions go to stdout, logs go to a file under the run directory.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// processID identifies this engine process across all loggers it
	// creates, so interleaved iterations of different runs can be told
	// apart in a shared log.
	processID     string
	processIDOnce sync.Once
)

// ProcessID returns the per-process correlation id.
func ProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.New().String()
	})
	return processID
}

// Logger writes structured diagnostic lines for one component.
type Logger struct {
	component string
	file      *os.File
	logger    *log.Logger
	logPath   string
	mu        sync.Mutex
	closeOnce sync.Once
}

// NewRunLogger creates a logger writing to <runDir>/logs/engine.log in
// append mode. Multiple components share the same file.
//
// If the log file cannot be opened the returned logger falls back to stderr
// along with the error; callers may warn but can keep using it.
func NewRunLogger(runDir, component string) (*Logger, error) {
	logDir := filepath.Join(runDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return newFallbackLogger(component, err), err
	}

	logPath := filepath.Join(logDir, "engine.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return newFallbackLogger(component, fmt.Errorf("failed to open log file: %w", err)), err
	}

	return &Logger{
		component: component,
		file:      file,
		logger:    log.New(file, "", 0), // timestamps are formatted by formatEntry
		logPath:   logPath,
	}, nil
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails.
func newFallbackLogger(component string, err error) *Logger {
	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", component), log.LstdFlags)
	logger.Printf("WARNING: failed to initialize file logging: %v", err)

	return &Logger{
		component: component,
		logger:    logger,
	}
}

func (l *Logger) formatEntry(level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	return fmt.Sprintf("[%s] [%s] [%s] [%s] %s", timestamp, ProcessID()[:8], l.component, level, message)
}

func (l *Logger) write(level, format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger.Println(l.formatEntry(level, fmt.Sprintf(format, v...)))
}

// Debugf logs a debug-level message.
func (l *Logger) Debugf(format string, v ...any) { l.write("DEBUG", format, v...) }

// Infof logs an info-level message.
func (l *Logger) Infof(format string, v ...any) { l.write("INFO", format, v...) }

// Warnf logs a warning-level message.
func (l *Logger) Warnf(format string, v ...any) { l.write("WARN", format, v...) }

// Errorf logs an error-level message.
func (l *Logger) Errorf(format string, v ...any) { l.write("ERROR", format, v...) }

// Writer returns an io.Writer for subsystems that stream raw output into the
// log. Writes take the logger's mutex so they never interleave mid-line with
// formatted entries.
func (l *Logger) Writer() io.Writer {
	return &lockedWriter{logger: l}
}

type lockedWriter struct {
	logger *Logger
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.logger.mu.Lock()
	defer w.logger.mu.Unlock()
	if w.logger.file != nil {
		return w.logger.file.Write(p)
	}
	return os.Stderr.Write(p)
}

// LogPath returns the path of the log file, or "" in fallback mode.
func (l *Logger) LogPath() string { return l.logPath }

// Close closes the log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{logger: log.New(io.Discard, "", 0)}
}
