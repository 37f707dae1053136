package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/entrhq/cadence/pkg/logging"
)

// Session identifies one automation session on a concrete backend.
type Session struct {
	ID          string
	Backend     Backend
	ContainerID string
}

// Driver performs browser automation on a selected backend.
type Driver interface {
	// StartSession creates a fresh automation session on the backend.
	StartSession(ctx context.Context, backend Backend) (Session, error)

	// Run executes one automation prompt against the session, writing the
	// result artifact to outputPath. The call blocks until the automation
	// completes; cancellation is the caller's context's business.
	Run(ctx context.Context, sess Session, prompt, outputPath string) error

	// StopSession tears the session down. Best-effort: callers invoke it
	// during cleanup and ignore the error.
	StopSession(ctx context.Context, sess Session) error
}

// CLIDriver drives automation through external binaries: the host automation
// CLI directly for the host backend, and the same invocation wrapped in
// `<sandbox> exec` for the container backend.
type CLIDriver struct {
	hostCLI    string
	sandboxCLI string
	logger     *logging.Logger
}

// NewCLIDriver creates the CLI-backed automation driver.
func NewCLIDriver(hostCLI, sandboxCLI string, logger *logging.Logger) *CLIDriver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CLIDriver{hostCLI: hostCLI, sandboxCLI: sandboxCLI, logger: logger}
}

// StartSession implements Driver. Host sessions are purely logical (a fresh
// id); container sessions additionally create and start a sandbox container.
func (d *CLIDriver) StartSession(ctx context.Context, backend Backend) (Session, error) {
	sess := Session{ID: uuid.New().String(), Backend: backend}
	if backend != BackendContainer {
		return sess, nil
	}

	name := "cadence-" + sess.ID[:8]
	out, err := d.exec(ctx, d.sandboxCLI, "run", "--detach", "--name", name, "cadence-browser")
	if err != nil {
		return Session{}, fmt.Errorf("failed to start sandbox container: %w", err)
	}
	sess.ContainerID = strings.TrimSpace(out)
	if sess.ContainerID == "" {
		sess.ContainerID = name
	}
	d.logger.Infof("started sandbox container %s for session %s", sess.ContainerID, sess.ID)
	return sess, nil
}

// Run implements Driver.
func (d *CLIDriver) Run(ctx context.Context, sess Session, prompt, outputPath string) error {
	args := []string{"run", "--session", sess.ID, "--prompt", prompt, "--output", outputPath}

	var err error
	switch sess.Backend {
	case BackendContainer:
		full := append([]string{"exec", sess.ContainerID, d.hostCLI}, args...)
		_, err = d.exec(ctx, d.sandboxCLI, full...)
	default:
		_, err = d.exec(ctx, d.hostCLI, args...)
	}
	if err != nil {
		return fmt.Errorf("automation command failed on %s backend: %w", sess.Backend, err)
	}
	return nil
}

// StopSession implements Driver. Failures during teardown are logged and
// swallowed; a stop/delete failure must never fail the run.
func (d *CLIDriver) StopSession(ctx context.Context, sess Session) error {
	if sess.Backend != BackendContainer || sess.ContainerID == "" {
		return nil
	}
	if _, err := d.exec(ctx, d.sandboxCLI, "stop", sess.ContainerID); err != nil {
		d.logger.Warnf("failed to stop container %s: %v", sess.ContainerID, err)
	}
	if _, err := d.exec(ctx, d.sandboxCLI, "delete", sess.ContainerID); err != nil {
		d.logger.Warnf("failed to delete container %s: %v", sess.ContainerID, err)
	}
	return nil
}

func (d *CLIDriver) exec(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), fmt.Errorf("%s exited %d: %s",
				bin, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), fmt.Errorf("failed to launch %s: %w", bin, err)
	}
	return stdout.String(), nil
}
