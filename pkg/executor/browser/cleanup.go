package browser

import (
	"context"
	"fmt"
	"os"

	"github.com/gobwas/glob"

	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

// Cleanup removes the run's browser runtime state after completion or
// failure, stopping any recorded sandbox container first. Teardown is
// best-effort throughout: container stop/delete failures are swallowed.
//
// Preserve patterns (glob syntax) are matched against run-relative artifact
// paths; a match keeps the artifact in place.
func Cleanup(ctx context.Context, runDir string, preserve []string, driver Driver, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Discard()
	}

	matchers, err := compilePreserve(preserve)
	if err != nil {
		return err
	}
	if matchAny(matchers, StatePath) {
		logger.Infof("preserving %s", StatePath)
		return nil
	}

	state, err := LoadRuntimeState(runDir)
	if err != nil {
		logger.Warnf("cleanup: unreadable runtime state: %v", err)
		state = nil
	}

	if state != nil && driver != nil {
		sess := Session{ID: state.SessionID, Backend: state.Backend}
		if state.Container != nil {
			sess.ContainerID = state.Container.ID
		}
		_ = driver.StopSession(ctx, sess)
	}

	if err := os.Remove(run.Resolve(runDir, StatePath)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove browser runtime state: %w", err)
	}
	return nil
}

func compilePreserve(patterns []string) ([]glob.Glob, error) {
	matchers := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid preserve pattern %q: %w", p, err)
		}
		matchers = append(matchers, g)
	}
	return matchers, nil
}

func matchAny(matchers []glob.Glob, path string) bool {
	for _, g := range matchers {
		if g.Match(path) {
			return true
		}
	}
	return false
}
