// Package main provides the cadence CLI, the host-facing surface of the
// iteration engine. One invocation performs one unit of work (a single
// iteration, a backend probe, or run cleanup) and prints a machine-readable
// JSON document on stdout; diagnostics go to the run's log file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/entrhq/cadence/pkg/config"
	"github.com/entrhq/cadence/pkg/engine"
	"github.com/entrhq/cadence/pkg/executor/browser"
	"github.com/entrhq/cadence/pkg/executor/script"
	"github.com/entrhq/cadence/pkg/hooks"
	"github.com/entrhq/cadence/pkg/iteration"
	"github.com/entrhq/cadence/pkg/logging"
	"github.com/entrhq/cadence/pkg/run"
)

const version = "0.1.0"

func main() {
	// Optional .env next to the working directory; absence is fine.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	var err error
	switch os.Args[1] {
	case "iterate":
		err = cmdIterate(ctx, os.Args[2:])
	case "backend":
		err = cmdBackend(os.Args[2:])
	case "cleanup":
		err = cmdCleanup(ctx, os.Args[2:])
	case "version":
		fmt.Printf("cadence v%s\n", version)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Cadence - iteration orchestration engine\n\n")
	fmt.Fprintf(os.Stderr, "Usage: cadence <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  iterate   Execute one iteration for a run\n")
	fmt.Fprintf(os.Stderr, "  backend   Probe browser backend selection for a mode\n")
	fmt.Fprintf(os.Stderr, "  cleanup   Remove a run's browser runtime state\n")
	fmt.Fprintf(os.Stderr, "  version   Print the version\n")
}

// cmdIterate runs exactly one iteration and prints the outcome JSON.
func cmdIterate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("iterate", flag.ExitOnError)
	runDir := fs.String("run-dir", "", "Run directory (required)")
	runID := fs.String("run-id", "", "Run identifier (default: run directory name)")
	iterationNum := fs.Int("iteration", 1, "Iteration number for hook payloads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return fmt.Errorf("-run-dir is required")
	}
	if *runID == "" {
		*runID = filepath.Base(*runDir)
	}

	settings, err := config.Load(*runDir)
	if err != nil {
		return err
	}

	logger, logErr := logging.NewRunLogger(*runDir, "cadence")
	if logErr != nil {
		logger.Warnf("file logging unavailable: %v", logErr)
	}
	defer logger.Close()

	store := run.NewCLIStore(settings.Store.Bin, settings.Store.Args...)
	driver, closeDriver := buildDriver(settings, logger)
	defer closeDriver()

	selectorOpts := []browser.SelectorOption{}
	if settings.Browser.Driver == config.DriverPlaywright {
		selectorOpts = append(selectorOpts, browser.WithHostInProcess())
	}
	selector := browser.NewSelector(settings.Browser.HostCLI, settings.Browser.SandboxCLI, selectorOpts...)

	executors := map[run.TaskKind]engine.TaskExecutor{
		run.KindScripted: script.NewExecutor(logger),
		run.KindBrowser:  browser.NewExecutor(selector, driver, logger),
	}
	eng := engine.New(store, executors, logger, engine.WithBatchSize(settings.Engine.BatchSize))
	dispatcher := hooks.NewDispatcher(*runDir, settings.Hooks.Dir, logger)

	outcome, err := iteration.NewDriver(store, eng, dispatcher, logger).RunOnce(ctx, *runID, *runDir, *iterationNum)
	if err != nil {
		return err
	}
	return printJSON(outcome)
}

// cmdBackend prints the selector's verdict for a requested mode.
func cmdBackend(args []string) error {
	fs := flag.NewFlagSet("backend", flag.ExitOnError)
	mode := fs.String("mode", "auto", "Requested mode: auto, host or container")
	runDir := fs.String("run-dir", "", "Run directory for config resolution (optional)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := config.Load(*runDir)
	if err != nil {
		return err
	}

	parsed, err := browser.ParseMode(*mode)
	if err != nil {
		return err
	}
	var opts []browser.SelectorOption
	if settings.Browser.Driver == config.DriverPlaywright {
		opts = append(opts, browser.WithHostInProcess())
	}
	selection := browser.NewSelector(settings.Browser.HostCLI, settings.Browser.SandboxCLI, opts...).Select(parsed)
	return printJSON(selection)
}

// cmdCleanup removes the run's browser runtime state, preserving artifacts
// matched by -preserve globs.
func cmdCleanup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	runDir := fs.String("run-dir", "", "Run directory (required)")
	var preserve multiFlag
	fs.Var(&preserve, "preserve", "Glob of run-relative paths to keep (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runDir == "" {
		return fmt.Errorf("-run-dir is required")
	}

	settings, err := config.Load(*runDir)
	if err != nil {
		return err
	}
	logger, logErr := logging.NewRunLogger(*runDir, "cleanup")
	if logErr != nil {
		logger.Warnf("file logging unavailable: %v", logErr)
	}
	defer logger.Close()

	driver, closeDriver := buildDriver(settings, logger)
	defer closeDriver()
	return browser.Cleanup(ctx, *runDir, preserve, driver, logger)
}

// buildDriver constructs the configured automation driver and its closer.
func buildDriver(settings config.Settings, logger *logging.Logger) (browser.Driver, func()) {
	if settings.Browser.Driver == config.DriverPlaywright {
		d := browser.NewPlaywrightDriver(settings.Browser.Headless, logger)
		return d, func() { _ = d.Close() }
	}
	return browser.NewCLIDriver(settings.Browser.HostCLI, settings.Browser.SandboxCLI, logger), func() {}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint([]string(*m)) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
