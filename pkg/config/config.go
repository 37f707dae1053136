// Package config loads and validates engine settings.
//
// Settings come from three layers, later layers winning: built-in defaults,
// a YAML file (<runDir>/cadence.yaml, falling back to ~/.cadence/config.yaml),
// and CADENCE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DefaultBatchSize is the maximum number of auto-runnable effects executed
// per iteration.
const DefaultBatchSize = 3

// Settings is the full engine configuration.
type Settings struct {
	Store   StoreSettings   `yaml:"store"`
	Engine  EngineSettings  `yaml:"engine"`
	Browser BrowserSettings `yaml:"browser"`
	Hooks   HooksSettings   `yaml:"hooks"`
}

// StoreSettings configures the run-state store CLI client.
type StoreSettings struct {
	// Bin is the store binary on PATH or an absolute path.
	Bin string `yaml:"bin"`

	// Args are prepended to every store invocation.
	Args []string `yaml:"args"`
}

// EngineSettings configures the decision engine.
type EngineSettings struct {
	// BatchSize caps auto-runnable effects per iteration.
	BatchSize int `yaml:"batch_size"`
}

// BrowserSettings configures browser-automation execution.
type BrowserSettings struct {
	// Driver selects the automation driver: "cli" (default) or "playwright".
	Driver string `yaml:"driver"`

	// HostCLI is the host automation binary.
	HostCLI string `yaml:"host_cli"`

	// SandboxCLI is the sandbox runtime binary.
	SandboxCLI string `yaml:"sandbox_cli"`

	// Headless controls the playwright driver's browser window.
	Headless bool `yaml:"headless"`
}

// HooksSettings configures external hook dispatch.
type HooksSettings struct {
	// Dir is the run-relative directory holding hook handlers.
	Dir string `yaml:"dir"`
}

// Driver names accepted by BrowserSettings.Driver.
const (
	DriverCLI        = "cli"
	DriverPlaywright = "playwright"
)

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Store:  StoreSettings{Bin: "a5c-store"},
		Engine: EngineSettings{BatchSize: DefaultBatchSize},
		Browser: BrowserSettings{
			Driver:     DriverCLI,
			HostCLI:    "agent-browser",
			SandboxCLI: "container",
			Headless:   true,
		},
		Hooks: HooksSettings{Dir: "hooks"},
	}
}

// Load resolves settings for a run directory.
func Load(runDir string) (Settings, error) {
	settings := Default()

	path := configPath(runDir)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return settings, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &settings); err != nil {
			return settings, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(&settings)

	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

// configPath picks the first config file that exists, or "".
func configPath(runDir string) string {
	if runDir != "" {
		p := filepath.Join(runDir, "cadence.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".cadence", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// applyEnv overlays CADENCE_* environment variables.
func applyEnv(s *Settings) {
	if v := os.Getenv("CADENCE_STORE_BIN"); v != "" {
		s.Store.Bin = v
	}
	if v := os.Getenv("CADENCE_BROWSER_DRIVER"); v != "" {
		s.Browser.Driver = v
	}
	if v := os.Getenv("CADENCE_HOST_CLI"); v != "" {
		s.Browser.HostCLI = v
	}
	if v := os.Getenv("CADENCE_SANDBOX_CLI"); v != "" {
		s.Browser.SandboxCLI = v
	}
	if v := os.Getenv("CADENCE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Engine.BatchSize = n
		}
	}
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.Store.Bin == "" {
		return fmt.Errorf("store binary is required")
	}
	if s.Engine.BatchSize <= 0 {
		return fmt.Errorf("engine batch size must be positive, got %d", s.Engine.BatchSize)
	}
	switch s.Browser.Driver {
	case DriverCLI, DriverPlaywright:
	default:
		return fmt.Errorf("invalid browser driver: %s (must be %q or %q)", s.Browser.Driver, DriverCLI, DriverPlaywright)
	}
	if s.Browser.Driver == DriverCLI && s.Browser.HostCLI == "" {
		return fmt.Errorf("host automation CLI is required for the cli driver")
	}
	if s.Hooks.Dir == "" {
		return fmt.Errorf("hooks directory is required")
	}
	return nil
}
