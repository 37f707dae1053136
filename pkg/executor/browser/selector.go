package browser

import (
	"fmt"
	"os/exec"
	"runtime"
)

// Backend is a concrete execution environment for browser automation.
type Backend string

const (
	// BackendHost runs automation directly on the host machine.
	BackendHost Backend = "host"

	// BackendContainer runs automation inside the sandbox runtime.
	BackendContainer Backend = "container"
)

// Mode is the backend mode requested by an effect.
type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeHost      Mode = "host"
	ModeContainer Mode = "container"
)

// ParseMode maps an effect's runtime field to a Mode, defaulting to auto.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", string(ModeAuto):
		return ModeAuto, nil
	case string(ModeHost):
		return ModeHost, nil
	case string(ModeContainer):
		return ModeContainer, nil
	default:
		return "", fmt.Errorf("unknown browser runtime mode: %q", s)
	}
}

// Selection reason codes.
const (
	ReasonHostRequested      = "host-requested"
	ReasonHostUnavailable    = "host-unavailable"
	ReasonContainerRequested = "container-requested"
	ReasonContainerUnavail   = "container-unavailable"
	ReasonAutoContainer      = "auto-container"
	ReasonAutoHostFallback   = "auto-host-fallback"
)

// Checks reports the capability probes behind a selection, for observability.
type Checks struct {
	SupportedMacArm64 bool `json:"supportedMacArm64"`
	HostReady         bool `json:"hostReady"`
	ContainerReady    bool `json:"containerReady"`
}

// Selection is the outcome of mapping a requested mode to a backend.
// When no backend is viable, Backend is empty and Err explains why.
type Selection struct {
	Backend Backend `json:"backend,omitempty"`
	Reason  string  `json:"reason"`
	Err     string  `json:"error,omitempty"`
	Checks  Checks  `json:"checks"`
}

// Viable reports whether a concrete backend was selected.
func (s Selection) Viable() bool { return s.Backend != "" }

// Selector probes host capability and maps requested modes to backends.
// Probing is injected so every branch is testable on any platform.
type Selector struct {
	hostCLI    string
	sandboxCLI string

	// hostInProcess marks an in-process automation driver (playwright)
	// as configured, which makes the host backend ready without a CLI.
	hostInProcess bool

	lookPath func(string) (string, error)
	goos     string
	goarch   string
}

// SelectorOption customizes a Selector.
type SelectorOption func(*Selector)

// WithHostInProcess marks the host backend as served by an in-process driver.
func WithHostInProcess() SelectorOption {
	return func(s *Selector) { s.hostInProcess = true }
}

// withProbes overrides platform probing. Test-only.
func withProbes(lookPath func(string) (string, error), goos, goarch string) SelectorOption {
	return func(s *Selector) {
		s.lookPath = lookPath
		s.goos = goos
		s.goarch = goarch
	}
}

// NewSelector creates a backend selector for the given automation binaries.
func NewSelector(hostCLI, sandboxCLI string, opts ...SelectorOption) *Selector {
	s := &Selector{
		hostCLI:    hostCLI,
		sandboxCLI: sandboxCLI,
		lookPath:   exec.LookPath,
		goos:       runtime.GOOS,
		goarch:     runtime.GOARCH,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select maps the requested mode to a concrete backend.
//
// host: host unconditionally when the host automation tool is present.
// container: the sandbox runtime or nothing; strict mode never falls back.
// auto: container first on supported platforms, else host.
func (s *Selector) Select(mode Mode) Selection {
	checks := s.probe()

	switch mode {
	case ModeHost:
		if !checks.HostReady {
			return Selection{
				Reason: ReasonHostUnavailable,
				Err:    fmt.Sprintf("host automation tool %q is not available", s.hostCLI),
				Checks: checks,
			}
		}
		return Selection{Backend: BackendHost, Reason: ReasonHostRequested, Checks: checks}

	case ModeContainer:
		if !checks.ContainerReady {
			return Selection{
				Reason: ReasonContainerUnavail,
				Err:    s.containerUnavailableError(checks),
				Checks: checks,
			}
		}
		return Selection{Backend: BackendContainer, Reason: ReasonContainerRequested, Checks: checks}

	default: // ModeAuto
		if checks.ContainerReady {
			return Selection{Backend: BackendContainer, Reason: ReasonAutoContainer, Checks: checks}
		}
		if checks.HostReady {
			return Selection{Backend: BackendHost, Reason: ReasonAutoHostFallback, Checks: checks}
		}
		return Selection{
			Reason: ReasonHostUnavailable,
			Err:    "no viable browser backend: sandbox runtime unavailable and host automation tool missing",
			Checks: checks,
		}
	}
}

// probe runs the capability checks once per selection.
func (s *Selector) probe() Checks {
	checks := Checks{
		SupportedMacArm64: s.goos == "darwin" && s.goarch == "arm64",
	}
	if s.hostInProcess {
		checks.HostReady = true
	} else if s.hostCLI != "" {
		_, err := s.lookPath(s.hostCLI)
		checks.HostReady = err == nil
	}
	if checks.SupportedMacArm64 && s.sandboxCLI != "" {
		_, err := s.lookPath(s.sandboxCLI)
		checks.ContainerReady = err == nil
	}
	return checks
}

func (s *Selector) containerUnavailableError(checks Checks) string {
	if !checks.SupportedMacArm64 {
		return fmt.Sprintf("sandbox runtime %q is only supported on macOS arm64 (this host: %s/%s)", s.sandboxCLI, s.goos, s.goarch)
	}
	return fmt.Sprintf("sandbox runtime CLI %q is not installed", s.sandboxCLI)
}
