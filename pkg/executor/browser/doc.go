// Package browser executes browser-automation effects.
//
// Automation can run on two backends: the host machine, or an isolated
// sandbox container (Apple's container runtime, darwin/arm64 only). The
// Selector maps a requested mode (auto, host, container) to a concrete
// backend with a machine-readable reason and capability checks. The Executor
// then drives one effect through a pluggable Driver, reusing the run's
// persisted automation session when the effect asks for run-scoped session
// affinity, and falling back from container to host exactly once when the
// requested mode was auto and the sandbox attempt failed. Strict container
// mode never falls back.
//
// Two drivers ship with the engine:
//
//   - The CLI driver shells out to the host automation binary, wrapping the
//     invocation in `container exec` for the sandbox backend.
//   - The playwright driver serves the host backend in-process through
//     playwright-go, one chromium context per session.
//
// Every executed effect leaves a browser-metadata.json artifact recording the
// selected backend, the effective backend, and whether fallback was used;
// failures additionally leave a browser-error.json with the error message.
package browser
