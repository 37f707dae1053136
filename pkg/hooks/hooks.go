// Package hooks dispatches iteration events to external hook handlers.
//
// Handlers are executables under <runDir>/<hooksDir>/<event>/, run in
// lexicographic order. Each receives the event payload as JSON on stdin and
// may emit a single decision JSON object on stdout. Handlers are optional:
// a missing directory means zero handlers, which is a supported, non-error
// condition.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"
	"unicode/utf16"

	"github.com/entrhq/cadence/pkg/engine"
	"github.com/entrhq/cadence/pkg/logging"
)

// Event names dispatched by the iteration driver.
const (
	EventIterationStart = "on-iteration-start"
	EventIterationEnd   = "on-iteration-end"
)

// StartPayload is sent to on-iteration-start handlers.
type StartPayload struct {
	RunID     string `json:"runId"`
	Iteration int    `json:"iteration"`
	Timestamp int64  `json:"timestamp"`
}

// EndPayload is sent to on-iteration-end handlers.
type EndPayload struct {
	RunID     string `json:"runId"`
	Iteration int    `json:"iteration"`
	Action    string `json:"action"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Count     int    `json:"count,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NowMillis is the timestamp convention for hook payloads.
func NowMillis() int64 { return time.Now().UnixMilli() }

// DispatchResult summarizes one event dispatch.
type DispatchResult struct {
	// Handled is the number of handlers that were executed.
	Handled int

	// Decision is the first decision any handler emitted, if any.
	Decision *engine.Decision
}

// Dispatcher runs the hook handlers of one run directory.
type Dispatcher struct {
	runDir   string
	hooksDir string
	logger   *logging.Logger
}

// NewDispatcher creates a dispatcher for the run's hook directory
// (run-relative, usually "hooks").
func NewDispatcher(runDir, hooksDir string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{runDir: runDir, hooksDir: hooksDir, logger: logger}
}

// Dispatch runs every handler registered for the event. Handler failures and
// unparsable output are recovered locally: the handler still counts as
// handled, its decision is simply absent. Only payload encoding can fail.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload any) (DispatchResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}

	handlers, err := d.handlers(event)
	if err != nil {
		d.logger.Warnf("hook discovery for %s failed: %v", event, err)
		return DispatchResult{}, nil
	}

	result := DispatchResult{}
	for _, handler := range handlers {
		out, runErr := d.runHandler(ctx, handler, data)
		result.Handled++
		if runErr != nil {
			d.logger.Warnf("hook %s failed: %v", filepath.Base(handler), runErr)
			continue
		}
		if result.Decision != nil {
			continue // first emitted decision wins
		}
		if decision, ok := decodeDecision(out); ok {
			result.Decision = decision
		}
	}
	return result, nil
}

// handlers lists the executable handlers for an event, sorted by name.
func (d *Dispatcher) handlers(event string) ([]string, error) {
	dir := filepath.Join(d.runDir, d.hooksDir, event)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var handlers []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		handlers = append(handlers, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(handlers)
	return handlers, nil
}

func (d *Dispatcher) runHandler(ctx context.Context, handler string, payload []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, handler)
	cmd.Dir = d.runDir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = d.logger.Writer()
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// decodeDecision parses a handler's stdout into a Decision, tolerantly.
// Handlers are agent-adjacent processes whose output is often wrapped in log
// noise or re-encoded with a BOM, so decoding strips byte-order marks and
// extracts the first balanced JSON object before unmarshalling. Anything
// that still fails degrades to "no decision".
func decodeDecision(out []byte) (*engine.Decision, bool) {
	raw := extractJSONObject(stripBOM(out))
	if raw == nil {
		return nil, false
	}
	var decision engine.Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return nil, false
	}
	if decision.Action == "" {
		return nil, false
	}
	return &decision, true
}

// stripBOM removes a UTF-8 BOM and decodes UTF-16 output (either endianness)
// back to UTF-8 so JSON extraction sees plain text. Surrogate pairs are
// combined by utf16.Decode, so non-BMP characters survive the round trip.
func stripBOM(b []byte) []byte {
	if bytes.HasPrefix(b, []byte{0xEF, 0xBB, 0xBF}) {
		return b[3:]
	}
	if len(b) >= 2 && ((b[0] == 0xFF && b[1] == 0xFE) || (b[0] == 0xFE && b[1] == 0xFF)) {
		bigEndian := b[0] == 0xFE
		b = b[2:]
		units := make([]uint16, 0, len(b)/2)
		for i := 0; i+1 < len(b); i += 2 {
			if bigEndian {
				units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
			} else {
				units = append(units, uint16(b[i+1])<<8|uint16(b[i]))
			}
		}
		return []byte(string(utf16.Decode(units)))
	}
	return b
}

// extractJSONObject returns the first balanced top-level JSON object in b,
// or nil. Brace counting is string-aware so braces inside values don't
// truncate the object.
func extractJSONObject(b []byte) []byte {
	start := bytes.IndexByte(b, '{')
	if start < 0 {
		return nil
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(b); i++ {
		c := b[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return b[start : i+1]
			}
		}
	}
	return nil
}
