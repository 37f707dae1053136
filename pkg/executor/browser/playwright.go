package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/playwright-community/playwright-go"

	"github.com/entrhq/cadence/pkg/logging"
)

// Default viewport for playwright sessions.
const (
	defaultViewportWidth  = 1280
	defaultViewportHeight = 800
)

// pwSession bundles the playwright resources behind one session id.
type pwSession struct {
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
}

// PlaywrightDriver serves the host backend in-process through playwright-go.
// One chromium browser context per session id; session ids persisted by a
// previous engine process are honored by lazily recreating their resources.
// The container backend is never served by this driver.
type PlaywrightDriver struct {
	mu          sync.Mutex
	pw          *playwright.Playwright
	sessions    map[string]*pwSession
	headless    bool
	initialized bool
	logger      *logging.Logger
}

// NewPlaywrightDriver creates the in-process automation driver.
func NewPlaywrightDriver(headless bool, logger *logging.Logger) *PlaywrightDriver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &PlaywrightDriver{
		sessions: make(map[string]*pwSession),
		headless: headless,
		logger:   logger,
	}
}

// initialize installs and starts the playwright runtime once, discarding the
// installer's output so it cannot pollute the decision stream.
func (d *PlaywrightDriver) initialize() error {
	if d.initialized {
		return nil
	}
	opts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(opts); err != nil {
		return fmt.Errorf("failed to install playwright: %w", err)
	}
	pw, err := playwright.Run(opts)
	if err != nil {
		return fmt.Errorf("failed to start playwright: %w", err)
	}
	d.pw = pw
	d.initialized = true
	return nil
}

// StartSession implements Driver.
func (d *PlaywrightDriver) StartSession(ctx context.Context, backend Backend) (Session, error) {
	if backend != BackendHost {
		return Session{}, fmt.Errorf("playwright driver cannot serve the %s backend", backend)
	}
	id := uuid.New().String()
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.ensureLocked(id); err != nil {
		return Session{}, err
	}
	return Session{ID: id, Backend: BackendHost}, nil
}

// ensureLocked returns the live resources for a session id, creating them if
// the id is new to this process. Caller holds d.mu.
func (d *PlaywrightDriver) ensureLocked(id string) (*pwSession, error) {
	if sess, ok := d.sessions[id]; ok {
		return sess, nil
	}
	if err := d.initialize(); err != nil {
		return nil, err
	}

	browser, err := d.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.headless),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{Width: defaultViewportWidth, Height: defaultViewportHeight},
	})
	if err != nil {
		browser.Close()
		return nil, fmt.Errorf("failed to create context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	sess := &pwSession{browser: browser, context: bctx, page: page}
	d.sessions[id] = sess
	d.logger.Debugf("created playwright session %s", id)
	return sess, nil
}

// automationPrompt is the structured prompt understood by this driver.
type automationPrompt struct {
	URL      string `json:"url"`
	Script   string `json:"script,omitempty"`
	Selector string `json:"selector,omitempty"`
}

// automationResult is the artifact written to the effect's output path.
type automationResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Content string `json:"content,omitempty"`
	Value   any    `json:"value,omitempty"`
}

// Run implements Driver: navigate, optionally evaluate a script, capture the
// page, and write the result artifact.
func (d *PlaywrightDriver) Run(ctx context.Context, sess Session, prompt, outputPath string) error {
	var req automationPrompt
	if err := json.Unmarshal([]byte(prompt), &req); err != nil {
		return fmt.Errorf("failed to parse automation prompt: %w", err)
	}
	if req.URL == "" {
		return fmt.Errorf("automation prompt has no url")
	}

	d.mu.Lock()
	live, err := d.ensureLocked(sess.ID)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	if _, err := live.page.Goto(req.URL); err != nil {
		return fmt.Errorf("navigation failed: %w", err)
	}

	result := automationResult{URL: live.page.URL()}
	if result.Title, err = live.page.Title(); err != nil {
		return fmt.Errorf("failed to read page title: %w", err)
	}

	if req.Script != "" {
		value, err := live.page.Evaluate(req.Script)
		if err != nil {
			return fmt.Errorf("script evaluation failed: %w", err)
		}
		result.Value = value
	}

	selector := req.Selector
	if selector == "" {
		selector = "body"
	}
	if element, err := live.page.QuerySelector(selector); err == nil && element != nil {
		if text, err := element.TextContent(); err == nil {
			result.Content = text
		}
	}

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode automation result: %w", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write automation result: %w", err)
	}
	return nil
}

// StopSession implements Driver. Resource close errors are ignored so that
// cleanup always proceeds.
func (d *PlaywrightDriver) StopSession(ctx context.Context, sess Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	live, ok := d.sessions[sess.ID]
	if !ok {
		return nil
	}
	_ = live.page.Close()
	_ = live.context.Close()
	_ = live.browser.Close()
	delete(d.sessions, sess.ID)
	return nil
}

// Close tears down every session and stops the playwright runtime.
func (d *PlaywrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, live := range d.sessions {
		_ = live.page.Close()
		_ = live.context.Close()
		_ = live.browser.Close()
		delete(d.sessions, id)
	}
	if d.initialized && d.pw != nil {
		if err := d.pw.Stop(); err != nil {
			return fmt.Errorf("failed to stop playwright: %w", err)
		}
		d.initialized = false
	}
	return nil
}
