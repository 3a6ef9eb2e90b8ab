// Package cdp drives Chrome over the DevTools protocol with chromedp.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/petal-labs/petalrun/browser"
)

// DefaultActionTimeout bounds how long an action waits for its selector.
const DefaultActionTimeout = 30 * time.Second

// Config configures a Launcher.
type Config struct {
	// ExecPath overrides Chrome discovery.
	ExecPath string
	// Headful shows the browser window.
	Headful bool
	// ActionTimeout defaults to DefaultActionTimeout.
	ActionTimeout time.Duration
	Logger        *slog.Logger
}

// Launcher starts one Chrome process per session.
type Launcher struct {
	cfg Config
}

// NewLauncher creates a Launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = DefaultActionTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Launcher{cfg: cfg}
}

var _ browser.Launcher = (*Launcher)(nil)

// Launch starts Chrome and opens a blank tab sized to the viewport.
// chromedp has no video capture, so RecordVideo is ignored and VideoPath
// is always empty.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	width, height := opts.ViewportWidth, opts.ViewportHeight
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 720
	}

	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts, chromedp.WindowSize(width, height))
	if l.cfg.Headful {
		allocOpts = append(allocOpts, chromedp.Flag("headless", false))
	}
	if l.cfg.ExecPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(l.cfg.ExecPath))
	}

	// The browser outlives the launch ctx; Close tears it down.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	s := &Session{
		ctx:     tabCtx,
		cancel:  func() { cancelTab(); cancelAlloc() },
		timeout: l.cfg.ActionTimeout,
		tracing: opts.Trace,
		logger:  l.cfg.Logger,
	}
	if opts.RecordVideo {
		l.cfg.Logger.Debug("video recording is not supported by the cdp driver")
	}
	// The first Run allocates the browser and binds it to the ctx it is
	// given, so it must be the tab ctx itself.
	if err := chromedp.Run(tabCtx); err != nil {
		s.cancel()
		return nil, fmt.Errorf("cdp: launch chrome: %w", err)
	}
	if err := s.run(ctx, chromedp.EmulateViewport(int64(width), int64(height))); err != nil {
		s.cancel()
		return nil, fmt.Errorf("cdp: set viewport: %w", err)
	}
	s.record("launch", "", fmt.Sprintf("%dx%d", width, height), nil)
	return s, nil
}

// Session is one Chrome tab.
type Session struct {
	ctx     context.Context
	cancel  func()
	timeout time.Duration
	tracing bool
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
	trace  []traceEntry
}

var _ browser.Session = (*Session)(nil)

type traceEntry struct {
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Selector string    `json:"selector,omitempty"`
	Value    string    `json:"value,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// run executes actions on the tab, cancelled by either ctx or Close.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return browser.ErrSessionClosed
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// runSelector is run with the action timeout. A timeout while waiting for
// selector is reported as browser.ErrElementNotFound.
func (s *Session) runSelector(ctx context.Context, selector string, actions ...chromedp.Action) error {
	tctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err := s.run(tctx, actions...)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	return err
}

func (s *Session) record(action, selector, value string, err error) {
	if !s.tracing {
		return
	}
	entry := traceEntry{Time: time.Now(), Action: action, Selector: selector, Value: value}
	if err != nil {
		entry.Error = err.Error()
	}
	s.mu.Lock()
	s.trace = append(s.trace, entry)
	s.mu.Unlock()
}

func (s *Session) Goto(ctx context.Context, url string) error {
	err := s.run(ctx, chromedp.Navigate(url))
	s.record("goto", "", url, err)
	return err
}

func (s *Session) Fill(ctx context.Context, selector, text string) error {
	err := s.runSelector(ctx, selector,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, "", chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	s.record("fill", selector, "", err)
	return err
}

func (s *Session) Click(ctx context.Context, selector string) error {
	err := s.runSelector(ctx, selector, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
	s.record("click", selector, "", err)
	return err
}

// queryResult is what the probe scripts evaluate to.
type queryResult struct {
	Found   bool   `json:"found"`
	Text    string `json:"text"`
	Visible bool   `json:"visible"`
}

// probeScript inspects the first element matching selector without
// waiting for it.
func probeScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (el === null) return {found: false, text: "", visible: false};
  const style = window.getComputedStyle(el);
  const rect = el.getBoundingClientRect();
  const visible = style.visibility !== "hidden" && style.display !== "none" && rect.width > 0 && rect.height > 0;
  return {found: true, text: el.textContent || "", visible: visible};
})()`, quoted)
}

func (s *Session) probe(ctx context.Context, selector string) (queryResult, error) {
	var res queryResult
	err := s.run(ctx, chromedp.Evaluate(probeScript(selector), &res))
	return res, err
}

func (s *Session) TextContent(ctx context.Context, selector string) (string, bool, error) {
	res, err := s.probe(ctx, selector)
	s.record("text", selector, res.Text, err)
	if err != nil {
		return "", false, err
	}
	return res.Text, res.Found, nil
}

func (s *Session) IsVisible(ctx context.Context, selector string) (bool, error) {
	res, err := s.probe(ctx, selector)
	s.record("visible", selector, fmt.Sprint(res.Visible), err)
	if err != nil {
		return false, err
	}
	return res.Found && res.Visible, nil
}

func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	var url string
	err := s.run(ctx, chromedp.Location(&url))
	s.record("url", "", url, err)
	return url, err
}

func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.CaptureScreenshot(&buf))
	s.record("screenshot", "", "", err)
	return buf, err
}

func (s *Session) Wait(ctx context.Context, ms int) error {
	s.record("wait", "", fmt.Sprint(ms), nil)
	return browser.Sleep(ctx, ms)
}

// StopTracing writes the recorded actions to path as JSON.
func (s *Session) StopTracing(_ context.Context, path string) error {
	if !s.tracing {
		return nil
	}
	s.mu.Lock()
	entries := append([]traceEntry(nil), s.trace...)
	s.trace = nil
	s.mu.Unlock()

	data, err := json.MarshalIndent(map[string]any{"actions": entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("cdp: encode trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cdp: write trace: %w", err)
	}
	return nil
}

func (s *Session) VideoPath() string { return "" }

// Close shuts the tab and the Chrome process. It is safe to call twice.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	return nil
}
