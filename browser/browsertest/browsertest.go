// Package browsertest provides a scripted in-memory browser for tests.
package browsertest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/petal-labs/petalrun/browser"
)

// PNG is the image returned by Screenshot unless Page.Image is set.
var PNG = []byte("\x89PNG\r\n\x1a\nfake")

// Element is a scripted DOM node.
type Element struct {
	Text    string
	Visible bool
	// Navigate, when set, is the URL the page moves to after a click.
	Navigate string
}

// Page is the scripted state shared by every session a Launcher opens.
type Page struct {
	mu       sync.Mutex
	url      string
	elements map[string]*Element
	values   map[string]string
	calls    []string

	// Image overrides the screenshot bytes.
	Image []byte
	// ScreenshotErr makes every Screenshot call fail.
	ScreenshotErr error
	// Before runs ahead of every primitive with the action name (for
	// example "goto", "click") and may block or return an error.
	Before func(ctx context.Context, action, target string) error
}

// NewPage creates an empty page at about:blank.
func NewPage() *Page {
	return &Page{
		url:      "about:blank",
		elements: make(map[string]*Element),
		values:   make(map[string]string),
	}
}

// SetElement adds or replaces the element matched by selector.
func (p *Page) SetElement(selector string, el Element) *Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := el
	p.elements[selector] = &e
	return p
}

// Calls returns the primitives invoked so far as "action target" strings.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Value returns what Fill typed into selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

func (p *Page) record(ctx context.Context, action, target string) error {
	p.mu.Lock()
	p.calls = append(p.calls, action+" "+target)
	before := p.Before
	p.mu.Unlock()
	if before != nil {
		if err := before(ctx, action, target); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func (p *Page) Goto(ctx context.Context, url string) error {
	if err := p.record(ctx, "goto", url); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) Fill(ctx context.Context, selector, text string) error {
	if err := p.record(ctx, "fill", selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.elements[selector]; !ok {
		return fmt.Errorf("fill %q: %w", selector, browser.ErrElementNotFound)
	}
	p.values[selector] = text
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.record(ctx, "click", selector); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return fmt.Errorf("click %q: %w", selector, browser.ErrElementNotFound)
	}
	if el.Navigate != "" {
		p.url = el.Navigate
	}
	return nil
}

func (p *Page) TextContent(ctx context.Context, selector string) (string, bool, error) {
	if err := p.record(ctx, "text", selector); err != nil {
		return "", false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	if !ok {
		return "", false, nil
	}
	return el.Text, true, nil
}

func (p *Page) IsVisible(ctx context.Context, selector string) (bool, error) {
	if err := p.record(ctx, "visible", selector); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	el, ok := p.elements[selector]
	return ok && el.Visible, nil
}

func (p *Page) CurrentURL(ctx context.Context) (string, error) {
	if err := p.record(ctx, "url", ""); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	if err := p.record(ctx, "screenshot", ""); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ScreenshotErr != nil {
		return nil, p.ScreenshotErr
	}
	if p.Image != nil {
		return append([]byte(nil), p.Image...), nil
	}
	return append([]byte(nil), PNG...), nil
}

func (p *Page) Wait(ctx context.Context, ms int) error {
	if err := p.record(ctx, "wait", fmt.Sprint(ms)); err != nil {
		return err
	}
	return browser.Sleep(ctx, ms)
}

// Launcher opens sessions over a shared Page.
type Launcher struct {
	Page *Page
	// LaunchErr makes Launch fail.
	LaunchErr error
	// TraceErr makes StopTracing fail.
	TraceErr error
	// Video, when non-nil, is written as the recording on Close.
	Video []byte

	mu       sync.Mutex
	sessions []*Session
}

// NewLauncher creates a launcher over page. A nil page gets a fresh one.
func NewLauncher(page *Page) *Launcher {
	if page == nil {
		page = NewPage()
	}
	return &Launcher{Page: page}
}

// Launch opens a new session.
func (l *Launcher) Launch(ctx context.Context, opts browser.LaunchOptions) (browser.Session, error) {
	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &Session{Page: l.Page, opts: opts, traceErr: l.TraceErr}
	if l.Video != nil && opts.RecordVideo && opts.ArtifactDir != "" {
		s.video = append([]byte(nil), l.Video...)
		s.videoPath = filepath.Join(opts.ArtifactDir, "video.webm")
	}
	l.mu.Lock()
	l.sessions = append(l.sessions, s)
	l.mu.Unlock()
	return s, nil
}

// Sessions returns every session launched so far.
func (l *Launcher) Sessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Session(nil), l.sessions...)
}

// Session is a scripted browser.Session.
type Session struct {
	*Page
	opts      browser.LaunchOptions
	traceErr  error
	video     []byte
	videoPath string

	mu     sync.Mutex
	closed bool
	traced bool
}

// StopTracing writes the recorded calls as JSON to path.
func (s *Session) StopTracing(_ context.Context, path string) error {
	if s.traceErr != nil {
		return s.traceErr
	}
	if !s.opts.Trace {
		return nil
	}
	data, err := json.Marshal(map[string]any{"calls": s.Calls()})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}
	s.mu.Lock()
	s.traced = true
	s.mu.Unlock()
	return nil
}

// VideoPath returns the recording path when the launcher has a Video.
func (s *Session) VideoPath() string {
	return s.videoPath
}

// Close ends the session and writes the recording.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.videoPath != "" {
		return os.WriteFile(s.videoPath, s.video, 0o600)
	}
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Compile-time interface checks.
var (
	_ browser.Launcher = (*Launcher)(nil)
	_ browser.Session  = (*Session)(nil)
)
