// Package browser defines the automation primitives the step executor needs.
// Concrete drivers live in subpackages; browsertest provides a scripted
// double for tests.
package browser

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by drivers.
var (
	ErrElementNotFound = errors.New("element not found")
	ErrSessionClosed   = errors.New("browser session closed")
)

// LaunchOptions configures a new browser session.
type LaunchOptions struct {
	// ArtifactDir is a scratch directory owned by the run. Drivers write
	// video recordings there.
	ArtifactDir string
	// RecordVideo asks the driver to record the session if it can.
	RecordVideo bool
	// Trace asks the driver to keep an action trace for StopTracing.
	Trace bool
	// ViewportWidth and ViewportHeight default to 1280x720 when zero.
	ViewportWidth  int
	ViewportHeight int
}

// Page is the set of primitives a step can invoke.
type Page interface {
	Goto(ctx context.Context, url string) error
	Fill(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	// TextContent returns the element's text. found is false when no
	// element matches selector; that is not an error.
	TextContent(ctx context.Context, selector string) (text string, found bool, err error)
	IsVisible(ctx context.Context, selector string) (bool, error)
	CurrentURL(ctx context.Context) (string, error)
	// Screenshot returns a PNG of the current viewport.
	Screenshot(ctx context.Context) ([]byte, error)
	Wait(ctx context.Context, ms int) error
}

// Session is one isolated browser context for a single run.
type Session interface {
	Page
	// StopTracing writes the collected trace to path. Drivers that were not
	// asked to trace return nil without writing a file.
	StopTracing(ctx context.Context, path string) error
	// VideoPath returns where the recording will appear once the session is
	// closed, or "" when the session is not recorded.
	VideoPath() string
	Close() error
}

// Launcher opens browser sessions.
type Launcher interface {
	Launch(ctx context.Context, opts LaunchOptions) (Session, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, opts LaunchOptions) (Session, error)

// Launch calls f.
func (f LauncherFunc) Launch(ctx context.Context, opts LaunchOptions) (Session, error) {
	return f(ctx, opts)
}

// Sleep waits for ms milliseconds or until ctx is done. Drivers use it to
// implement Page.Wait.
func Sleep(ctx context.Context, ms int) error {
	if ms <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
