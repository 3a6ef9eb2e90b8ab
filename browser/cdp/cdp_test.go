package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalrun/browser"
)

func TestProbeScriptQuotesSelector(t *testing.T) {
	script := probeScript(`a[title="x"]`)
	if !strings.Contains(script, `document.querySelector("a[title=\"x\"]")`) {
		t.Errorf("selector not JSON quoted:\n%s", script)
	}
}

func TestStopTracing(t *testing.T) {
	dir := t.TempDir()

	off := &Session{}
	if err := off.StopTracing(context.Background(), filepath.Join(dir, "off.json")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "off.json")); !os.IsNotExist(err) {
		t.Error("trace written for a session that was not tracing")
	}

	on := &Session{tracing: true}
	on.record("click", "#go", "", nil)
	on.record("fill", "#name", "", errors.New("boom"))
	path := filepath.Join(dir, "trace.json")
	if err := on.StopTracing(context.Background(), path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Actions []traceEntry `json:"actions"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Actions) != 2 || got.Actions[0].Selector != "#go" || got.Actions[1].Error != "boom" {
		t.Errorf("actions = %+v", got.Actions)
	}
}

func TestClosedSessionRejectsActions(t *testing.T) {
	s := &Session{ctx: context.Background(), cancel: func() {}}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := s.Goto(context.Background(), "about:blank"); !errors.Is(err, browser.ErrSessionClosed) {
		t.Errorf("Goto after Close = %v, want ErrSessionClosed", err)
	}
}

func findChrome(t *testing.T) string {
	t.Helper()
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	t.Skip("chrome not installed")
	return ""
}

const testPage = `<!doctype html>
<html><body>
<h1 id="title">Welcome</h1>
<input id="name">
<button id="go" onclick="document.getElementById('title').textContent = 'Hi ' + document.getElementById('name').value">Go</button>
<p id="hidden" style="display:none">secret</p>
</body></html>`

func TestSession_AgainstChrome(t *testing.T) {
	chrome := findChrome(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(testPage))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	l := NewLauncher(Config{ExecPath: chrome, ActionTimeout: 2 * time.Second})
	s, err := l.Launch(ctx, browser.LaunchOptions{ViewportWidth: 800, ViewportHeight: 600})
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}
	defer s.Close()

	if err := s.Goto(ctx, srv.URL); err != nil {
		t.Fatalf("Goto: %v", err)
	}
	if err := s.Fill(ctx, "#name", "Ada"); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := s.Click(ctx, "#go"); err != nil {
		t.Fatalf("Click: %v", err)
	}
	text, found, err := s.TextContent(ctx, "#title")
	if err != nil || !found || text != "Hi Ada" {
		t.Errorf("TextContent = %q, %t, %v", text, found, err)
	}
	if _, found, _ := s.TextContent(ctx, "#missing"); found {
		t.Error("missing element reported as found")
	}
	if visible, _ := s.IsVisible(ctx, "#hidden"); visible {
		t.Error("hidden element reported visible")
	}
	if url, _ := s.CurrentURL(ctx); !strings.HasPrefix(url, srv.URL) {
		t.Errorf("CurrentURL = %q", url)
	}
	png, err := s.Screenshot(ctx)
	if err != nil || len(png) < 8 || string(png[1:4]) != "PNG" {
		t.Errorf("Screenshot = %d bytes, %v", len(png), err)
	}
	if err := s.Click(ctx, "#missing"); !errors.Is(err, browser.ErrElementNotFound) {
		t.Errorf("Click(missing) = %v, want ErrElementNotFound", err)
	}
}
