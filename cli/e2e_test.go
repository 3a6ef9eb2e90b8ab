package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalrun/browser"
	"github.com/petal-labs/petalrun/browser/browsertest"
	"github.com/petal-labs/petalrun/config"
	"github.com/petal-labs/petalrun/server"
)

// TestServeStack_EndToEnd submits a run over HTTP, follows it over SSE and
// checks the persisted result, with every component wired the way serve
// wires them.
func TestServeStack_EndToEnd(t *testing.T) {
	release := make(chan struct{})
	page := browsertest.NewPage().
		SetElement("h1", browsertest.Element{Text: "Welcome", Visible: true})
	page.Before = func(ctx context.Context, action, _ string) error {
		if action != "goto" {
			return nil
		}
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	prev := newLauncher
	newLauncher = func(config.BrowserConfig, *slog.Logger) browser.Launcher {
		return browsertest.NewLauncher(page)
	}
	t.Cleanup(func() { newLauncher = prev })

	dir := t.TempDir()
	cfg := config.Config{
		Store:     config.StoreConfig{Backend: config.BackendMemory},
		Artifacts: config.ArtifactConfig{Dir: filepath.Join(dir, "artifacts")},
		Executor:  config.ExecutorConfig{WorkDir: dir, ScreenshotEveryStep: true},
	}
	cfg.Worker.Sweep.Disabled = true
	cfg.ApplyDefaults()

	st := newStack(cfg, nil)
	t.Cleanup(func() { _ = st.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runs, err := st.store()
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := st.queue()
	if err != nil {
		t.Fatal(err)
	}
	dist, err := st.distributor()
	if err != nil {
		t.Fatal(err)
	}
	if err := dist.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = dist.Stop() }()
	proc, err := st.processor(ctx)
	if err != nil {
		t.Fatal(err)
	}
	consumed := make(chan error, 1)
	go func() { consumed <- jobs.Consume(ctx, proc) }()

	api := server.NewServer(server.ServerConfig{
		Runs:        runs,
		Queue:       jobs,
		Distributor: dist,
		ArtifactDir: st.localArtifactDir(),
	})
	ts := httptest.NewServer(api.Handler())
	defer ts.Close()

	body := `{"runId":"run-e2e","scenario":` + passingScenarioJSON + `}`
	resp, err := http.Post(ts.URL+"/api/runs", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("create run status = %d, want 202", resp.StatusCode)
	}

	stream, err := http.Get(ts.URL + "/api/runs/run-e2e/events")
	if err != nil {
		t.Fatal(err)
	}
	defer stream.Body.Close()

	var events []string
	scanner := bufio.NewScanner(stream.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		name, ok := strings.CutPrefix(scanner.Text(), "event: ")
		if !ok {
			continue
		}
		events = append(events, name)
		if name == "connected" {
			close(release)
		}
		if name == "end" {
			break
		}
	}
	if len(events) == 0 || events[0] != "connected" || events[len(events)-1] != "end" {
		t.Fatalf("events = %v, want connected first and end last", events)
	}
	for _, want := range []string{"STEP_START", "FRAME", "STEP_END", "RUN_FINISHED"} {
		if !containsString(events, want) {
			t.Errorf("events = %v, missing %s", events, want)
		}
	}

	got, err := http.Get(ts.URL + "/api/runs/run-e2e")
	if err != nil {
		t.Fatal(err)
	}
	defer got.Body.Close()
	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		JobID  string `json:"jobId"`
		Steps  []struct {
			Status      string            `json:"status"`
			Screenshots []json.RawMessage `json:"screenshots"`
		} `json:"steps"`
	}
	if err := json.NewDecoder(got.Body).Decode(&run); err != nil {
		t.Fatal(err)
	}
	if run.Status != "passed" || run.JobID == "" {
		t.Errorf("run = %+v, want passed with a job id", run)
	}
	for i, step := range run.Steps {
		if step.Status != "passed" || len(step.Screenshots) != 1 {
			t.Errorf("step %d = %s with %d screenshots, want passed with 1", i, step.Status, len(step.Screenshots))
		}
	}

	cancel()
	select {
	case <-consumed:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
