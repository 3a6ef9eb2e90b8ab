package ws_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
	"github.com/petal-labs/petalrun/stream"
	"github.com/petal-labs/petalrun/ws"
)

func setup(t *testing.T) (*httptest.Server, *bus.MemBus, *store.MemStore, *stream.Distributor) {
	t.Helper()
	eb := bus.NewMemBus(bus.MemBusConfig{})
	runs := store.NewMemStore()
	dist, err := stream.NewDistributor(stream.DistributorConfig{Bus: eb, Runs: runs})
	if err != nil {
		t.Fatal(err)
	}
	if err := dist.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	mux.Handle("GET /runs/{run_id}/ws", ws.NewHandler(ws.HandlerConfig{Distributor: dist, PingInterval: 10 * time.Millisecond}))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = dist.Stop()
		_ = eb.Close()
	})
	return srv, eb, runs, dist
}

func dial(t *testing.T, ctx context.Context, srv *httptest.Server, runID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/" + runID + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func read(t *testing.T, ctx context.Context, conn *websocket.Conn) ws.Message {
	t.Helper()
	var msg ws.Message
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("Read: %v", err)
	}
	return msg
}

func waitObservers(t *testing.T, d *stream.Distributor, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for d.Registry().Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("registry len = %d, want %d", d.Registry().Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHandler_StreamsRunEvents(t *testing.T) {
	srv, eb, _, dist := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv, "run-1")
	if msg := read(t, ctx, conn); msg.Event != "connected" {
		t.Fatalf("first message = %s", msg.Event)
	}
	waitObservers(t, dist, 1)

	start := runtime.NewEvent(runtime.EventStepStart, "run-1").WithStep(0, "open", core.StepNavigate)
	done := runtime.NewEvent(runtime.EventRunFinished, "run-1").WithStatus("passed").WithArtifacts("http://v/video.webm", "")
	for _, e := range []runtime.Event{start, done} {
		if _, err := eb.Publish(ctx, bus.ExecutionTopic, e); err != nil {
			t.Fatal(err)
		}
	}

	msg := read(t, ctx, conn)
	var got runtime.Event
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if msg.Event != "STEP_START" || got.StepID != "open" || got.Kind != runtime.EventStepStart {
		t.Errorf("message = %s %+v", msg.Event, got)
	}

	msg = read(t, ctx, conn)
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatal(err)
	}
	if msg.Event != "RUN_FINISHED" || got.Video != "http://v/video.webm" {
		t.Errorf("message = %s %+v", msg.Event, got)
	}

	end := read(t, ctx, conn)
	if end.Event != "end" || string(end.Data) != `"[DONE]"` {
		t.Errorf("sentinel = %s %s", end.Event, end.Data)
	}

	_, _, err := conn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (%v), want normal closure", status, err)
	}
}

func TestHandler_TerminalRunSnapshot(t *testing.T) {
	srv, _, runs, _ := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run := core.NewRun("run-old", core.Scenario{ID: "sc", Name: "x", Steps: []core.Step{
		{ID: "open", Type: core.StepNavigate, URL: "https://example.test"},
	}}, time.Now())
	run.Status = core.RunPassed
	_ = runs.Save(ctx, run)

	conn := dial(t, ctx, srv, "run-old")
	want := []string{"connected", "snapshot", "end"}
	for _, w := range want {
		if msg := read(t, ctx, conn); msg.Event != w {
			t.Errorf("message = %s, want %s", msg.Event, w)
		}
	}
}

func TestHandler_ClientCloseUnregisters(t *testing.T) {
	srv, _, _, dist := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, srv, "run-2")
	read(t, ctx, conn)
	waitObservers(t, dist, 1)

	// Pings keep flowing while idle.
	time.Sleep(50 * time.Millisecond)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil && !errors.Is(err, context.Canceled) {
		t.Logf("close: %v", err)
	}
	waitObservers(t, dist, 0)
}
