package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/queue"
	"github.com/petal-labs/petalrun/runtime"
	"github.com/petal-labs/petalrun/store"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e runtime.Event) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return 1, nil
}

func (p *recordingPublisher) all() []runtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runtime.Event(nil), p.events...)
}

var sweepNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runningSince(id string, started time.Time) *core.Run {
	run := core.NewRun(id, testScenario(), started)
	_ = run.Start(started)
	_ = run.Steps[0].Transition(core.StepRunning, started)
	return run
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"@every 1m", false},
		{"@hourly", false},
		{"*/5 * * * *", false},
		{"", true},
		{"CRON_TZ=UTC * * * * *", true},
		{"not a schedule", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %t", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNewSweeper_Validation(t *testing.T) {
	runs := store.NewMemStore()
	locker := queue.NewMemLocker()
	pub := &recordingPublisher{}
	tests := []SweeperConfig{
		{Locker: locker, Publisher: pub},
		{Runs: runs, Publisher: pub},
		{Runs: runs, Locker: locker},
		{Runs: runs, Locker: locker, Publisher: pub, Schedule: "nope"},
	}
	for i, cfg := range tests {
		if _, err := NewSweeper(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestSweeper_AbortsStaleRuns(t *testing.T) {
	ctx := context.Background()
	runs := store.NewMemStore()
	locker := queue.NewMemLocker()
	pub := &recordingPublisher{}

	staleRunning := runningSince("stale-running", sweepNow.Add(-time.Hour))
	freshRunning := runningSince("fresh-running", sweepNow.Add(-5*time.Minute))
	leased := runningSince("leased", sweepNow.Add(-time.Hour))
	stalePending := core.NewRun("stale-pending", testScenario(), sweepNow.Add(-7*time.Hour))
	freshPending := core.NewRun("fresh-pending", testScenario(), sweepNow.Add(-time.Hour))
	finished := core.NewRun("finished", testScenario(), sweepNow.Add(-48*time.Hour))
	finished.Status = core.RunPassed
	for _, r := range []*core.Run{staleRunning, freshRunning, leased, stalePending, freshPending, finished} {
		if err := runs.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	lease, err := locker.Acquire(ctx, queue.RunLeaseKey("leased"), time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer lease.Release(ctx)

	s, err := NewSweeper(SweeperConfig{
		Runs: runs, Locker: locker, Publisher: pub,
		Now: func() time.Time { return sweepNow },
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Errorf("swept = %d, want 2", n)
	}

	want := map[string]core.RunStatus{
		"stale-running": core.RunError,
		"stale-pending": core.RunError,
		"fresh-running": core.RunRunning,
		"fresh-pending": core.RunPending,
		"leased":        core.RunRunning,
		"finished":      core.RunPassed,
	}
	for id, status := range want {
		got, _, _ := runs.Get(ctx, id)
		if got.Status != status {
			t.Errorf("%s status = %s, want %s", id, got.Status, status)
		}
	}

	aborted, _, _ := runs.Get(ctx, "stale-running")
	if aborted.Steps[0].Status != core.StepError || aborted.Steps[1].Status != core.StepSkipped {
		t.Errorf("steps = %s, %s", aborted.Steps[0].Status, aborted.Steps[1].Status)
	}
	if aborted.Error != StaleReason || aborted.EndTime == nil || aborted.Summary == nil || aborted.Summary.Errored != 1 {
		t.Errorf("aborted run = %+v", aborted)
	}
	if held, _ := locker.Held(ctx, queue.RunLeaseKey("stale-running")); held {
		t.Error("sweeper kept the lease")
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("published %d events, want 2", len(events))
	}
	for _, e := range events {
		if e.Kind != runtime.EventRunFinished || e.Status != "error" {
			t.Errorf("event = %+v", e)
		}
	}

	if n, _ := s.RunOnce(ctx); n != 0 {
		t.Errorf("second pass swept %d runs", n)
	}
}

func TestSweeper_StartStop(t *testing.T) {
	ctx := context.Background()
	runs := store.NewMemStore()
	_ = runs.Save(ctx, runningSince("old", time.Now().Add(-time.Hour)))
	pub := &recordingPublisher{}

	s, err := NewSweeper(SweeperConfig{Runs: runs, Locker: queue.NewMemLocker(), Publisher: pub})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.all()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper did not run on start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}
