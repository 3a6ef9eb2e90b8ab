package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/petal-labs/petalrun/bus"
	"github.com/petal-labs/petalrun/core"
	"github.com/petal-labs/petalrun/metrics"
	"github.com/petal-labs/petalrun/runtime"
)

// DefaultBufferSize is the per-observer frame buffer.
const DefaultBufferSize = 64

var (
	// ErrNotStarted is returned by Register before Start or after Stop.
	ErrNotStarted = errors.New("stream: distributor not running")
	// ErrRunIDRequired is returned by Register for an empty run id.
	ErrRunIDRequired = errors.New("stream: run id is required")
)

// RunGetter loads persisted runs for snapshots. store.RunStore satisfies it.
type RunGetter interface {
	Get(ctx context.Context, id string) (*core.Run, bool, error)
}

// DistributorConfig configures a Distributor.
type DistributorConfig struct {
	Bus bus.EventBus
	// Topic defaults to bus.ExecutionTopic.
	Topic string
	// Runs provides snapshots for newly registered observers. Optional.
	Runs RunGetter
	// Registry defaults to NewRegistry(DefaultShards).
	Registry *Registry
	// ConsolidateSteps collapses FRAME and STEP_END into one STEP event.
	ConsolidateSteps bool
	// BufferSize is the per-observer frame buffer (default 64). Observers
	// that fall this far behind are ended.
	BufferSize int
	Logger     *slog.Logger
}

// Distributor holds one bus subscription for the execution topic and fans
// each event out to the observers of its run.
type Distributor struct {
	bus         bus.EventBus
	topic       string
	runs        RunGetter
	registry    *Registry
	consolidate bool
	bufSize     int
	logger      *slog.Logger

	mu      sync.Mutex
	sub     bus.Subscription
	running bool
	frames  map[frameKey]frameRef
}

type frameKey struct {
	runID string
	index int
}

type frameRef struct {
	url  string
	path string
}

// NewDistributor creates a Distributor. Call Start before registering
// observers.
func NewDistributor(cfg DistributorConfig) (*Distributor, error) {
	if cfg.Bus == nil {
		return nil, errors.New("distributor bus is nil")
	}
	if cfg.Topic == "" {
		cfg.Topic = bus.ExecutionTopic
	}
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry(DefaultShards)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Distributor{
		bus:         cfg.Bus,
		topic:       cfg.Topic,
		runs:        cfg.Runs,
		registry:    cfg.Registry,
		consolidate: cfg.ConsolidateSteps,
		bufSize:     cfg.BufferSize,
		logger:      cfg.Logger,
		frames:      make(map[frameKey]frameRef),
	}, nil
}

// Registry returns the observer registry.
func (d *Distributor) Registry() *Registry {
	return d.registry
}

// Start subscribes to the execution topic. Calling it twice is a no-op.
func (d *Distributor) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	sub, err := d.bus.Subscribe(ctx, d.topic, d.handle)
	if err != nil {
		return fmt.Errorf("distributor: subscribe %s: %w", d.topic, err)
	}
	d.sub = sub
	d.running = true
	d.logger.Info("stream distributor started", "topic", d.topic)
	return nil
}

// Stop closes the subscription and ends every observer.
func (d *Distributor) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	sub := d.sub
	d.sub = nil
	d.frames = make(map[frameKey]frameRef)
	d.mu.Unlock()

	err := sub.Close()
	observers := d.registry.DropAll()
	for _, o := range observers {
		o.end()
	}
	d.logger.Info("stream distributor stopped", "observers_closed", len(observers))
	return err
}

// Register attaches a new observer to runID. The observer first receives
// a connected frame, then a snapshot of the persisted run if one exists,
// then live events. If the run is already terminal the stream ends after
// the snapshot.
func (d *Distributor) Register(ctx context.Context, runID string) (*Observer, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}

	o := newObserver(runID, d.bufSize)
	connected, _ := json.Marshal(map[string]string{"runId": runID})
	_ = o.sendNow(Frame{Event: FrameConnected, Data: connected})

	// Registered before the snapshot is read so nothing published in
	// between is lost; those events are held until the snapshot is queued.
	d.registry.Add(o)
	logger := d.logger.With("run_id", runID, "observer_id", o.id)

	if d.runs != nil {
		run, ok, err := d.runs.Get(ctx, runID)
		switch {
		case err != nil:
			logger.Warn("load run snapshot", "error", err)
		case ok:
			data, err := json.Marshal(run)
			if err != nil {
				logger.Warn("encode run snapshot", "error", err)
				break
			}
			_ = o.sendNow(Frame{Event: FrameSnapshot, Data: data})
			if run.Status.Terminal() {
				d.registry.Remove(o)
				o.endNow()
				logger.Debug("observer registered after run finished", "status", run.Status)
				return o, nil
			}
		}
	}

	if err := o.release(); errors.Is(err, ErrSlowObserver) {
		d.dropSlow(o)
	}
	logger.Debug("observer registered")
	return o, nil
}

// Unregister detaches o. The shared bus subscription is unaffected.
func (d *Distributor) Unregister(o *Observer) {
	if o == nil {
		return
	}
	if d.registry.Remove(o) {
		d.logger.Debug("observer unregistered", "run_id", o.runID, "observer_id", o.id)
	}
	o.end()
}

func (d *Distributor) handle(event runtime.Event) {
	if event.RunID == "" {
		return
	}
	out, relay := d.shape(event)

	var observers []*Observer
	if event.Kind == runtime.EventRunFinished {
		observers = d.registry.Drop(event.RunID)
	} else {
		observers = d.registry.Observers(event.RunID)
	}
	if len(observers) == 0 {
		return
	}

	if relay {
		data, err := json.Marshal(out)
		if err != nil {
			d.logger.Error("encode event", "run_id", event.RunID, "type", event.Kind, "error", err)
		} else {
			frame := Frame{Event: string(out.Kind), Data: data}
			for _, o := range observers {
				switch err := o.send(frame); {
				case err == nil:
					metrics.FramesRelayed.WithLabelValues(frame.Event).Inc()
				case errors.Is(err, ErrSlowObserver):
					d.dropSlow(o)
				}
			}
		}
	}

	if event.Kind == runtime.EventRunFinished {
		for _, o := range observers {
			o.end()
		}
		d.logger.Debug("run stream closed", "run_id", event.RunID, "observers", len(observers))
	}
}

// shape applies step consolidation. relay is false for events that are
// absorbed into a later one.
func (d *Distributor) shape(event runtime.Event) (out runtime.Event, relay bool) {
	if !d.consolidate {
		return event, true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch event.Kind {
	case runtime.EventFrame:
		d.frames[frameKey{event.RunID, event.Index}] = frameRef{url: event.URL, path: event.Path}
		return event, false
	case runtime.EventStepEnd:
		key := frameKey{event.RunID, event.Index}
		ref := d.frames[key]
		delete(d.frames, key)
		out = event
		out.Kind = runtime.EventStep
		return out.WithFrame(ref.url, ref.path), true
	case runtime.EventRunFinished:
		for key := range d.frames {
			if key.runID == event.RunID {
				delete(d.frames, key)
			}
		}
	}
	return event, true
}

func (d *Distributor) dropSlow(o *Observer) {
	d.registry.Remove(o)
	o.end()
	metrics.SlowObserversDropped.Inc()
	d.logger.Warn("dropping slow observer", "run_id", o.runID, "observer_id", o.id)
}
