// Package stream relays execution events from the bus to the observers
// watching a run over SSE or WebSocket.
package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Frame names used besides the event types.
const (
	FrameConnected = "connected"
	FrameSnapshot  = "snapshot"
	FrameEnd       = "end"
)

// EndData is the payload of the terminal sentinel frame.
const EndData = "[DONE]"

var (
	// ErrObserverEnded is returned when sending to an observer that has
	// already received the sentinel.
	ErrObserverEnded = errors.New("stream: observer ended")
	// ErrSlowObserver is returned when an observer's buffer is full.
	ErrSlowObserver = errors.New("stream: observer buffer full")
)

// Frame is one tagged message for an observer. Data is JSON except for the
// end sentinel, whose data is the literal EndData.
type Frame struct {
	Event string
	Data  []byte
}

// IsEnd reports whether f is the end-of-stream sentinel.
func (f Frame) IsEnd() bool {
	return f.Event == FrameEnd
}

func endFrame() Frame {
	return Frame{Event: FrameEnd, Data: []byte(EndData)}
}

// Observer is one connection watching a run. Transports read Frames until
// the channel closes; the last frame before close is always the sentinel.
type Observer struct {
	id     string
	runID  string
	frames chan Frame

	mu      sync.Mutex
	holding bool
	held    []Frame
	ending  bool
	ended   bool
}

func newObserver(runID string, buffer int) *Observer {
	return &Observer{
		id:    uuid.NewString(),
		runID: runID,
		// One extra slot keeps room for the sentinel.
		frames:  make(chan Frame, buffer+1),
		holding: true,
	}
}

// ID identifies the observer.
func (o *Observer) ID() string { return o.id }

// RunID is the run being watched.
func (o *Observer) RunID() string { return o.runID }

// Frames is closed after the sentinel.
func (o *Observer) Frames() <-chan Frame { return o.frames }

// Ended reports whether the sentinel has been queued.
func (o *Observer) Ended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ended
}

// send queues a relayed frame. While the observer is still being set up,
// frames are held back so they land after the snapshot.
func (o *Observer) send(f Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended || o.ending {
		return ErrObserverEnded
	}
	if o.holding {
		if len(o.held) >= cap(o.frames)-1 {
			return ErrSlowObserver
		}
		o.held = append(o.held, f)
		return nil
	}
	return o.push(f)
}

// sendNow queues f ahead of anything held.
func (o *Observer) sendNow(f Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return ErrObserverEnded
	}
	return o.push(f)
}

// release flushes held frames and switches to direct delivery.
func (o *Observer) release() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return ErrObserverEnded
	}
	o.holding = false
	held := o.held
	o.held = nil
	for _, f := range held {
		if err := o.push(f); err != nil {
			o.finish()
			return err
		}
	}
	if o.ending {
		o.finish()
	}
	return nil
}

// end queues the sentinel and closes the stream. A held observer ends
// after its held frames are released. It is idempotent.
func (o *Observer) end() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	if o.holding {
		o.ending = true
		return
	}
	o.finish()
}

// endNow discards held frames and ends immediately.
func (o *Observer) endNow() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.holding = false
	o.held = nil
	o.finish()
}

func (o *Observer) push(f Frame) error {
	if len(o.frames) >= cap(o.frames)-1 {
		return ErrSlowObserver
	}
	o.frames <- f
	return nil
}

// finish must be called with mu held.
func (o *Observer) finish() {
	o.ended = true
	o.frames <- endFrame()
	close(o.frames)
}
