// Package queue dispatches run jobs to background workers. Each job carries
// one run; failed attempts are retried with backoff until the attempt budget
// is spent, after which the job is kept in a failed set for inspection.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/petal-labs/petalrun/core"
)

// Queue errors.
var (
	ErrClosed       = errors.New("queue: closed")
	ErrLeaseHeld    = errors.New("queue: lease held by another worker")
	ErrInvalidJob   = errors.New("queue: invalid job")
	ErrLeaseExpired = errors.New("queue: lease expired")
)

// JobPayload is what a producer submits: the canonical run id and the
// scenario snapshot to execute.
type JobPayload struct {
	RunID      string        `json:"runId"`
	ScenarioID string        `json:"scenarioId,omitempty"`
	Scenario   core.Scenario `json:"scenario"`
}

// Validate checks the payload before it is queued.
func (p JobPayload) Validate() error {
	if p.RunID == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidJob)
	}
	if err := p.Scenario.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}
	return nil
}

// Job is a queued payload plus its delivery state.
type Job struct {
	ID      string     `json:"id"`
	Payload JobPayload `json:"payload"`
	// Attempt is the 1-based number of the attempt in progress, or of the
	// last attempt once the job has settled.
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	EnqueuedAt  time.Time  `json:"enqueuedAt"`
	LastError   string     `json:"lastError,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// Stats counts jobs per state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Processor handles one job attempt. A returned error or a panic triggers
// the retry policy.
type Processor interface {
	Process(ctx context.Context, job Job) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, job Job) error

func (f ProcessorFunc) Process(ctx context.Context, job Job) error { return f(ctx, job) }

// Queue is a durable work queue.
type Queue interface {
	// Enqueue adds a job and returns its id.
	Enqueue(ctx context.Context, payload JobPayload) (string, error)
	// Consume runs workers until ctx is done or the queue is closed.
	Consume(ctx context.Context, p Processor) error
	// Failed lists jobs whose attempts are exhausted, newest first.
	Failed(ctx context.Context) ([]Job, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// process runs one attempt, converting a panic into an error.
func process(ctx context.Context, p Processor, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.ID, r, debug.Stack())
		}
	}()
	return p.Process(ctx, job)
}

// Jobs travel as msgpack, keyed by their JSON field names so the encoded
// form matches the API representation.
func encodeJob(job *Job) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(job); err != nil {
		return nil, fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	return buf.Bytes(), nil
}

func decodeJob(data []byte) (*Job, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var job Job
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("queue: decode job: %w", err)
	}
	return &job, nil
}
