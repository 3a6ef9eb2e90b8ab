package queue

import (
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

const maxBackoff = time.Hour

// BackoffOptions controls the delay before a retry.
type BackoffOptions struct {
	Type  string
	Delay time.Duration
}

// Options configures retry and retention.
type Options struct {
	// Attempts is the total number of tries per job (default 3).
	Attempts int
	Backoff  BackoffOptions
	// RemoveOnComplete drops the job record after success.
	RemoveOnComplete bool
	// RemoveOnFail drops the job record after the last failed attempt
	// instead of keeping it in the failed set.
	RemoveOnFail bool
	// Concurrency is the number of jobs processed at once (default 1).
	Concurrency int
	Logger      *slog.Logger
}

// DefaultOptions returns 3 attempts, exponential backoff from 1s, drop on
// success and keep on failure.
func DefaultOptions() Options {
	return Options{
		Attempts:         3,
		Backoff:          BackoffOptions{Type: BackoffExponential, Delay: time.Second},
		RemoveOnComplete: true,
		RemoveOnFail:     false,
		Concurrency:      1,
	}
}

func (o Options) withDefaults() Options {
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Delay returns the wait before the retry that follows failed attempt
// number attempt (1-based): Delay, 2*Delay, 4*Delay... for exponential.
func (o Options) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if o.Backoff.Type == BackoffFixed {
		return o.Backoff.Delay
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.Backoff.Delay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxBackoff,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
