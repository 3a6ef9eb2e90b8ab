// Package store persists run records.
package store

import (
	"context"
	"errors"

	"github.com/petal-labs/petalrun/core"
)

// ErrRunNotFound is returned by Delete for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	// Statuses keeps runs in any of the given statuses.
	Statuses []core.RunStatus
	// ScenarioID keeps runs of one scenario.
	ScenarioID string
	// Limit caps the result size (0 means no limit).
	Limit int
}

func (f ListFilter) matches(run *core.Run) bool {
	if f.ScenarioID != "" && run.ScenarioID != f.ScenarioID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if run.Status == s {
			return true
		}
	}
	return false
}

// RunStore provides CRUD operations for runs. Implementations copy on read
// and write, so callers may mutate what they pass in or get back.
type RunStore interface {
	// Get returns the run with id; ok is false when it does not exist.
	Get(ctx context.Context, id string) (run *core.Run, ok bool, err error)
	// Save creates or replaces a run.
	Save(ctx context.Context, run *core.Run) error
	// List returns runs newest first.
	List(ctx context.Context, filter ListFilter) ([]*core.Run, error)
	// Delete removes a run.
	Delete(ctx context.Context, id string) error
}
