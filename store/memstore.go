package store

import (
	"context"
	"errors"
	"sync"

	"github.com/petal-labs/petalrun/core"
)

// MemStore keeps runs in memory.
type MemStore struct {
	mu    sync.RWMutex
	runs  map[string]*core.Run
	order []string // insertion order, oldest first
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{runs: make(map[string]*core.Run)}
}

func (s *MemStore) Get(_ context.Context, id string) (*core.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, false, nil
	}
	return run.Clone(), true, nil
}

func (s *MemStore) Save(_ context.Context, run *core.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("memstore: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		s.order = append(s.order, run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemStore) List(_ context.Context, filter ListFilter) ([]*core.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Run
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if !filter.matches(run) {
			continue
		}
		out = append(out, run.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

var _ RunStore = (*MemStore)(nil)
