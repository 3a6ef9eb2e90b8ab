package stream

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/petal-labs/petalrun/metrics"
)

// DefaultShards is the shard count used when none is given.
const DefaultShards = 32

// Registry tracks the observers of every watched run. Runs are spread over
// independently locked shards by a hash of the run id.
type Registry struct {
	shards []*registryShard
}

type registryShard struct {
	mu   sync.RWMutex
	runs map[string]map[string]*Observer // run id -> observer id -> observer
}

// NewRegistry creates a registry with n shards (DefaultShards if n <= 0).
func NewRegistry(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*registryShard, n)}
	for i := range r.shards {
		r.shards[i] = &registryShard{runs: make(map[string]map[string]*Observer)}
	}
	return r
}

func (r *Registry) shard(runID string) *registryShard {
	return r.shards[xxhash.Sum64String(runID)%uint64(len(r.shards))]
}

// Add registers o under its run.
func (r *Registry) Add(o *Observer) {
	s := r.shard(o.runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.runs[o.runID]
	if !ok {
		set = make(map[string]*Observer)
		s.runs[o.runID] = set
	}
	if _, dup := set[o.id]; !dup {
		set[o.id] = o
		metrics.ObserversActive.Inc()
	}
}

// Remove unregisters o and reports whether it was registered.
func (r *Registry) Remove(o *Observer) bool {
	s := r.shard(o.runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.runs[o.runID]
	if _, ok := set[o.id]; !ok {
		return false
	}
	delete(set, o.id)
	if len(set) == 0 {
		delete(s.runs, o.runID)
	}
	metrics.ObserversActive.Dec()
	return true
}

// Observers returns the observers of runID.
func (r *Registry) Observers(runID string) []*Observer {
	s := r.shard(runID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.runs[runID]
	out := make([]*Observer, 0, len(set))
	for _, o := range set {
		out = append(out, o)
	}
	return out
}

// Drop unregisters every observer of runID and returns them.
func (r *Registry) Drop(runID string) []*Observer {
	s := r.shard(runID)
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.runs[runID]
	delete(s.runs, runID)
	out := make([]*Observer, 0, len(set))
	for _, o := range set {
		out = append(out, o)
	}
	metrics.ObserversActive.Sub(float64(len(out)))
	return out
}

// DropAll unregisters every observer.
func (r *Registry) DropAll() []*Observer {
	var out []*Observer
	for _, s := range r.shards {
		s.mu.Lock()
		for runID, set := range s.runs {
			for _, o := range set {
				out = append(out, o)
			}
			delete(s.runs, runID)
		}
		s.mu.Unlock()
	}
	metrics.ObserversActive.Sub(float64(len(out)))
	return out
}

// Len returns the number of registered observers.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.runs {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

// Runs returns the number of runs with at least one observer.
func (r *Registry) Runs() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.runs)
		s.mu.RUnlock()
	}
	return n
}
