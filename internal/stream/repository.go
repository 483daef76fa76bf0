package stream

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry defines the concurrency-safe contract for tracking creations that
// are currently in flight in this process.
type Registry interface {
	// Begin registers a job for name. It fails with ErrConflict if a job for
	// the same name is already running.
	Begin(name Name, id string) (Job, error)

	// SetPhase moves the job for name to phase. Unknown names are ignored.
	SetPhase(name Name, phase Phase)

	// SetProgress records encode progress for name. Unknown names are ignored.
	SetProgress(name Name, percent float64)

	// SetHasAudio records the probe result for name.
	SetHasAudio(name Name, hasAudio bool)

	// End removes the job for name. Ending an unknown name is a no-op.
	End(name Name)

	// Snapshot returns copies of all running jobs ordered by start time.
	Snapshot() []Job

	// ActiveCount returns the number of running jobs. Used for metrics.
	ActiveCount() int
}

// InMemoryRegistry is a concurrency-safe in-memory implementation of Registry.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRegistry constructs a registry with a default in-memory store.
func NewInMemoryRegistry() *InMemoryRegistry {
	return NewInMemoryRegistryWithStore(NewInMemoryStore())
}

// NewInMemoryRegistryWithStore constructs a registry that uses the given Store.
func NewInMemoryRegistryWithStore(store Store) *InMemoryRegistry {
	return &InMemoryRegistry{store: store, now: time.Now}
}

// Begin implements Registry.Begin.
func (r *InMemoryRegistry) Begin(name Name, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetJob(name); exists {
		return Job{}, fmt.Errorf("%w: %q is being created", ErrConflict, name)
	}
	j := &Job{
		ID:        id,
		Stream:    name,
		Phase:     PhaseStaging,
		StartedAt: r.now().UTC(),
	}
	r.store.SetJob(j)
	return *j, nil
}

// SetPhase implements Registry.SetPhase.
func (r *InMemoryRegistry) SetPhase(name Name, phase Phase) {
	r.update(name, func(j *Job) { j.Phase = phase })
}

// SetProgress implements Registry.SetProgress.
func (r *InMemoryRegistry) SetProgress(name Name, percent float64) {
	r.update(name, func(j *Job) { j.Percent = percent })
}

// SetHasAudio implements Registry.SetHasAudio.
func (r *InMemoryRegistry) SetHasAudio(name Name, hasAudio bool) {
	r.update(name, func(j *Job) { j.HasAudio = hasAudio })
}

func (r *InMemoryRegistry) update(name Name, fn func(*Job)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j, ok := r.store.GetJob(name); ok {
		fn(j)
	}
}

// End implements Registry.End.
func (r *InMemoryRegistry) End(name Name) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.store.DeleteJob(name)
}

// Snapshot implements Registry.Snapshot.
func (r *InMemoryRegistry) Snapshot() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := r.store.ListJobs()
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].Stream < out[k].Stream
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

// ActiveCount implements Registry.ActiveCount.
func (r *InMemoryRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.store.ListJobs())
}
