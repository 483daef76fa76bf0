package stream

// Store is the persistence abstraction for in-flight jobs.
// The registry serialises access; implementations need not be concurrency-safe.
type Store interface {
	GetJob(name Name) (*Job, bool)
	SetJob(j *Job)
	DeleteJob(name Name)
	ListJobs() []*Job
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	jobs map[Name]*Job
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[Name]*Job),
	}
}

// GetJob implements Store.GetJob.
func (s *InMemoryStore) GetJob(name Name) (*Job, bool) {
	j, ok := s.jobs[name]
	return j, ok
}

// SetJob implements Store.SetJob.
func (s *InMemoryStore) SetJob(j *Job) {
	s.jobs[j.Stream] = j
}

// DeleteJob implements Store.DeleteJob.
func (s *InMemoryStore) DeleteJob(name Name) {
	delete(s.jobs, name)
}

// ListJobs implements Store.ListJobs.
func (s *InMemoryStore) ListJobs() []*Job {
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}
