package api

import (
	"sync"

	"github.com/google/uuid"

	"proxysupervisor/internal/pool"
)

// jobStatus is the lifecycle of one async /new_proxy_async request.
type jobStatus string

const (
	jobPending jobStatus = "pending"
	jobDone    jobStatus = "done"
	jobError   jobStatus = "error"
)

// job is the tracked outcome of one async handout request.
type job struct {
	Status jobStatus
	Result pool.Sanitized
	Err    string
}

// jobStore is a tiny in-memory tracker keyed by google/uuid ids, the same
// opaque-id library the teacher already depends on for its own trace/session
// ids (§4.H). It carries no pool invariants of its own.
type jobStore struct {
	mu   sync.Mutex
	jobs map[string]*job
}

func newJobStore() *jobStore {
	return &jobStore{jobs: make(map[string]*job)}
}

// create registers a new pending job and returns its id.
func (s *jobStore) create() string {
	id := uuid.NewString()
	s.mu.Lock()
	s.jobs[id] = &job{Status: jobPending}
	s.mu.Unlock()
	return id
}

// complete records a successful handout result for id.
func (s *jobStore) complete(id string, rec pool.Sanitized) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = jobDone
		j.Result = rec
	}
}

// fail records a failed handout for id.
func (s *jobStore) fail(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = jobError
		j.Err = err.Error()
	}
}

// get returns a copy of the job's current state.
func (s *jobStore) get(id string) (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job{}, false
	}
	return *j, true
}
