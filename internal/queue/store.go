package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrJobNotFound is returned for unknown and expired jobs.
var ErrJobNotFound = errors.New("job not found")

// Store is an in-memory job store with TTL support. It hands out copies, so
// callers never share a *Job with the worker updating it.
type Store struct {
	jobs           map[string]*Job
	idempotencyMap map[string]string // idempotency_key -> job_id
	mu             sync.RWMutex
	now            func() time.Time
	logger         *zap.Logger

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewStore creates a job store and starts its hourly expiry sweep.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		jobs:           make(map[string]*Job),
		idempotencyMap: make(map[string]string),
		now:            time.Now,
		logger:         logger,
		stopCleanup:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpired removes expired jobs
func (s *Store) cleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	deleted := 0
	for jobID, job := range s.jobs {
		if job.IsExpired(now) {
			if job.IdempotencyKey != "" {
				delete(s.idempotencyMap, job.IdempotencyKey)
			}
			delete(s.jobs, jobID)
			deleted++
		}
	}
	if deleted > 0 {
		s.logger.Info("cleaned up expired jobs", zap.Int("count", deleted))
	}
	return deleted
}

// Stop stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// Save stores a copy of job.
func (s *Store) Save(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	if job.IdempotencyKey != "" {
		s.idempotencyMap[job.IdempotencyKey] = job.ID
	}
}

// GetByIdempotencyKey retrieves a job by idempotency key
func (s *Store) GetByIdempotencyKey(key string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobID, exists := s.idempotencyMap[key]
	if !exists {
		return nil, false
	}
	job, exists := s.jobs[jobID]
	if !exists || job.IsExpired(s.now()) {
		return nil, false
	}
	cp := *job
	return &cp, true
}

// Get returns a copy of the job.
func (s *Store) Get(jobID string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok || job.IsExpired(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *job
	return &cp, nil
}

// Update applies fn to the stored job under the store lock and returns a
// copy of the result. fn returning an error leaves the job unchanged.
func (s *Store) Update(jobID string, fn func(job *Job, now time.Time) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	cp := *job
	if err := fn(&cp, s.now()); err != nil {
		return nil, err
	}
	s.jobs[jobID] = &cp
	out := cp
	return &out, nil
}

// Delete removes a job from the store
func (s *Store) Delete(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.IdempotencyKey != "" {
		delete(s.idempotencyMap, job.IdempotencyKey)
	}
	delete(s.jobs, jobID)
}

// List returns copies of all live jobs.
func (s *Store) List() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.now()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if job.IsExpired(now) {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	return jobs
}
