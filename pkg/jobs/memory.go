package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/impact-engine/pkg/apperrors"
	"github.com/ekaya-inc/impact-engine/pkg/models"
)

// MemoryJobStore is the process-local JobStore backend. A single mutex
// gives the same reserve-or-get / compare-and-complete atomicity the
// Redis backend gets from scripting. Suitable for tests and
// single-process deployments.
type MemoryJobStore struct {
	mu     sync.Mutex
	jobTTL time.Duration

	byDedup map[string]*memoryJob
	byID    map[uuid.UUID]string
}

type memoryJob struct {
	job       models.ImpactJob
	expiresAt time.Time
}

// NewMemoryJobStore creates an empty in-memory job store.
func NewMemoryJobStore(jobTTL time.Duration) *MemoryJobStore {
	return &MemoryJobStore{
		jobTTL:  jobTTL,
		byDedup: make(map[string]*memoryJob),
		byID:    make(map[uuid.UUID]string),
	}
}

var _ JobStore = (*MemoryJobStore)(nil)

func (s *MemoryJobStore) GetOrCreate(ctx context.Context, candidate *models.ImpactJob) (*models.ImpactJob, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := KeyFor(candidate).String()
	now := time.Now()

	if entry, ok := s.byDedup[key]; ok && entry.expiresAt.After(now) && entry.job.Status != models.JobStatusFailed {
		found := entry.job
		return &found, false, nil
	}

	// Absent, expired, or failed: reserve a fresh job under this key.
	if entry, ok := s.byDedup[key]; ok {
		delete(s.byID, entry.job.JobID)
	}

	job := *candidate
	if job.JobID == uuid.Nil {
		job.JobID = uuid.New()
	}
	job.Status = models.JobStatusQueued
	job.Progress = 0
	job.CreatedAt = now
	job.UpdatedAt = now

	s.byDedup[key] = &memoryJob{job: job, expiresAt: now.Add(s.jobTTL)}
	s.byID[job.JobID] = key

	created := job
	return &created, true, nil
}

func (s *MemoryJobStore) Update(ctx context.Context, jobID uuid.UUID, status *models.JobStatus, progress *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookupLocked(jobID)
	if err != nil {
		return err
	}
	if status != nil {
		entry.job.Status = *status
	}
	if progress != nil {
		entry.job.Progress = *progress
	}
	entry.job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryJobStore) Finish(ctx context.Context, jobID uuid.UUID, graph *models.ImpactGraph, jobErr error) error {
	if (graph == nil) == (jobErr == nil) {
		return fmt.Errorf("finish requires exactly one of graph or error")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.lookupLocked(jobID)
	if err != nil {
		return err
	}

	entry.job.UpdatedAt = time.Now()
	if graph != nil {
		entry.job.Status = models.JobStatusDone
		entry.job.Progress = 100
		entry.job.Result = graph
		entry.job.Error = ""
		return nil
	}
	entry.job.Status = models.JobStatusFailed
	entry.job.Error = jobErr.Error()
	return nil
}

func (s *MemoryJobStore) Get(ctx context.Context, projectID, jobID uuid.UUID) (*models.ImpactJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.byID[jobID]
	if !ok {
		return nil, nil
	}
	entry, ok := s.byDedup[key]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, nil
	}
	if entry.job.ProjectID != projectID {
		return nil, nil
	}
	found := entry.job
	return &found, nil
}

func (s *MemoryJobStore) lookupLocked(jobID uuid.UUID) (*memoryJob, error) {
	key, ok := s.byID[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}
	entry, ok := s.byDedup[key]
	if !ok || entry.job.JobID != jobID {
		return nil, fmt.Errorf("job %s: %w", jobID, apperrors.ErrNotFound)
	}
	return entry, nil
}

// MemoryResultCache is the process-local ResultCache backend.
type MemoryResultCache struct {
	mu       sync.Mutex
	cacheTTL time.Duration
	entries  map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	graph     models.ImpactGraph
	expiresAt time.Time
}

// NewMemoryResultCache creates an empty in-memory result cache.
func NewMemoryResultCache(cacheTTL time.Duration) *MemoryResultCache {
	return &MemoryResultCache{
		cacheTTL: cacheTTL,
		entries:  make(map[string]memoryCacheEntry),
	}
}

var _ ResultCache = (*MemoryResultCache)(nil)

func (c *MemoryResultCache) Get(ctx context.Context, key DedupKey) (*models.ImpactGraph, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(key)]
	if !ok || !entry.expiresAt.After(time.Now()) {
		return nil, nil
	}
	graph := entry.graph
	return &graph, nil
}

func (c *MemoryResultCache) Put(ctx context.Context, key DedupKey, graph *models.ImpactGraph) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[cacheKey(key)] = memoryCacheEntry{
		graph:     *graph,
		expiresAt: time.Now().Add(c.cacheTTL),
	}
	return nil
}
