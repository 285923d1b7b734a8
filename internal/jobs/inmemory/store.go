package inmemory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/billscan/internal/jobs"
)

// Store is a map-backed jobs.JobStore. Jobs are copied in and out so callers
// never share state with the store.
type Store struct {
	mu   sync.RWMutex
	byID map[string]jobs.ProcessDocumentJob
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{byID: make(map[string]jobs.ProcessDocumentJob)}
}

// SaveJob implements jobs.JobStore.
func (s *Store) SaveJob(ctx context.Context, job *jobs.ProcessDocumentJob) error {
	if job.JobID == "" {
		return errors.New("SaveJob: job ID is required")
	}
	s.mu.Lock()
	s.byID[job.JobID] = *job
	s.mu.Unlock()
	return nil
}

// GetJob implements jobs.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ProcessDocumentJob, error) {
	s.mu.RLock()
	job, ok := s.byID[jobID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("GetJob: %w: %s", jobs.ErrJobNotFound, jobID)
	}
	return &job, nil
}

// ListJobs implements jobs.JobStore. Ties on creation time are broken by
// job ID so paging is stable.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ProcessDocumentJob, error) {
	s.mu.RLock()
	matched := make([]*jobs.ProcessDocumentJob, 0, len(s.byID))
	for _, job := range s.byID {
		if filter.DocumentID != "" && job.DocumentID != filter.DocumentID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		job := job
		matched = append(matched, &job)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.JobID > b.JobID
	})

	if filter.Offset >= len(matched) {
		return []*jobs.ProcessDocumentJob{}, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// UpdateJobStatus implements jobs.JobStore. An empty errorMsg keeps the
// previous error.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byID[jobID]
	if !ok {
		return fmt.Errorf("UpdateJobStatus: %w: %s", jobs.ErrJobNotFound, jobID)
	}
	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}
	s.byID[jobID] = job
	return nil
}

var _ jobs.JobStore = (*Store)(nil)
