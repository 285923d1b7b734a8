// Package jobs defines background document processing: the job record, the
// queue interfaces and the store that tracks job state for the API.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType names the work a job performs.
type JobType string

// JobTypeProcessDocument runs extraction through persistence for a document
// intake has already stored.
const JobTypeProcessDocument JobType = "process_document"

// JobStatus is where a job is in its lifecycle:
// pending -> running -> completed | failed.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed is terminal. Jobs are never retried; the client
	// re-uploads the document.
	JobStatusFailed JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

var (
	// ErrJobNotFound is returned by a JobStore for an unknown job ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueClosed is returned when publishing to or consuming from a
	// stopped queue.
	ErrQueueClosed = errors.New("job queue is closed")
)

// ProcessDocumentJob asks a worker to run the pipeline for one document.
type ProcessDocumentJob struct {
	JobID       string     `json:"job_id"`
	DocumentID  string     `json:"document_id"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Job is the common view of any queued job.
type Job interface {
	GetID() string
	GetType() JobType
	GetStatus() JobStatus
}

func (j *ProcessDocumentJob) GetID() string        { return j.JobID }
func (j *ProcessDocumentJob) GetType() JobType     { return JobTypeProcessDocument }
func (j *ProcessDocumentJob) GetStatus() JobStatus { return j.Status }

// Prepare fills the ID, status and creation time of a job about to be
// published. Fields already set are kept.
func (j *ProcessDocumentJob) Prepare(now time.Time) error {
	if j.DocumentID == "" {
		return fmt.Errorf("process-document job: document ID is required")
	}
	if j.JobID == "" {
		j.JobID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	return nil
}

// MarkRunning stamps the job as started.
func (j *ProcessDocumentJob) MarkRunning(now time.Time) {
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.CompletedAt = nil
	j.Error = ""
}

// MarkDone stamps the job completed, or failed with err's message.
func (j *ProcessDocumentJob) MarkDone(now time.Time, err error) {
	j.CompletedAt = &now
	if err != nil {
		j.Status = JobStatusFailed
		j.Error = err.Error()
		return
	}
	j.Status = JobStatusCompleted
	j.Error = ""
}

// Publisher enqueues jobs.
type Publisher interface {
	// PublishProcessDocument prepares job, records it as pending and enqueues it.
	PublishProcessDocument(ctx context.Context, job *ProcessDocumentJob) error
	Close() error
}

// Consumer hands queued jobs to a JobHandler.
type Consumer interface {
	// Start launches the workers and returns without waiting for jobs.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops taking new jobs and waits for in-flight ones.
	Stop(ctx context.Context) error
}

// JobHandler processes one job. A returned error marks the job failed.
type JobHandler func(ctx context.Context, job Job) error

// JobStore records job state so it can be queried while jobs run elsewhere.
type JobStore interface {
	// SaveJob inserts or replaces a job.
	SaveJob(ctx context.Context, job *ProcessDocumentJob) error
	GetJob(ctx context.Context, jobID string) (*ProcessDocumentJob, error)
	// ListJobs returns matching jobs, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*ProcessDocumentJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter selects jobs. Zero fields match everything; a zero Limit means
// no limit.
type JobFilter struct {
	DocumentID string
	Status     JobStatus
	Limit      int
	Offset     int
}
