package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dvloznov/billscan/internal/jobs"
)

// SaveJob implements jobs.JobStore.
func (s *Store) SaveJob(ctx context.Context, job *jobs.ProcessDocumentJob) error {
	if job.JobID == "" {
		return fmt.Errorf("SaveJob: job ID is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, job_type, document_id, status, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		job.JobID, string(job.GetType()), job.DocumentID, string(job.Status), job.Error,
		formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.CompletedAt))
	if err != nil {
		return storeErr("save job", err)
	}
	return nil
}

const jobColumns = `job_id, document_id, status, error, created_at, started_at, completed_at`

func scanJob(row rowScanner) (*jobs.ProcessDocumentJob, error) {
	var (
		job                    jobs.ProcessDocumentJob
		status, createdAt      string
		startedAt, completedAt sql.NullString
	)
	if err := row.Scan(&job.JobID, &job.DocumentID, &status, &job.Error, &createdAt, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	job.Status = jobs.JobStatus(status)

	var err error
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob implements jobs.JobStore.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.ProcessDocumentJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return job, nil
}

// ListJobs implements jobs.JobStore.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.ProcessDocumentJob, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.DocumentID != "" {
		where = append(where, "document_id = ?")
		args = append(args, filter.DocumentID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, limitArg(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs`+whereClause(where)+
		` ORDER BY created_at DESC, job_id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var result []*jobs.ProcessDocumentJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("list jobs", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list jobs", err)
	}
	return result, nil
}

// UpdateJobStatus implements jobs.JobStore.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE job_id = ?`,
		string(status), errorMsg, errorMsg, jobID)
	if err != nil {
		return storeErr("update job status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update job status", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", jobs.ErrJobNotFound, jobID)
	}
	return nil
}

var _ jobs.JobStore = (*Store)(nil)
