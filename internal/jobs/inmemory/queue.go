// Package inmemory provides a channel-backed job queue and a map-backed job
// store for single-process deployments.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/billscan/internal/jobs"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/rs/zerolog"
)

// DefaultWorkerCount is used when NewQueue is given a non-positive worker count.
const DefaultWorkerCount = 5

// Queue hands published jobs to a fixed pool of workers over a buffered
// channel. Jobs still buffered when the process exits are lost; their
// documents stay received until the sweeper fails them.
type Queue struct {
	pending     chan *jobs.ProcessDocumentJob
	stopped     chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	store       jobs.JobStore
	workerCount int
	now         func() time.Time
	log         zerolog.Logger
}

// NewQueue creates a queue that buffers up to bufferSize jobs before
// PublishProcessDocument blocks. store may be nil.
func NewQueue(bufferSize, workerCount int, store jobs.JobStore) *Queue {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	return &Queue{
		pending:     make(chan *jobs.ProcessDocumentJob, bufferSize),
		stopped:     make(chan struct{}),
		store:       store,
		workerCount: workerCount,
		now:         time.Now,
		log:         logger.Component(zerolog.Nop(), "jobqueue"),
	}
}

// WithLogger sets the logger used for job lifecycle events.
func (q *Queue) WithLogger(log zerolog.Logger) *Queue {
	q.log = logger.Component(log, "jobqueue")
	return q
}

func (q *Queue) isStopped() bool {
	select {
	case <-q.stopped:
		return true
	default:
		return false
	}
}

// PublishProcessDocument implements jobs.Publisher.
func (q *Queue) PublishProcessDocument(ctx context.Context, job *jobs.ProcessDocumentJob) error {
	if q.isStopped() {
		return jobs.ErrQueueClosed
	}
	if err := job.Prepare(q.now()); err != nil {
		return err
	}
	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("record job %s: %w", job.JobID, err)
		}
	}

	// Workers own the queued value; the caller keeps its own copy.
	queued := *job
	select {
	case q.pending <- &queued:
		q.log.Debug().Str("job_id", job.JobID).Str("document_id", job.DocumentID).Msg("Job queued")
		return nil
	case <-ctx.Done():
		q.abandon(job, ctx.Err())
		return ctx.Err()
	case <-q.stopped:
		q.abandon(job, jobs.ErrQueueClosed)
		return jobs.ErrQueueClosed
	}
}

// abandon marks a recorded job failed when it never reached a worker.
func (q *Queue) abandon(job *jobs.ProcessDocumentJob, cause error) {
	if q.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.store.UpdateJobStatus(ctx, job.JobID, jobs.JobStatusFailed, "not queued: "+cause.Error()); err != nil {
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to record abandoned job")
	}
}

// Start implements jobs.Consumer. Up to workerCount jobs run at once.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	if q.isStopped() {
		return jobs.ErrQueueClosed
	}
	for i := 0; i < q.workerCount; i++ {
		q.wg.Add(1)
		go q.work(ctx, handler)
	}
	return nil
}

func (q *Queue) work(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stopped:
			return
		case job := <-q.pending:
			q.run(ctx, job, handler)
		}
	}
}

// run executes one job exactly once. A panicking handler fails the job.
func (q *Queue) run(ctx context.Context, job *jobs.ProcessDocumentJob, handler jobs.JobHandler) {
	job.MarkRunning(q.now())
	q.record(ctx, job)

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("job handler panicked: %v", r)
			}
		}()
		return handler(ctx, job)
	}()

	job.MarkDone(q.now(), err)
	q.record(ctx, job)

	event := q.log.Info()
	if err != nil {
		event = q.log.Warn().Err(err)
	}
	event.Str("job_id", job.JobID).
		Str("document_id", job.DocumentID).
		Str("status", string(job.Status)).
		Dur("duration", job.CompletedAt.Sub(*job.StartedAt)).
		Msg("Job finished")
}

// record saves job state even when ctx has been cancelled by shutdown.
func (q *Queue) record(ctx context.Context, job *jobs.ProcessDocumentJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("Failed to record job state")
	}
}

// Stop implements jobs.Consumer. Running jobs finish; buffered jobs are
// left unprocessed.
func (q *Queue) Stop(ctx context.Context) error {
	q.stopOnce.Do(func() { close(q.stopped) })

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements jobs.Publisher.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
