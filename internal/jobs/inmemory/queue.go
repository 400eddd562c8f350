package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dvloznov/deal-confidence/internal/domain"
	"github.com/dvloznov/deal-confidence/internal/jobs"
	"github.com/dvloznov/deal-confidence/internal/metrics"
)

// Options sizes a Queue. Zero values take the defaults below.
type Options struct {
	Workers      int
	BufferSize   int
	MaxRetries   int
	RetryBackoff time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

const (
	defaultWorkers      = 5
	defaultBufferSize   = 100
	defaultMaxRetries   = 3
	defaultRetryBackoff = time.Second
)

// Queue is an in-memory implementation of job publisher and consumer.
// It uses Go channels for job distribution and is safe for concurrent use.
// It suits single-instance deployments and tests.
type Queue struct {
	jobChan   chan *jobs.RecomputeJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	retryWG   sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	closed    bool
	started   bool
	timers    map[string]pendingRetry
	baseCtx   context.Context
	opts      Options
	log       zerolog.Logger
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(opts Options, store jobs.JobStore) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Queue{
		jobChan:   make(chan *jobs.RecomputeJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		timers:    make(map[string]pendingRetry),
		baseCtx:   context.Background(),
		opts:      opts,
		log:       opts.Logger.With().Str("component", "job_queue").Logger(),
	}
}

// PublishRecompute implements the Publisher interface.
func (q *Queue) PublishRecompute(ctx context.Context, job *jobs.RecomputeJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return fmt.Errorf("inmemory.PublishRecompute: %w", domain.ErrQueueClosed)
	}
	if job.DealID == "" || !job.Trigger.Valid() {
		return fmt.Errorf("inmemory.PublishRecompute: deal %q trigger %q: %w", job.DealID, job.Trigger, domain.ErrInvalidInput)
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("inmemory.PublishRecompute: save job: %w", err)
		}
	}
	return q.enqueue(ctx, job)
}

func (q *Queue) enqueue(ctx context.Context, job *jobs.RecomputeJob) error {
	select {
	case q.jobChan <- job:
		q.opts.Metrics.SetQueueDepth(len(q.jobChan))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("inmemory.PublishRecompute: %w", domain.ErrQueueClosed)
	}
}

// Start implements the Consumer interface. It launches the configured
// number of workers, each calling handler for one job at a time.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("inmemory.Start: %w", domain.ErrQueueClosed)
	}
	if q.started {
		return fmt.Errorf("inmemory.Start: queue already started")
	}
	q.started = true
	q.baseCtx = ctx

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	q.log.Info().Int("workers", q.opts.Workers).Msg("job queue started")
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.opts.Metrics.SetQueueDepth(len(q.jobChan))
			q.processJob(ctx, job, handler)
		}
	}
}

// processJob executes a single job and either finishes it or schedules a
// retry with linear backoff.
func (q *Queue) processJob(ctx context.Context, job *jobs.RecomputeJob, handler jobs.JobHandler) {
	log := q.log.With().
		Str("job_id", job.JobID).
		Str("deal_id", job.DealID).
		Str("trigger", string(job.Trigger)).
		Int("attempt", job.RetryCount+1).
		Logger()

	job.Status = jobs.JobStatusRunning
	now := time.Now().UTC()
	job.StartedAt = &now
	job.CompletedAt = nil
	q.save(ctx, job)

	err := q.safeHandle(ctx, job, handler)

	completedAt := time.Now().UTC()
	job.CompletedAt = &completedAt

	if err == nil {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
		log.Info().Str("run_id", job.RunID).Msg("job completed")
		q.opts.Metrics.JobFinished(string(job.Status))
		q.save(ctx, job)
		return
	}

	job.Error = err.Error()
	if jobs.Retryable(err) && job.RetryCount < job.MaxRetries {
		log.Warn().Err(err).Msg("job failed, retrying")
		if q.scheduleRetry(ctx, job) {
			q.opts.Metrics.JobRetried()
			return
		}
	}

	job.Status = jobs.JobStatusFailed
	ev := log.Error().Err(err)
	if domain.IsIntegrityViolation(err) {
		ev = ev.Bool("integrity_violation", true)
	}
	ev.Msg("job failed")
	q.opts.Metrics.JobFinished(string(job.Status))
	q.save(ctx, job)
}

func (q *Queue) safeHandle(ctx context.Context, job *jobs.RecomputeJob, handler jobs.JobHandler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// scheduleRetry marks job as retrying and re-enqueues it after
// RetryCount × RetryBackoff. It reports false once the queue is closed.
// The job must not be touched by the caller after a true return.
func (q *Queue) scheduleRetry(ctx context.Context, job *jobs.RecomputeJob) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	job.RetryCount++
	job.Status = jobs.JobStatusRetrying
	q.save(ctx, job)

	backoff := time.Duration(job.RetryCount) * q.opts.RetryBackoff
	id := job.JobID
	q.retryWG.Add(1)
	t := time.AfterFunc(backoff, func() {
		defer q.retryWG.Done()
		q.mu.Lock()
		delete(q.timers, id)
		q.mu.Unlock()

		job.Status = jobs.JobStatusPending
		job.StartedAt = nil
		job.CompletedAt = nil
		q.save(q.baseCtx, job)
		if err := q.enqueue(q.baseCtx, job); err != nil {
			q.log.Warn().Err(err).Str("job_id", id).Msg("retry dropped")
		}
	})
	q.timers[id] = pendingRetry{timer: t, job: job}
	return true
}

type pendingRetry struct {
	timer *time.Timer
	job   *jobs.RecomputeJob
}

func (q *Queue) save(ctx context.Context, job *jobs.RecomputeJob) {
	if q.store == nil {
		return
	}
	if err := q.store.SaveJob(context.WithoutCancel(ctx), job); err != nil {
		q.log.Error().Err(err).Str("job_id", job.JobID).Msg("failed to save job state")
	}
}

// Stop implements the Consumer interface. It cancels pending retries and
// waits for in-flight jobs to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	for id, p := range q.timers {
		if p.timer.Stop() {
			p.job.Status = jobs.JobStatusFailed
			p.job.Error = "queue stopped before retry: " + p.job.Error
			q.save(context.Background(), p.job)
			q.opts.Metrics.JobFinished(string(p.job.Status))
			q.retryWG.Done()
		}
		delete(q.timers, id)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.retryWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.log.Info().Msg("job queue stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var (
	_ jobs.Publisher = (*Queue)(nil)
	_ jobs.Consumer  = (*Queue)(nil)
)
