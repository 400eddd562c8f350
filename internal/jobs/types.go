package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/deal-confidence/internal/domain"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeRecompute recomputes one deal's analysis.
	JobTypeRecompute JobType = "recompute"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed and will not be retried.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// RecomputeJob asks for a full analysis run of one deal. Every trigger
// produces its own job; jobs for the same deal are never coalesced.
type RecomputeJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// DealID is the deal to recompute.
	DealID string `json:"deal_id"`

	// Owner is the deal owner the job was published for.
	Owner string `json:"owner"`

	// Trigger is the event that caused the recomputation.
	Trigger domain.RunTrigger `json:"trigger"`

	// Snapshot requests a canonical snapshot of the resulting run.
	Snapshot bool `json:"snapshot,omitempty"`

	// RunID is the analysis run the job produced.
	RunID string `json:"run_id,omitempty"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the last attempt failed.
	Error string `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Publisher defines the interface for publishing jobs to a queue.
type Publisher interface {
	// PublishRecompute enqueues a recomputation. It fails with
	// domain.ErrQueueClosed once the queue is stopped.
	PublishRecompute(ctx context.Context, job *RecomputeJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer defines the interface for consuming jobs from a queue.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error is retried unless
// Retryable reports otherwise.
type JobHandler func(ctx context.Context, job *RecomputeJob) error

// JobStore defines the interface for storing and retrieving job status.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RecomputeJob) error

	// GetJob retrieves a job by ID. Missing jobs are domain.ErrNotFound.
	GetJob(ctx context.Context, jobID string) (*RecomputeJob, error)

	// ListJobs retrieves jobs with optional filtering, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RecomputeJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// Owner filters jobs by deal owner.
	Owner string

	// DealID filters jobs by deal.
	DealID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}

// Retryable reports whether a failed job may succeed on another attempt.
// Integrity violations, unknown deals and invalid requests never will.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if domain.IsIntegrityViolation(err) {
		return false
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidInput) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
