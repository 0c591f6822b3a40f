package detection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/resilience"
	"github.com/voltlens/voltlens/telemetry"
)

// ProcessorFunc executes one job attempt. The context carries the
// per-attempt deadline.
type ProcessorFunc func(ctx context.Context, job *Job) (*Result, error)

// QueueCounts reports queue occupancy by status.
type QueueCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
}

// Queue is the detection job queue boundary.
type Queue interface {
	Enqueue(ctx context.Context, job *Job) (string, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	GetResult(ctx context.Context, jobID string) (*Result, error)
	CancelJob(ctx context.Context, jobID string) (bool, error)
	RemoveJob(ctx context.Context, jobID string) error
	Counts(ctx context.Context) (QueueCounts, error)
	RegisterProcessor(fn ProcessorFunc)
	Start(ctx context.Context) error
	Stop()
}

// QueueEvents receives job lifecycle notifications. Callbacks run on worker
// goroutines and must not block.
type QueueEvents struct {
	Completed func(job *Job, result *Result)
	Failed    func(job *Job, err error)
	Stalled   func(job *Job)
}

// MemoryQueue is the in-process Queue. Jobs are retried with exponential
// backoff up to the attempt limit; terminal jobs are retained up to the
// configured completed/failed windows.
type MemoryQueue struct {
	cfg    core.DetectionConfig
	logger core.Logger
	events QueueEvents

	mu             sync.Mutex
	jobs           map[string]*Job
	results        map[string]*Result
	attemptCancels map[string]context.CancelFunc
	completedOrder []string
	failedOrder    []string
	processor      ProcessorFunc

	pending chan string
	stop    chan struct{}
	stopped bool
	wg      sync.WaitGroup
}

// NewMemoryQueue creates a queue with the given worker and retry settings.
func NewMemoryQueue(cfg core.DetectionConfig, events QueueEvents, logger core.Logger) *MemoryQueue {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("voltlens/detection")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.KeepCompleted <= 0 {
		cfg.KeepCompleted = 50
	}
	if cfg.KeepFailed <= 0 {
		cfg.KeepFailed = 50
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	return &MemoryQueue{
		cfg:            cfg,
		logger:         logger,
		events:         events,
		jobs:           make(map[string]*Job),
		results:        make(map[string]*Result),
		attemptCancels: make(map[string]context.CancelFunc),
		pending:        make(chan string, 1024),
		stop:           make(chan struct{}),
	}
}

// RegisterProcessor installs the job processor. Must be called before Start.
func (q *MemoryQueue) RegisterProcessor(fn ProcessorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

// Enqueue submits a job and returns its id.
func (q *MemoryQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
	if job == nil {
		return "", fmt.Errorf("%w: job is required", core.ErrValidation)
	}
	if job.JobID == "" {
		job.JobID = "job-" + uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.Status = StatusPending
	job.ProgressPercent = 0
	job.ProgressStage = "queued"

	q.mu.Lock()
	if _, dup := q.jobs[job.JobID]; dup {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: job %q already enqueued", core.ErrValidation, job.JobID)
	}
	q.jobs[job.JobID] = job
	q.mu.Unlock()

	select {
	case q.pending <- job.JobID:
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.jobs, job.JobID)
		q.mu.Unlock()
		return "", fmt.Errorf("%w: enqueue %s", core.ErrContextCanceled, job.JobID)
	}

	telemetry.Counter("detection.jobs.enqueued", "module", telemetry.ModuleDetection)
	q.logger.Debug("Detection job enqueued", map[string]interface{}{
		"operation":   "job_enqueued",
		"job_id":      job.JobID,
		"document_id": job.DocumentID,
		"page":        job.PageNumber,
	})
	return job.JobID, nil
}

// GetJob returns a copy of the job's current state.
func (q *MemoryQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	out := *job
	return &out, nil
}

// GetResult returns the stored result of a completed job.
func (q *MemoryQueue) GetResult(ctx context.Context, jobID string) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[jobID]; !ok {
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	result, ok := q.results[jobID]
	if !ok {
		return nil, fmt.Errorf("job %q has no result yet: %w", jobID, core.ErrJobNotFound)
	}
	return result, nil
}

// CancelJob cancels a not-yet-finished job. Returns ErrJobTerminal when
// the job is already terminal.
func (q *MemoryQueue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok {
		q.mu.Unlock()
		return false, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	if IsTerminal(job.Status) {
		q.mu.Unlock()
		return false, fmt.Errorf("job %q: %w", jobID, core.ErrJobTerminal)
	}
	job.Status = StatusCancelled
	job.ProgressStage = "cancelled"
	cancelAttempt := q.attemptCancels[jobID]
	q.mu.Unlock()

	if cancelAttempt != nil {
		cancelAttempt()
	}
	telemetry.Counter("detection.jobs.cancelled", "module", telemetry.ModuleDetection)
	q.logger.Info("Detection job cancelled", map[string]interface{}{
		"operation": "job_cancelled",
		"job_id":    jobID,
	})
	return true, nil
}

// RemoveJob drops a job and its result regardless of status.
func (q *MemoryQueue) RemoveJob(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[jobID]; !ok {
		return fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	delete(q.jobs, jobID)
	delete(q.results, jobID)
	return nil
}

// Counts reports occupancy by status.
func (q *MemoryQueue) Counts(ctx context.Context) (QueueCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var counts QueueCounts
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			counts.Pending++
		case StatusProcessing:
			counts.Processing++
		case StatusCompleted:
			counts.Completed++
		case StatusFailed:
			counts.Failed++
		case StatusCancelled:
			counts.Cancelled++
		}
	}
	return counts, nil
}

// Start launches the worker pool. Workers drain until Stop or ctx is done.
func (q *MemoryQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.processor == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: no processor registered", core.ErrInvalidConfiguration)
	}
	q.mu.Unlock()

	for i := 0; i < q.cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.stop:
					return
				case jobID := <-q.pending:
					q.runAttempt(ctx, jobID)
				}
			}
		}()
	}
	q.logger.Info("Detection queue started", map[string]interface{}{
		"operation": "queue_started",
		"workers":   q.cfg.Workers,
	})
	return nil
}

// Stop halts the workers and waits for in-flight attempts.
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.stop)
	q.mu.Unlock()
	q.wg.Wait()
}

// runAttempt executes one attempt of a job, retrying with backoff or
// transitioning to a terminal status.
func (q *MemoryQueue) runAttempt(ctx context.Context, jobID string) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusPending {
		// Removed or cancelled while queued.
		q.mu.Unlock()
		return
	}
	job.Status = StatusProcessing
	job.Attempts++
	attempt := job.Attempts
	processor := q.processor

	timeout := job.Settings.ProcessingTimeout
	if timeout <= 0 {
		timeout = q.cfg.PageTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	q.attemptCancels[jobID] = cancel
	// The processor works on its own copy so concurrent GetJob reads stay
	// race-free; progress is folded back in under the lock.
	attemptJob := *job
	q.mu.Unlock()

	result, err := processor(attemptCtx, &attemptJob)
	timedOut := attemptCtx.Err() != nil
	cancel()

	q.mu.Lock()
	delete(q.attemptCancels, jobID)
	job.ProgressPercent = attemptJob.ProgressPercent
	job.ProgressStage = attemptJob.ProgressStage
	if job.Status == StatusCancelled {
		q.mu.Unlock()
		return
	}
	if err == nil {
		job.Status = StatusCompleted
		job.ProgressPercent = progressDone
		q.results[jobID] = result
		q.completedOrder = append(q.completedOrder, jobID)
		q.trimLocked(&q.completedOrder, q.cfg.KeepCompleted)
		onCompleted := q.events.Completed
		q.mu.Unlock()

		telemetry.Counter("detection.jobs.completed", "module", telemetry.ModuleDetection)
		if onCompleted != nil {
			onCompleted(job, result)
		}
		return
	}

	stalled := timedOut && !errors.Is(err, context.Canceled)
	job.LastError = err.Error()
	if attempt >= q.cfg.MaxAttempts {
		job.Status = StatusFailed
		q.failedOrder = append(q.failedOrder, jobID)
		q.trimLocked(&q.failedOrder, q.cfg.KeepFailed)
		onStalled := q.events.Stalled
		onFailed := q.events.Failed
		q.mu.Unlock()

		telemetry.Counter("detection.jobs.failed", "module", telemetry.ModuleDetection)
		q.logger.Error("Detection job failed", map[string]interface{}{
			"operation": "job_failed",
			"job_id":    jobID,
			"attempts":  attempt,
			"error":     err.Error(),
		})
		if stalled && onStalled != nil {
			onStalled(job)
		}
		if onFailed != nil {
			onFailed(job, err)
		}
		return
	}

	// Schedule the retry with exponential backoff.
	job.Status = StatusPending
	job.ProgressStage = "retry_scheduled"
	delay := resilience.BackoffDelay(q.cfg.BackoffInitial, attempt)
	onStalled := q.events.Stalled
	q.mu.Unlock()

	if stalled && onStalled != nil {
		onStalled(job)
	}
	if stalled {
		telemetry.Counter("detection.jobs.stalled", "module", telemetry.ModuleDetection)
	}
	q.logger.Warn("Detection job attempt failed, retrying", map[string]interface{}{
		"operation": "job_retry",
		"job_id":    jobID,
		"attempt":   attempt,
		"delay":     delay.String(),
		"error":     err.Error(),
	})
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		stopped := q.stopped
		q.mu.Unlock()
		if stopped {
			return
		}
		select {
		case q.pending <- jobID:
		default:
			// Queue saturated; the job stays pending and is picked up by the
			// next cleanup resubmission.
		}
	})
}

// trimLocked evicts the oldest retained terminal jobs beyond the window.
// Caller holds q.mu.
func (q *MemoryQueue) trimLocked(order *[]string, keep int) {
	for len(*order) > keep {
		oldest := (*order)[0]
		*order = (*order)[1:]
		delete(q.jobs, oldest)
		delete(q.results, oldest)
	}
}
