package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voltlens/voltlens/core"
	"github.com/voltlens/voltlens/resilience"
	"github.com/voltlens/voltlens/telemetry"
)

const (
	redisJobPrefix     = "voltlens:q:job:"
	redisPendingList   = "voltlens:q:pending"
	redisDelayedSet    = "voltlens:q:delayed"
	redisCompletedList = "voltlens:q:completed"
	redisFailedList    = "voltlens:q:failed"
	redisJobIndex      = "voltlens:q:jobs"

	redisPollInterval = 50 * time.Millisecond
)

// RedisQueue is the durable Queue implementation. Job state lives in Redis
// hashes so a restarted process resumes pending work; retries are parked in
// a delayed sorted set scored by their ready time.
type RedisQueue struct {
	client *redis.Client
	cfg    core.DetectionConfig
	logger core.Logger
	events QueueEvents

	mu        sync.Mutex
	processor ProcessorFunc
	stopped   bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewRedisQueue creates a durable queue against the given Redis client.
func NewRedisQueue(client *redis.Client, cfg core.DetectionConfig, events QueueEvents, logger core.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", core.ErrInvalidConfiguration)
	}
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
	return &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: logger,
		events: events,
		stop:   make(chan struct{}),
	}, nil
}

// RegisterProcessor installs the job processor. Must be called before Start.
func (q *RedisQueue) RegisterProcessor(fn ProcessorFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = fn
}

func (q *RedisQueue) writeJob(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("serialize job %s: %w", job.JobID, err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, redisJobPrefix+job.JobID, map[string]interface{}{
		"data":     string(data),
		"status":   job.Status,
		"attempts": job.Attempts,
	})
	pipe.SAdd(ctx, redisJobIndex, job.JobID)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) readJob(ctx context.Context, jobID string) (*Job, error) {
	data, err := q.client.HGet(ctx, redisJobPrefix+jobID, "data").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %q: %w", jobID, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

// Enqueue persists the job and pushes it onto the pending list.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) (string, error) {
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

	if err := q.writeJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.client.LPush(ctx, redisPendingList, job.JobID).Err(); err != nil {
		return "", fmt.Errorf("enqueue job %s: %w", job.JobID, err)
	}
	telemetry.Counter("detection.jobs.enqueued", "module", telemetry.ModuleDetection)
	return job.JobID, nil
}

// GetJob loads a job's persisted state.
func (q *RedisQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.readJob(ctx, jobID)
}

// GetResult loads the stored result of a completed job.
func (q *RedisQueue) GetResult(ctx context.Context, jobID string) (*Result, error) {
	data, err := q.client.HGet(ctx, redisJobPrefix+jobID, "result").Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("job %q has no result: %w", jobID, core.ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", jobID, err)
	}
	var result Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", jobID, err)
	}
	return &result, nil
}

// CancelJob marks a not-yet-finished job cancelled and removes it from the
// pending and delayed structures. Returns ErrJobTerminal when already
// terminal.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) (bool, error) {
	job, err := q.readJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if IsTerminal(job.Status) {
		return false, fmt.Errorf("job %q: %w", jobID, core.ErrJobTerminal)
	}
	job.Status = StatusCancelled
	job.ProgressStage = "cancelled"
	if err := q.writeJob(ctx, job); err != nil {
		return false, err
	}
	q.client.LRem(ctx, redisPendingList, 0, jobID)
	q.client.ZRem(ctx, redisDelayedSet, jobID)
	telemetry.Counter("detection.jobs.cancelled", "module", telemetry.ModuleDetection)
	return true, nil
}

// RemoveJob deletes a job and its result.
func (q *RedisQueue) RemoveJob(ctx context.Context, jobID string) error {
	if _, err := q.readJob(ctx, jobID); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Del(ctx, redisJobPrefix+jobID)
	pipe.SRem(ctx, redisJobIndex, jobID)
	pipe.LRem(ctx, redisPendingList, 0, jobID)
	pipe.LRem(ctx, redisCompletedList, 0, jobID)
	pipe.LRem(ctx, redisFailedList, 0, jobID)
	pipe.ZRem(ctx, redisDelayedSet, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Counts tallies jobs by persisted status.
func (q *RedisQueue) Counts(ctx context.Context) (QueueCounts, error) {
	ids, err := q.client.SMembers(ctx, redisJobIndex).Result()
	if err != nil {
		return QueueCounts{}, fmt.Errorf("list jobs: %w", err)
	}
	var counts QueueCounts
	for _, id := range ids {
		status, err := q.client.HGet(ctx, redisJobPrefix+id, "status").Result()
		if err != nil {
			continue
		}
		switch status {
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

// Start launches the polling workers and the delayed-retry promoter.
func (q *RedisQueue) Start(ctx context.Context) error {
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
			ticker := time.NewTicker(redisPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-q.stop:
					return
				case <-ticker.C:
					q.drainOne(ctx)
				}
			}
		}()
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(redisPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				return
			case <-ticker.C:
				q.promoteDelayed(ctx)
			}
		}
	}()
	return nil
}

// Stop halts the workers and waits for in-flight attempts.
func (q *RedisQueue) Stop() {
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

// promoteDelayed moves due retries from the delayed set back to pending.
func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, redisDelayedSet, &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if q.client.ZRem(ctx, redisDelayedSet, id).Val() > 0 {
			q.client.LPush(ctx, redisPendingList, id)
		}
	}
}

// drainOne pops and processes at most one pending job.
func (q *RedisQueue) drainOne(ctx context.Context) {
	jobID, err := q.client.RPop(ctx, redisPendingList).Result()
	if err != nil {
		return
	}
	job, err := q.readJob(ctx, jobID)
	if err != nil || job.Status != StatusPending {
		return
	}

	job.Status = StatusProcessing
	job.Attempts++
	if err := q.writeJob(ctx, job); err != nil {
		return
	}

	timeout := job.Settings.ProcessingTimeout
	if timeout <= 0 {
		timeout = q.cfg.PageTimeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()
	result, perr := processor(attemptCtx, job)
	timedOut := attemptCtx.Err() != nil
	cancel()

	// A cancel racing the attempt wins; discard the attempt outcome.
	if current, err := q.readJob(ctx, jobID); err == nil && current.Status == StatusCancelled {
		return
	}

	if perr == nil {
		q.completeJob(ctx, job, result)
		return
	}
	q.failAttempt(ctx, job, perr, timedOut)
}

func (q *RedisQueue) completeJob(ctx context.Context, job *Job, result *Result) {
	job.Status = StatusCompleted
	job.ProgressPercent = progressDone
	if err := q.writeJob(ctx, job); err != nil {
		return
	}
	if data, err := json.Marshal(result); err == nil {
		q.client.HSet(ctx, redisJobPrefix+job.JobID, "result", string(data))
	}
	q.retain(ctx, redisCompletedList, job.JobID, q.cfg.KeepCompleted)

	telemetry.Counter("detection.jobs.completed", "module", telemetry.ModuleDetection)
	if q.events.Completed != nil {
		q.events.Completed(job, result)
	}
}

func (q *RedisQueue) failAttempt(ctx context.Context, job *Job, perr error, timedOut bool) {
	stalled := timedOut && !errors.Is(perr, context.Canceled)
	job.LastError = perr.Error()

	if job.Attempts >= q.cfg.MaxAttempts {
		job.Status = StatusFailed
		if err := q.writeJob(ctx, job); err != nil {
			return
		}
		q.retain(ctx, redisFailedList, job.JobID, q.cfg.KeepFailed)

		telemetry.Counter("detection.jobs.failed", "module", telemetry.ModuleDetection)
		q.logger.Error("Detection job failed", map[string]interface{}{
			"operation": "job_failed",
			"job_id":    job.JobID,
			"attempts":  job.Attempts,
			"error":     perr.Error(),
		})
		if stalled && q.events.Stalled != nil {
			q.events.Stalled(job)
		}
		if q.events.Failed != nil {
			q.events.Failed(job, perr)
		}
		return
	}

	job.Status = StatusPending
	job.ProgressStage = "retry_scheduled"
	if err := q.writeJob(ctx, job); err != nil {
		return
	}
	delay := resilience.BackoffDelay(q.cfg.BackoffInitial, job.Attempts)
	readyAt := float64(time.Now().Add(delay).UnixMilli())
	q.client.ZAdd(ctx, redisDelayedSet, redis.Z{Score: readyAt, Member: job.JobID})

	if stalled && q.events.Stalled != nil {
		q.events.Stalled(job)
	}
	q.logger.Warn("Detection job attempt failed, retrying", map[string]interface{}{
		"operation": "job_retry",
		"job_id":    job.JobID,
		"attempt":   job.Attempts,
		"delay":     delay.String(),
	})
}

// retain pushes a terminal job onto its retention list and deletes jobs that
// age out of the window.
func (q *RedisQueue) retain(ctx context.Context, list, jobID string, keep int) {
	q.client.LPush(ctx, list, jobID)
	evicted, err := q.client.LRange(ctx, list, int64(keep), -1).Result()
	if err != nil {
		return
	}
	if len(evicted) > 0 {
		q.client.LTrim(ctx, list, 0, int64(keep)-1)
		for _, id := range evicted {
			q.client.Del(ctx, redisJobPrefix+id)
			q.client.SRem(ctx, redisJobIndex, id)
		}
	}
}
