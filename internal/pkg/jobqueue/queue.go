package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/sbily/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "job:"
	JobQueueKey      = "job_queue"
	JobProcessingKey = "job_processing"
	JobDelayedKey    = "job_delayed"
	JobStatsKey      = "job_stats"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 7 * 24 * time.Hour
)

var ErrUnknownJobType = errors.New("unknown job type")

// Handler processes one job. Returning an error retries the job unless it is
// wrapped with Permanent.
type Handler func(ctx context.Context, job *Job) error

// Queue manages background jobs using Redis. Jobs are delivered at least once.
type Queue struct {
	client       *redis.Client
	workers      int
	maxRetries   int
	pollInterval time.Duration
	handlers     map[JobType]Handler
	hmu          sync.RWMutex
	workerPool   chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
}

// NewQueue creates a new job queue
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:       client,
		workers:      workers,
		maxRetries:   DefaultMaxRetries,
		pollInterval: time.Second,
		handlers:     make(map[JobType]Handler),
		workerPool:   make(chan struct{}, workers),
		stopCh:       make(chan struct{}),
	}
}

// SetMaxRetries sets the retry budget of jobs enqueued afterwards.
func (q *Queue) SetMaxRetries(n int) {
	if n >= 0 {
		q.maxRetries = n
	}
}

// Register installs the handler for a job type.
func (q *Queue) Register(jobType JobType, h Handler) {
	q.hmu.Lock()
	defer q.hmu.Unlock()
	q.handlers[jobType] = h
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Ping reports whether Redis is reachable.
func (q *Queue) Ping(ctx context.Context) error {
	if q.client == nil {
		return errors.New("job queue has no redis client")
	}
	return q.client.Ping(ctx).Err()
}

// Start starts the job queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	// Initialize worker pool
	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.delayedPromoter()

	// Recovers jobs stuck in processing after a crash
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, 1*time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	// Drain the pool so a restart starts from an empty slot channel
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// delayedPromoter moves scheduled jobs whose run_at has passed onto the queue.
func (q *Queue) delayedPromoter() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(ctx, time.Now()); err != nil {
				log.Errorf("[JobQueue] Promoting delayed jobs failed: %v", err)
			}
		}
	}
}

// PromoteDue moves every delayed job due at now onto the pending queue.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, id := range ids {
		// ZREM decides which promoter owns the job.
		removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck for longer than maxAge
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			q.recoverStuck(ctx, time.Now(), maxAge)
		}
	}
}

func (q *Queue) recoverStuck(ctx context.Context, now time.Time, maxAge time.Duration) int {
	ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
	if err != nil {
		log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
		return 0
	}
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Job data missing or unreadable; remove from processing list
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper read error for %s: %v", id, err)
			}
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil && !job.ProcessedAt.IsZero() {
			started = *job.ProcessedAt
		}
		if now.Sub(started) > maxAge {
			log.Warnf("[JobQueue] Recovering stuck job %s (type=%s), age=%s", job.ID, job.Type, now.Sub(started))
			job.Status = JobStatusPending
			job.ErrorMsg = "recovered by sweeper"
			job.UpdatedAt = now
			q.updateJob(ctx, job)
			_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
			_ = q.client.RPush(ctx, JobQueueKey, id).Err()
			recovered++
		}
	}
	return recovered
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx, time.Second)
			if err != nil {
				if !errors.Is(err, redis.Nil) {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (Type: %s)", id, job.ID, job.Type)
				q.processJob(ctx, job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// EnqueueJob adds a new job to the queue
func (q *Queue) EnqueueJob(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	return q.EnqueueJobAt(ctx, jobType, payload, time.Time{})
}

// EnqueueJobAt adds a job that becomes runnable at runAt. A zero or past runAt
// enqueues immediately.
func (q *Queue) EnqueueJobAt(ctx context.Context, jobType JobType, payload map[string]interface{}, runAt time.Time) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		RetryCount: 0,
		MaxRetries: q.maxRetries,
	}
	delayed := runAt.After(now)
	if delayed {
		job.Status = JobStatusScheduled
		job.RunAt = &runAt
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	jobKey := JobKeyPrefix + job.ID
	ttl := JobTTL
	if delayed {
		ttl += runAt.Sub(now)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, jobKey, jobData, ttl)
	if delayed {
		pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(runAt.Unix()), Member: job.ID})
	} else {
		pipe.LPush(ctx, JobQueueKey, job.ID)
	}
	pipe.HIncrBy(ctx, JobStatsKey, string(job.Status), 1)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (Type: %s)", job.ID, job.Type)
	return job, nil
}

// dequeueJob gets the next job from the queue. A zero wait does not block.
func (q *Queue) dequeueJob(ctx context.Context, wait time.Duration) (*Job, error) {
	var (
		jobID string
		err   error
	)
	if wait > 0 {
		jobID, err = q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, wait).Result()
	} else {
		jobID, err = q.client.RPopLPush(ctx, JobQueueKey, JobProcessingKey).Result()
	}
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s: %w", jobID, err)
	}
	return job, nil
}

// ProcessNext runs the next pending job on the calling goroutine. It reports
// false when the queue is empty.
func (q *Queue) ProcessNext(ctx context.Context) (bool, error) {
	job, err := q.dequeueJob(ctx, 0)
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	q.processJob(ctx, job)
	return true, nil
}

// processJob processes a single job
func (q *Queue) processJob(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	var err error
	if h, ok := q.handler(job.Type); ok {
		err = h(ctx, job)
	} else {
		err = Permanent(fmt.Errorf("%w: %s", ErrUnknownJobType, job.Type))
	}
	metrics.JobsTotal.WithLabelValues(string(job.Type), metrics.Result(err)).Inc()

	if err != nil {
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())

		if job.IsRetryable() && !IsPermanent(err) {
			log.Infof("[JobQueue] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			runAt := time.Now().Add(job.RetryDelay())
			job.RunAt = &runAt
			q.updateJob(ctx, job)
			if err := q.client.ZAdd(ctx, JobDelayedKey, redis.Z{Score: float64(runAt.Unix()), Member: job.ID}).Err(); err != nil {
				log.Errorf("[JobQueue] Failed to schedule retry of job %s: %v", job.ID, err)
			}
		} else {
			log.Errorf("[JobQueue] Job %s permanently failed after %d attempts", job.ID, job.RetryCount)
			q.updateJobStats(ctx, JobStatusFailed, 1)
			q.updateJob(ctx, job)
		}
	} else {
		log.Infof("[JobQueue] Job %s completed successfully", job.ID)
		job.MarkAsCompleted()
		q.updateJobStats(ctx, JobStatusCompleted, 1)
		q.removeCompletedJob(ctx, job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}

	jobKey := JobKeyPrefix + job.ID
	if err := q.client.Set(ctx, jobKey, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// removeFromProcessing removes a job from the processing queue
func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	if err := q.client.LRem(ctx, JobProcessingKey, 1, jobID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing queue: %v", jobID, err)
	}
}

// removeCompletedJob completely removes a completed job from Redis
func (q *Queue) removeCompletedJob(ctx context.Context, jobID string) {
	jobKey := JobKeyPrefix + jobID
	if err := q.client.Del(ctx, jobKey).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s from Redis: %v", jobID, err)
	}
}

// updateJobStats updates job statistics
func (q *Queue) updateJobStats(ctx context.Context, status JobStatus, delta int64) {
	if err := q.client.HIncrBy(ctx, JobStatsKey, string(status), delta).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobKey := JobKeyPrefix + jobID
	jobData, err := q.client.Get(ctx, jobKey).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := strconv.ParseInt(count, 10, 64); err == nil {
			result[JobStatus(status)] = countInt
		}
	}

	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, JobQueueKey).Result()
	if err == nil {
		metrics.QueueDepth.WithLabelValues("pending").Set(float64(n))
	}
	return n, err
}

// GetDelayedSize returns the number of scheduled or retrying jobs
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, JobDelayedKey).Result()
	if err == nil {
		metrics.QueueDepth.WithLabelValues("delayed").Set(float64(n))
	}
	return n, err
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}
