package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/pkg/logger"
)

const (
	TaskTypeDigest = "digest:run"

	digestQueue = "digest"
	// identical requests inside this window collapse into one job
	digestUniqueTTL = 10 * time.Minute
)

// ErrAlreadyQueued means an identical digest job is still pending.
var ErrAlreadyQueued = errors.New("digest job already queued")

// DigestJob asks for one digest run. Date is YYYY-MM-DD (UTC).
type DigestJob struct {
	Date        string `json:"date"`
	ProjectID   *uint  `json:"project_id,omitempty"`
	RequestedBy uint   `json:"requested_by"`
}

// TaskQueue hands digest jobs to whatever runs them.
type TaskQueue interface {
	Enqueue(job *DigestJob) error
	// IsAsync reports whether jobs run outside this process.
	IsAsync() bool
	Close() error
}

// InitTaskQueue picks the Redis queue when it is enabled and reachable and
// the in-process queue otherwise.
func InitTaskQueue(cfg *config.Config) TaskQueue {
	if !cfg.Redis.Enabled {
		logger.Info().Msg("[TaskQueue] Redis disabled, digest jobs run in-process")
		return NewSyncQueue()
	}
	queue, err := NewAsyncQueue(&cfg.Redis)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("[TaskQueue] Redis unavailable, falling back to in-process jobs")
		return NewSyncQueue()
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("[TaskQueue] digest jobs go through Redis")
	return queue
}

func redisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncQueue is the Redis-backed TaskQueue.
type AsyncQueue struct {
	client *asynq.Client
}

// NewAsyncQueue connects and checks that Redis answers.
func NewAsyncQueue(cfg *config.RedisConfig) (*AsyncQueue, error) {
	opt := redisOpt(cfg)
	inspector := asynq.NewInspector(opt)
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &AsyncQueue{client: asynq.NewClient(opt)}, nil
}

func (q *AsyncQueue) Enqueue(job *DigestJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}

	info, err := q.client.Enqueue(asynq.NewTask(TaskTypeDigest, payload),
		asynq.Queue(digestQueue),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
		asynq.Unique(digestUniqueTTL),
	)
	if err != nil {
		return enqueueError(err)
	}
	logger.Info().Str("job", info.ID).Str("date", job.Date).Msg("[TaskQueue] digest job enqueued")
	return nil
}

func enqueueError(err error) error {
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %v", ErrAlreadyQueued, err)
	}
	return err
}

func (q *AsyncQueue) IsAsync() bool { return true }

func (q *AsyncQueue) Close() error { return q.client.Close() }

// SyncQueue runs each job on its own goroutine in this process.
type SyncQueue struct {
	processor JobProcessor
	wg        sync.WaitGroup
}

func NewSyncQueue() *SyncQueue {
	return &SyncQueue{}
}

func (q *SyncQueue) SetProcessor(processor JobProcessor) {
	q.processor = processor
}

// Enqueue starts the job without blocking the caller. Without a processor
// the job is dropped.
func (q *SyncQueue) Enqueue(job *DigestJob) error {
	if q.processor == nil {
		logger.Warn().Str("date", job.Date).Msg("[TaskQueue] no processor set, digest job dropped")
		return nil
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		if err := q.processor(context.Background(), job); err != nil {
			logger.Error().Err(err).Str("date", job.Date).Msg("[TaskQueue] digest job failed")
		}
	}()
	return nil
}

func (q *SyncQueue) IsAsync() bool { return false }

// Close waits for running jobs.
func (q *SyncQueue) Close() error {
	q.wg.Wait()
	return nil
}
