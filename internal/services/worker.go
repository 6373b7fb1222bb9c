package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/taskboard/internal/config"
	"github.com/huangang/taskboard/pkg/logger"
)

// JobProcessor handles one decoded digest job.
type JobProcessor func(context.Context, *DigestJob) error

// Worker consumes digest jobs from Redis. A digest run is long and mostly
// I/O against SMTP, so a small fixed concurrency is enough.
type Worker struct {
	server    *asynq.Server
	processor JobProcessor

	mu      sync.Mutex
	running bool
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig) *Worker {
	if !cfg.Enabled {
		return nil
	}
	return &Worker{server: asynq.NewServer(redisOpt(cfg), workerConfig())}
}

func workerConfig() asynq.Config {
	return asynq.Config{
		Concurrency:     2,
		Queues:          map[string]int{digestQueue: 1},
		ShutdownTimeout: 30 * time.Second,
		RetryDelayFunc: func(n int, err error, t *asynq.Task) time.Duration {
			return time.Duration(n) * time.Minute
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			logger.Error().Err(err).Str("type", t.Type()).Int("retried", retried).
				Msg("[Worker] digest job failed")
		}),
	}
}

func (w *Worker) SetProcessor(processor JobProcessor) {
	w.processor = processor
}

// Start runs the server in the background. Calling it twice is a no-op.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if w.processor == nil {
		return fmt.Errorf("worker: no job processor configured")
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDigest, w.handle)
	if err := w.server.Start(mux); err != nil {
		return fmt.Errorf("worker: start: %w", err)
	}

	w.running = true
	logger.Info().Int("concurrency", 2).Msg("[Worker] consuming digest jobs")
	return nil
}

// Stop drains in-flight jobs and waits for the server to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.server.Shutdown()
	w.running = false
	logger.Info().Msg("[Worker] stopped")
}

func (w *Worker) handle(ctx context.Context, t *asynq.Task) error {
	job, err := decodeDigestJob(t.Payload())
	if err != nil {
		// a malformed payload will never succeed
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	start := time.Now()
	log := logger.Info().Str("date", job.Date).Uint("requested_by", job.RequestedBy)
	if job.ProjectID != nil {
		log = log.Uint("project", *job.ProjectID)
	}
	log.Msg("[Worker] digest job started")

	if err := w.processor(ctx, job); err != nil {
		return err
	}
	logger.Info().Str("date", job.Date).Dur("took", time.Since(start)).Msg("[Worker] digest job finished")
	return nil
}

func decodeDigestJob(payload []byte) (*DigestJob, error) {
	var job DigestJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, fmt.Errorf("decode digest job: %w", err)
	}
	if _, err := time.Parse(time.DateOnly, job.Date); err != nil {
		return nil, fmt.Errorf("digest job has invalid date %q", job.Date)
	}
	return &job, nil
}
