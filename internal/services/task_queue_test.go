package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/huangang/taskboard/internal/config"
)

func TestTaskTypeDigest_Constant(t *testing.T) {
	if TaskTypeDigest != "digest:run" {
		t.Errorf("TaskTypeDigest = %q, expected %q", TaskTypeDigest, "digest:run")
	}
}

func TestDigestJob_JSON(t *testing.T) {
	projectID := uint(7)
	job := DigestJob{Date: "2026-03-10", ProjectID: &projectID, RequestedBy: 1}

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"date":"2026-03-10","project_id":7,"requested_by":1}` {
		t.Errorf("unexpected payload %s", data)
	}

	data, _ = json.Marshal(DigestJob{Date: "2026-03-10"})
	if string(data) != `{"date":"2026-03-10","requested_by":0}` {
		t.Errorf("project_id should be omitted when nil, got %s", data)
	}
}

func TestSyncQueue_NoProcessorDropsJob(t *testing.T) {
	q := NewSyncQueue()
	if err := q.Enqueue(&DigestJob{Date: "2026-03-10"}); err != nil {
		t.Errorf("Enqueue without processor should not fail, got %v", err)
	}
	if err := q.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

func TestSyncQueue_ProcessorErrorIsSwallowed(t *testing.T) {
	q := NewSyncQueue()
	var calls int32
	q.SetProcessor(func(ctx context.Context, job *DigestJob) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("boom")
	})

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(&DigestJob{Date: "2026-03-10"}); err != nil {
			t.Fatalf("Enqueue() = %v", err)
		}
	}
	q.Close()

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("processor called %d times, expected 3", got)
	}
}

func TestRedisOpt(t *testing.T) {
	opt := redisOpt(&config.RedisConfig{Addr: "redis:6379", Password: "secret", DB: 2})
	if opt.Addr != "redis:6379" || opt.Password != "secret" || opt.DB != 2 {
		t.Errorf("unexpected redis options %+v", opt)
	}
}

func TestDecodeDigestJob(t *testing.T) {
	job, err := decodeDigestJob([]byte(`{"date":"2026-03-10","project_id":3,"requested_by":1}`))
	if err != nil {
		t.Fatalf("decodeDigestJob() = %v", err)
	}
	if job.Date != "2026-03-10" || job.ProjectID == nil || *job.ProjectID != 3 {
		t.Errorf("unexpected job %+v", job)
	}

	for _, payload := range []string{`not json`, `{"date":"10/03/2026"}`, `{}`} {
		if _, err := decodeDigestJob([]byte(payload)); err == nil {
			t.Errorf("decodeDigestJob(%s) should fail", payload)
		}
	}
}

func TestWorkerConfig(t *testing.T) {
	cfg := workerConfig()
	if _, ok := cfg.Queues[digestQueue]; !ok {
		t.Errorf("worker does not consume %q: %v", digestQueue, cfg.Queues)
	}
	if d := cfg.RetryDelayFunc(2, errors.New("x"), nil); d != 2*time.Minute {
		t.Errorf("retry delay = %v, expected 2m", d)
	}
}

func TestNewWorker_DisabledRedis(t *testing.T) {
	if w := NewWorker(&config.RedisConfig{Enabled: false}); w != nil {
		t.Error("NewWorker should return nil when Redis is disabled")
	}
}

func TestEnqueueError(t *testing.T) {
	if err := enqueueError(asynq.ErrDuplicateTask); !errors.Is(err, ErrAlreadyQueued) {
		t.Errorf("duplicate task should map to ErrAlreadyQueued, got %v", err)
	}
	other := errors.New("dial tcp: refused")
	if err := enqueueError(other); err != other {
		t.Errorf("unexpected mapping of %v: %v", other, err)
	}
}
