package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *CleanupQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q, err := NewCleanupQueue(Config{
		Client:     client,
		Stream:     "test:cleanup",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
		Block:      10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	return q
}

func TestCleanupQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["file_id"] != job.FileID || got.Values["storage_key"] != job.StorageKey {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestCleanupQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}
}

func TestCleanupQueueHandleMessageRetriesThenFails(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)
	q.maxRetries = 1

	msg := redis.XMessage{ID: msgID, Values: jobValues(job)}
	q.handleMessage(ctx, msg, func(context.Context, CleanupJob) error {
		return errors.New("storage unavailable")
	})

	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusFailed || got.Attempts != 1 || got.ErrorMessage != "storage unavailable" {
		t.Fatalf("unexpected job after failure: %+v", got)
	}
}

func TestCleanupQueueStartProcessesJobs(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.ensureGroup(ctx)

	var handled atomic.Int32
	done := make(chan CleanupJob, 1)
	q.Start(ctx, 1, func(_ context.Context, job CleanupJob) error {
		if handled.Add(1) == 1 {
			done <- job
		}
		return nil
	})
	job, err := q.Enqueue(ctx, "file-1", "files/file-1/menu.pdf", ReasonSuperseded)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-done:
		if got.FileID != "file-1" || got.StorageKey != "files/file-1/menu.pdf" || got.Reason != ReasonSuperseded {
			t.Fatalf("unexpected job: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not processed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _, _ := q.GetJob(context.Background(), job.ID)
		if got.Status == StatusDone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never marked done")
}

func TestCleanupQueueValidatesConfig(t *testing.T) {
	if _, err := NewCleanupQueue(Config{Stream: "s"}); err == nil {
		t.Fatalf("expected error without client")
	}
	q := newTestQueue(t)
	if _, err := q.Enqueue(context.Background(), " ", "key", ReasonDeleted); err == nil {
		t.Fatalf("expected error for blank file id")
	}
}

func newPendingQueueMessage(t *testing.T) (*CleanupQueue, context.Context, string, CleanupJob) {
	t.Helper()
	q := newTestQueue(t)

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "file-1", "files/file-1/menu.pdf", ReasonSuperseded)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	return q, ctx, streams[0].Messages[0].ID, job
}
