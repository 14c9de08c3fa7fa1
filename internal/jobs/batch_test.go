package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
)

type noopRunner struct{}

func (noopRunner) RunJob(ctx context.Context, jobID string, reporter convert.ProgressReporter) (*convert.Result, error) {
	return &convert.Result{}, nil
}

func (noopRunner) DiscardJob(jobID string) error { return nil }

type brokenReader struct{}

func (brokenReader) Read(p []byte) (int, error) {
	return 0, errors.New("upload stream broken")
}

func newTestBatches(t *testing.T) (*Batches, *Store, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewStore(client, time.Hour)
	cfg := &config.Config{
		RedisURL:          "redis://" + mr.Addr(),
		WorkerConcurrency: 1,
		MaxAttempts:       3,
		RetryDelay:        time.Second,
		SoftTimeLimit:     time.Minute,
		HardTimeLimit:     2 * time.Minute,
		ResultTTL:         time.Hour,
	}
	logger := log.New(io.Discard, "", 0)
	manager, err := NewManager(cfg, noopRunner{}, store, logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })

	spool := t.TempDir()
	return NewBatches(store, manager, spool, logger), store, spool
}

func TestBatchSubmitEmpty(t *testing.T) {
	batches, _, _ := newTestBatches(t)
	if _, err := batches.Submit(context.Background(), convert.KindImage, nil, convert.Options{TargetFormat: "png"}); err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestBatchSubmitInvalidSharedOptions(t *testing.T) {
	batches, _, _ := newTestBatches(t)
	items := []BatchItem{{Filename: "a.png", Source: brokenReader{}}}
	_, err := batches.Submit(context.Background(), convert.KindImage, items, convert.Options{TargetFormat: "exe"})
	if err == nil {
		t.Fatal("expected validation error for shared options")
	}
	if convert.Classify(err) != convert.ClassValidation {
		t.Fatalf("expected validation class, got %s", convert.Classify(err))
	}
}

func TestBatchSubmitIsolatesItemFailures(t *testing.T) {
	batches, store, _ := newTestBatches(t)
	ctx := context.Background()

	// 全アイテムのステージングが失敗しても Submit 自体は成功し、
	// それぞれが個別に FAILURE として記録される。
	items := []BatchItem{
		{Filename: "a.png", Source: brokenReader{}},
		{Filename: "b.png", Source: brokenReader{}},
		{Filename: "c.png", Source: brokenReader{}},
	}
	batch, err := batches.Submit(ctx, convert.KindImage, items, convert.Options{TargetFormat: "png"})
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if batch.Total != 3 || len(batch.JobIDs) != 3 {
		t.Fatalf("unexpected batch record: %#v", batch)
	}

	status, err := batches.Get(ctx, batch.BatchID)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if status.Failed != 3 || status.Successful != 0 {
		t.Fatalf("unexpected counters: %#v", status)
	}
	if !status.Completed {
		t.Fatal("batch should be completed once every item is terminal")
	}
	if len(status.Items) != 3 {
		t.Fatalf("expected 3 item records, got %d", len(status.Items))
	}
	for _, item := range status.Items {
		if item.State != StateFailure {
			t.Fatalf("item should be FAILURE: %#v", item)
		}
		if item.Error == nil {
			t.Fatalf("item should carry error info: %#v", item)
		}
		if item.BatchID != batch.BatchID {
			t.Fatalf("item not linked to batch: %#v", item)
		}
	}

	// 個別レコードも直接取得できる
	record, err := store.Get(ctx, batch.JobIDs[0])
	if err != nil {
		t.Fatalf("store.Get returned error: %v", err)
	}
	if record.Queue != QueueBatch {
		t.Fatalf("batch items belong on the batch queue: %s", record.Queue)
	}
}

func TestBatchGetSkipsExpiredItems(t *testing.T) {
	batches, store, _ := newTestBatches(t)
	ctx := context.Background()

	batch := &BatchRecord{
		BatchID: "batch-exp",
		JobIDs:  []string{"gone-1", "gone-2"},
		Total:   2,
	}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}

	// サブジョブのレコードだけ先に失効しても集計は返る
	status, err := batches.Get(ctx, "batch-exp")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if status.Total != 2 || len(status.Items) != 0 {
		t.Fatalf("unexpected status: %#v", status)
	}
}

func TestBatchGetUnknown(t *testing.T) {
	batches, _, _ := newTestBatches(t)
	if _, err := batches.Get(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
