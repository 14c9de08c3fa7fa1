package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
)

func TestQueueFor(t *testing.T) {
	cases := []struct {
		kind  convert.Kind
		batch bool
		queue string
	}{
		{convert.KindImage, false, QueueImage},
		{convert.KindAudio, false, QueueAudio},
		{convert.KindVideo, false, QueueVideo},
		{convert.KindOptimize, false, QueueOptimization},
		{convert.KindImage, true, QueueBatch},
		{convert.KindVideo, true, QueueBatch},
	}
	for _, tc := range cases {
		if got := QueueFor(tc.kind, tc.batch); got != tc.queue {
			t.Fatalf("QueueFor(%s, %v) = %s, want %s", tc.kind, tc.batch, got, tc.queue)
		}
	}
}

func TestQueuePriorities(t *testing.T) {
	// メンテナンス用キューだけが低優先度を持つ
	for _, queue := range []string{QueueImage, QueueAudio, QueueVideo, QueueBatch} {
		if queuePriorities[queue] != 5 {
			t.Fatalf("queue %s priority = %d, want 5", queue, queuePriorities[queue])
		}
	}
	if queuePriorities[QueueOptimization] != 1 {
		t.Fatalf("optimization queue priority = %d, want 1", queuePriorities[QueueOptimization])
	}
}

// scriptedRunner は呼び出しごとに用意したエラーを順に返すスタブです。
// errs を使い切った後の呼び出しは成功します。
type scriptedRunner struct {
	mu       sync.Mutex
	errs     []error
	runs     int
	discards int
}

func (r *scriptedRunner) RunJob(ctx context.Context, jobID string, reporter convert.ProgressReporter) (*convert.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if reporter != nil {
		reporter("converting", 60)
	}
	return &convert.Result{
		OutputFilename: jobID + ".png",
		OutputPath:     "/results/" + jobID + ".png",
		OutputSize:     256,
		OriginalSize:   512,
		TargetFormat:   "png",
	}, nil
}

func (r *scriptedRunner) DiscardJob(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discards++
	return nil
}

func newTestManager(t *testing.T, runner Runner) (*Manager, *Store) {
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
	manager, err := NewManager(cfg, runner, store, logger)
	if err != nil {
		t.Fatalf("NewManager returned error: %v", err)
	}
	t.Cleanup(func() { _ = manager.Shutdown(context.Background()) })
	return manager, store
}

func convertTask(t *testing.T, payload TaskPayload) *asynq.Task {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return asynq.NewTask(taskTypeConvert, body)
}

func TestHandleConvertTaskSuccess(t *testing.T) {
	runner := &scriptedRunner{}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("job-ok")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	payload := TaskPayload{JobID: "job-ok", Kind: convert.KindImage}
	if err := manager.handleConvertTask(ctx, convertTask(t, payload)); err != nil {
		t.Fatalf("handleConvertTask returned error: %v", err)
	}

	record, err := store.Get(ctx, "job-ok")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if record.State != StateSuccess {
		t.Fatalf("record state = %s, want %s", record.State, StateSuccess)
	}
	if record.Attempt != 1 {
		t.Fatalf("record attempt = %d, want 1", record.Attempt)
	}
	if record.Result == nil || record.Result.TargetFormat != "png" {
		t.Fatalf("result not persisted: %#v", record.Result)
	}
	if runner.runs != 1 {
		t.Fatalf("runner invoked %d times, want 1", runner.runs)
	}
	// 成功時の解放は RunJob 側が行う
	if runner.discards != 0 {
		t.Fatalf("DiscardJob called %d times on success, want 0", runner.discards)
	}
}

func TestHandleConvertTaskValidationErrorSkipsRetry(t *testing.T) {
	runner := &scriptedRunner{errs: []error{convert.NewValidationError("corrupt image data")}}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	batch := &BatchRecord{BatchID: "batch-v", JobIDs: []string{"job-bad"}, Total: 1}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	record := newTestRecord("job-bad")
	record.BatchID = "batch-v"
	record.Queue = QueueBatch
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	payload := TaskPayload{JobID: "job-bad", Kind: convert.KindImage, BatchID: "batch-v"}
	err := manager.handleConvertTask(ctx, convertTask(t, payload))
	if err == nil {
		t.Fatal("expected error from handleConvertTask")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("validation failure must not be retried, got %v", err)
	}

	got, err := store.Get(ctx, "job-bad")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != StateFailure {
		t.Fatalf("record state = %s, want %s", got.State, StateFailure)
	}
	if got.Error == nil || got.Error.Class != convert.ClassValidation {
		t.Fatalf("error classification not persisted: %#v", got.Error)
	}
	if runner.discards != 1 {
		t.Fatalf("DiscardJob called %d times, want 1", runner.discards)
	}

	counters, err := store.GetBatch(ctx, "batch-v")
	if err != nil {
		t.Fatalf("GetBatch returned error: %v", err)
	}
	if counters.Failed != 1 || counters.Successful != 0 {
		t.Fatalf("unexpected batch counters: %#v", counters)
	}
	if !counters.Completed() {
		t.Fatal("single-item batch should be completed")
	}
}

func TestHandleConvertTaskDropsStaleAttempt(t *testing.T) {
	runner := &scriptedRunner{}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("job-done")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkProcessing(ctx, "job-done", 1); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}
	if err := store.MarkFailed(ctx, "job-done", &ErrorInfo{Class: convert.ClassTimeout, Code: "TIME_LIMIT_EXCEEDED", Message: "timed out"}); err != nil {
		t.Fatalf("MarkFailed returned error: %v", err)
	}

	// ハードタイムアウト後に再配送された遅延リトライは黙って破棄される
	payload := TaskPayload{JobID: "job-done", Kind: convert.KindImage}
	if err := manager.handleConvertTask(ctx, convertTask(t, payload)); err != nil {
		t.Fatalf("stale attempt should be dropped, got %v", err)
	}
	if runner.runs != 0 {
		t.Fatalf("runner invoked %d times for terminal job, want 0", runner.runs)
	}
}

func TestHandleConvertTaskExpiredRecord(t *testing.T) {
	runner := &scriptedRunner{}
	manager, _ := newTestManager(t, runner)

	payload := TaskPayload{JobID: "job-gone", Kind: convert.KindImage}
	err := manager.handleConvertTask(context.Background(), convertTask(t, payload))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expired record must not be retried, got %v", err)
	}
	if runner.runs != 0 {
		t.Fatalf("runner invoked %d times for expired job, want 0", runner.runs)
	}
}

func TestFinishWithErrorRetryThenSuccess(t *testing.T) {
	runner := &scriptedRunner{}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	batch := &BatchRecord{BatchID: "batch-r", JobIDs: []string{"job-retry"}, Total: 1}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	record := newTestRecord("job-retry")
	record.BatchID = "batch-r"
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkProcessing(ctx, "job-retry", 1); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	payload := TaskPayload{JobID: "job-retry", Kind: convert.KindImage, BatchID: "batch-r"}
	transient := convert.NewTransientError("codec crashed", errors.New("signal: killed"))

	// 1回目の試行: リトライ可能エラーはそのまま返し、レコードは PROCESSING のまま
	err := manager.finishWithError(ctx, payload, 1, 2, transient)
	if err == nil {
		t.Fatal("retryable failure must surface an error for the broker")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("retryable failure must not skip retry: %v", err)
	}
	got, err := store.Get(ctx, "job-retry")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != StateProcessing || got.Attempt != 1 {
		t.Fatalf("record should stay PROCESSING at attempt 1: %#v", got)
	}
	if runner.discards != 0 {
		t.Fatalf("workspace must be kept for the retry, discards = %d", runner.discards)
	}

	// 2回目の試行で成功
	if err := store.MarkProcessing(ctx, "job-retry", 2); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}
	got, err = store.Get(ctx, "job-retry")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.Attempt != 2 {
		t.Fatalf("record attempt = %d, want 2", got.Attempt)
	}
	result := &convert.Result{OutputFilename: "job-retry.png", TargetFormat: "png"}
	if err := manager.finishWithSuccess(ctx, payload, result); err != nil {
		t.Fatalf("finishWithSuccess returned error: %v", err)
	}
	got, err = store.Get(ctx, "job-retry")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != StateSuccess {
		t.Fatalf("record state = %s, want %s", got.State, StateSuccess)
	}

	counters, err := store.GetBatch(ctx, "batch-r")
	if err != nil {
		t.Fatalf("GetBatch returned error: %v", err)
	}
	if counters.Successful != 1 || counters.Failed != 0 {
		t.Fatalf("unexpected batch counters: %#v", counters)
	}
}

func TestFinishWithErrorFinalAttemptArchives(t *testing.T) {
	runner := &scriptedRunner{}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("job-last")); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkProcessing(ctx, "job-last", 3); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	payload := TaskPayload{JobID: "job-last", Kind: convert.KindImage}
	transient := convert.NewTransientError("codec crashed", errors.New("signal: killed"))

	// 最終試行のリトライ可能エラーは FAILURE で確定し、元のエラーを返す
	err := manager.finishWithError(ctx, payload, 3, 2, transient)
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("final attempt should return the original error, got %v", err)
	}
	got, err := store.Get(ctx, "job-last")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if got.State != StateFailure {
		t.Fatalf("record state = %s, want %s", got.State, StateFailure)
	}
	if got.Error == nil || got.Error.Class != convert.ClassTransient {
		t.Fatalf("error classification not persisted: %#v", got.Error)
	}
	if runner.discards != 1 {
		t.Fatalf("DiscardJob called %d times, want 1", runner.discards)
	}
}

func TestFinishWithErrorIgnoresDuplicateCompletion(t *testing.T) {
	runner := &scriptedRunner{}
	manager, store := newTestManager(t, runner)
	ctx := context.Background()

	batch := &BatchRecord{BatchID: "batch-d", JobIDs: []string{"job-dup"}, Total: 1}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch returned error: %v", err)
	}
	record := newTestRecord("job-dup")
	record.BatchID = "batch-d"
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if err := store.MarkProcessing(ctx, "job-dup", 1); err != nil {
		t.Fatalf("MarkProcessing returned error: %v", err)
	}

	payload := TaskPayload{JobID: "job-dup", Kind: convert.KindImage, BatchID: "batch-d"}
	failure := convert.NewValidationError("corrupt image data")

	if err := manager.finishWithError(ctx, payload, 1, 0, failure); err == nil {
		t.Fatal("expected error from first completion")
	}

	// ハードタイムアウト再配送による重複完了。カウンターを二重に進めてはならない。
	if err := manager.finishWithError(ctx, payload, 2, 0, failure); err != nil {
		t.Fatalf("duplicate completion should be dropped, got %v", err)
	}

	counters, err := store.GetBatch(ctx, "batch-d")
	if err != nil {
		t.Fatalf("GetBatch returned error: %v", err)
	}
	if counters.Failed != 1 || counters.Successful != 0 {
		t.Fatalf("duplicate completion must not advance counters: %#v", counters)
	}
	if counters.Successful+counters.Failed > counters.Total {
		t.Fatalf("counters exceed total: %#v", counters)
	}
	if runner.discards != 1 {
		t.Fatalf("DiscardJob called %d times, want 1", runner.discards)
	}
}
