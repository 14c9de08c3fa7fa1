package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/google/uuid"

	"github.com/agent-tsuki/FileCraft/internal/convert"
)

// BatchItem はバッチに含まれる1件の入力です。
type BatchItem struct {
	Filename string
	Source   io.Reader
	Size     int64
}

// BatchStatus はバッチの集計と各サブジョブの現在状態です。
type BatchStatus struct {
	BatchID    string    `json:"batchId"`
	Total      int       `json:"total"`
	Successful int       `json:"successful"`
	Failed     int       `json:"failed"`
	Completed  bool      `json:"completed"`
	Items      []*Record `json:"items"`
}

// Batches はバッチ投入と集計を担います。入力リストを共通設定を持つN個の独立した
// ジョブへ展開し、個別にキューへ投入します。1件の失敗が他の進行を妨げることは
// ありません。
type Batches struct {
	store    *Store
	manager  *Manager
	spoolDir string
	logger   *log.Logger
}

// NewBatches は Batches を作成します。
func NewBatches(store *Store, manager *Manager, spoolDir string, logger *log.Logger) *Batches {
	if logger == nil {
		logger = log.Default()
	}
	return &Batches{
		store:    store,
		manager:  manager,
		spoolDir: spoolDir,
		logger:   logger,
	}
}

// Submit はバッチを投入します。共通オプションは一度だけ解決され、全サブジョブが
// 同じ解決済みパラメータを共有します。ステージングや投入に失敗したサブジョブは
// その場で FAILURE として記録され、残りの投入は続行されます。
func (b *Batches) Submit(ctx context.Context, kind convert.Kind, items []BatchItem, shared convert.Options) (*BatchRecord, error) {
	if len(items) == 0 {
		return nil, convert.NewValidationError("バッチに変換対象が含まれていません。")
	}

	params, err := convert.Resolve(kind, shared)
	if err != nil {
		return nil, err
	}

	batchID := uuid.NewString()
	jobIDs := make([]string, len(items))
	for i := range items {
		jobIDs[i] = uuid.NewString()
	}

	batch := &BatchRecord{
		BatchID: batchID,
		JobIDs:  jobIDs,
		Total:   len(items),
		Params:  params,
	}
	if err := b.store.CreateBatch(ctx, batch); err != nil {
		return nil, err
	}

	for i, item := range items {
		if err := b.submitItem(ctx, batchID, jobIDs[i], kind, item, params); err != nil {
			b.logger.Printf("batch=%s item=%d (%s) failed to submit: %v", batchID, i, item.Filename, err)
			b.recordItemFailure(ctx, batchID, jobIDs[i], kind, params, err)
		}
	}

	return batch, nil
}

func (b *Batches) submitItem(ctx context.Context, batchID, jobID string, kind convert.Kind, item BatchItem, params *convert.ResolvedParams) error {
	ws, err := convert.StageWorkspace(b.spoolDir, jobID, kind, item.Filename, item.Source, params)
	if err != nil {
		return err
	}

	_, err = b.manager.Enqueue(ctx, EnqueueRequest{
		JobID:   jobID,
		Kind:    kind,
		Params:  params,
		BatchID: batchID,
	})
	if err != nil {
		if relErr := ws.Release(); relErr != nil {
			b.logger.Printf("batch=%s job=%s workspace release failed: %v", batchID, jobID, relErr)
		}
		return err
	}
	return nil
}

// recordItemFailure は投入に失敗したサブジョブを終了状態で記録し、
// 失敗カウンターへ反映します。
func (b *Batches) recordItemFailure(ctx context.Context, batchID, jobID string, kind convert.Kind, params *convert.ResolvedParams, cause error) {
	convErr := convert.AsError(cause)
	record := &Record{
		JobID:       jobID,
		Kind:        kind,
		State:       StateFailure,
		Queue:       QueueBatch,
		Priority:    queuePriorities[QueueBatch],
		Attempt:     1,
		MaxAttempts: b.manager.cfg.MaxAttempts,
		Params:      params,
		BatchID:     batchID,
		Error: &ErrorInfo{
			Class:   convErr.Class,
			Code:    convErr.Code,
			Message: convErr.Message,
		},
	}
	if err := b.store.Create(ctx, record); err != nil {
		b.logger.Printf("batch=%s job=%s failed to record failure: %v", batchID, jobID, err)
	}
	if err := b.store.RecordBatchOutcome(ctx, batchID, false); err != nil {
		b.logger.Printf("batch=%s failed to record outcome: %v", batchID, err)
	}
}

// Get はバッチIDから集計と各サブジョブの状態を1回の呼び出しで返します。
// サブジョブごとのポーリングは不要です。
func (b *Batches) Get(ctx context.Context, batchID string) (*BatchStatus, error) {
	batch, err := b.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	items := make([]*Record, 0, len(batch.JobIDs))
	for _, jobID := range batch.JobIDs {
		record, err := b.store.Get(ctx, jobID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// レコードだけ先に失効した場合は集計のみを返す
				continue
			}
			return nil, fmt.Errorf("failed to load batch item %s: %w", jobID, err)
		}
		items = append(items, record)
	}

	return &BatchStatus{
		BatchID:    batch.BatchID,
		Total:      batch.Total,
		Successful: batch.Successful,
		Failed:     batch.Failed,
		Completed:  batch.Completed(),
		Items:      items,
	}, nil
}
