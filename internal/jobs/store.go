package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix   = "job:"
	batchKeyPrefix = "batch:"

	batchFieldMeta       = "meta"
	batchFieldSuccessful = "successful"
	batchFieldFailed     = "failed"
)

// ErrTerminalState は終了状態のジョブへの書き込みを拒否したことを示します。
// 遅延して完了したリトライ試行からの書き込みはこのエラーで破棄されます。
var ErrTerminalState = errors.New("job is in a terminal state")

// ErrNotFound は対象のジョブ/バッチが存在しないか期限切れであることを示します。
var ErrNotFound = errors.New("job not found")

// Store はジョブ状態とバッチ集計を Redis に保存します。レコードは固定のTTLで
// 失効し、失効後の照会は not found になります（PENDING を偽装しません）。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Get はジョブ情報を取得します。存在しないIDには ErrNotFound を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Create は新規ジョブレコードを保存します。
func (s *Store) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return fmt.Errorf("record.JobID is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}
	if record.State == "" {
		record.State = StatePending
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// Delete はジョブレコードを削除します。エンキュー失敗時の巻き戻しに使います。
func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.rdb.Del(ctx, jobKey(jobID)).Err()
}

// MarkProcessing はワーカーがジョブを取得したことを記録します。リトライ時は
// PROCESSING のまま試行回数のみが増えます。
func (s *Store) MarkProcessing(ctx context.Context, jobID string, attempt int) error {
	return s.updatePartial(ctx, jobID, StateProcessing, func(record *Record) {
		record.Attempt = attempt
		record.Progress = ProgressInfo{Percent: 0, Step: "starting"}
		record.Error = nil
	})
}

// UpdateProgress は進捗を更新します。進捗の書き込みはジョブを保持するワーカーのみが行います。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, StateProcessing, func(record *Record) {
		record.Progress = progress
	})
}

// MarkSucceeded はジョブ成功を記録します。
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, result *ResultInfo) error {
	return s.updatePartial(ctx, jobID, StateSuccess, func(record *Record) {
		record.Progress = ProgressInfo{Percent: 100, Step: "completed"}
		record.Result = result
		record.Error = nil
	})
}

// MarkFailed はジョブ失敗を記録します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, StateFailure, func(record *Record) {
		record.Result = nil
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// updatePartial はレコードを読み出し、状態遷移を検証したうえで書き戻します。
// 終了状態のレコードへの書き込みは ErrTerminalState で拒否されます。
func (s *Store) updatePartial(ctx context.Context, jobID string, next State, mutate func(*Record)) error {
	key := jobKey(jobID)
	for {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return fmt.Errorf("%w: %s", ErrNotFound, jobID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		if !record.State.CanTransitionTo(next) {
			if record.State.Terminal() {
				return fmt.Errorf("%w: %s (%s -> %s)", ErrTerminalState, jobID, record.State, next)
			}
			return fmt.Errorf("invalid state transition for %s: %s -> %s", jobID, record.State, next)
		}
		record.State = next
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()

		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		tx := s.rdb.TxPipeline()
		tx.Set(ctx, key, payload, s.ttl)
		_, err = tx.Exec(ctx)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

// CreateBatch はバッチレコードを保存します。静的な情報はJSONで、勝敗カウンターは
// ハッシュの整数フィールドで持ち、並行する完了報告を HIncrBy で安全に集計します。
func (s *Store) CreateBatch(ctx context.Context, batch *BatchRecord) error {
	if batch == nil {
		return fmt.Errorf("batch is nil")
	}
	if batch.BatchID == "" {
		return fmt.Errorf("batch.BatchID is required")
	}
	if batch.CreatedAt.IsZero() {
		batch.CreatedAt = time.Now().UTC()
	}

	meta, err := json.Marshal(batch)
	if err != nil {
		return err
	}

	key := batchKey(batch.BatchID)
	tx := s.rdb.TxPipeline()
	tx.HSet(ctx, key, map[string]interface{}{
		batchFieldMeta:       meta,
		batchFieldSuccessful: 0,
		batchFieldFailed:     0,
	})
	tx.Expire(ctx, key, s.ttl)
	_, err = tx.Exec(ctx)
	return err
}

// GetBatch はバッチ情報を取得します。カウンターは読み出し時点のスナップショットです。
func (s *Store) GetBatch(ctx context.Context, batchID string) (*BatchRecord, error) {
	if batchID == "" {
		return nil, fmt.Errorf("batchID is required")
	}
	fields, err := s.rdb.HGetAll(ctx, batchKey(batchID)).Result()
	if err != nil {
		return nil, err
	}
	meta, ok := fields[batchFieldMeta]
	if !ok {
		return nil, ErrNotFound
	}

	var batch BatchRecord
	if err := json.Unmarshal([]byte(meta), &batch); err != nil {
		return nil, err
	}
	batch.Successful = parseCounter(fields[batchFieldSuccessful])
	batch.Failed = parseCounter(fields[batchFieldFailed])
	return &batch, nil
}

// RecordBatchOutcome はサブジョブの終了をバッチカウンターへ反映します。
// 複数のサブジョブ完了が同時に到着してもアトミックに加算されます。
func (s *Store) RecordBatchOutcome(ctx context.Context, batchID string, succeeded bool) error {
	field := batchFieldFailed
	if succeeded {
		field = batchFieldSuccessful
	}
	return s.rdb.HIncrBy(ctx, batchKey(batchID), field, 1).Err()
}

func parseCounter(value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return n
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func batchKey(id string) string {
	return batchKeyPrefix + id
}
