package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
)

const (
	taskTypeConvert = "convert:run"
	taskTypeCleanup = "maintenance:cleanup"
)

// メディア種別ごとの名前付きキュー。ルーティングは起動時に一度だけ宣言され、
// 実行中に変更されることはありません。
const (
	QueueImage        = "image_processing"
	QueueAudio        = "audio_processing"
	QueueVideo        = "video_processing"
	QueueOptimization = "optimization"
	QueueBatch        = "batch_processing"
)

// kindQueues は変換種別からキュー名への静的ルーティングテーブルです。
var kindQueues = map[convert.Kind]string{
	convert.KindImage:    QueueImage,
	convert.KindAudio:    QueueAudio,
	convert.KindVideo:    QueueVideo,
	convert.KindOptimize: QueueOptimization,
}

// queuePriorities はワーカーがキューを処理する重みです（デフォルト優先度5、
// メンテナンス系は低優先度）。
var queuePriorities = map[string]int{
	QueueImage:        5,
	QueueAudio:        5,
	QueueVideo:        5,
	QueueBatch:        5,
	QueueOptimization: 1,
}

// QueueFor は変換種別に対応するキュー名を返します。バッチのサブジョブは
// 種別に関わらず専用のバッチキューに入ります。
func QueueFor(kind convert.Kind, batch bool) string {
	if batch {
		return QueueBatch
	}
	if queue, ok := kindQueues[kind]; ok {
		return queue
	}
	return QueueBatch
}

// Runner はワーカー側でジョブ本体を実行できるサービスが実装します。
// RunJob は成功時に作業領域を解放します。失敗時はリトライに備えて残すため、
// 終了が確定した時点でマネージャーが DiscardJob を呼びます。
type Runner interface {
	RunJob(ctx context.Context, jobID string, reporter convert.ProgressReporter) (*convert.Result, error)
	DiscardJob(jobID string) error
}

// TaskPayload は変換ジョブのペイロードです。入力データ本体はワークスペースに
// ステージ済みのため、ブローカーを流れるのはIDと種別のみです。
type TaskPayload struct {
	JobID   string       `json:"jobId"`
	Kind    convert.Kind `json:"kind"`
	BatchID string       `json:"batchId,omitempty"`
}

// EnqueueRequest はジョブ投入に必要な情報です。
type EnqueueRequest struct {
	JobID   string
	Kind    convert.Kind
	Params  *convert.ResolvedParams
	BatchID string
}

// Manager はジョブの投入・実行・状態管理を担います。asynq のクライアントと
// サーバーを保持し、リトライ方針とタイムリミットを一元的に適用します。
type Manager struct {
	cfg     *config.Config
	client  *asynq.Client
	server  *asynq.Server
	mux     *asynq.ServeMux
	store   *Store
	runner  Runner
	cleaner *Cleaner
	logger  *log.Logger
}

// NewManager は Manager を初期化します。
func NewManager(cfg *config.Config, runner Runner, store *Store, logger *log.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if runner == nil {
		return nil, errors.New("runner is nil")
	}
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := asynq.NewClient(opt)
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: cfg.WorkerConcurrency,
			Queues:      queuePriorities,
			// 一時エラーのリトライは固定間隔
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				return cfg.RetryDelay
			},
		},
	)

	mux := asynq.NewServeMux()
	manager := &Manager{
		cfg:     cfg,
		client:  client,
		server:  server,
		mux:     mux,
		store:   store,
		runner:  runner,
		cleaner: NewCleaner(cfg.SpoolDir, cfg.ResultsDir, cfg.ResultTTL, logger),
		logger:  logger,
	}
	mux.HandleFunc(taskTypeConvert, manager.handleConvertTask)
	mux.HandleFunc(taskTypeCleanup, manager.handleCleanupTask)
	return manager, nil
}

// StartWorkers は asynq サーバーをバックグラウンドで起動します。
func (m *Manager) StartWorkers() {
	go func() {
		if err := m.server.Run(m.mux); err != nil && err != asynq.ErrServerClosed {
			m.logger.Printf("asynq server stopped with error: %v", err)
		}
	}()
}

// RunWorkers は asynq サーバーをフォアグラウンドで実行します（専用ワーカープロセス用）。
func (m *Manager) RunWorkers() error {
	return m.server.Run(m.mux)
}

// Shutdown はサーバーとクライアントを閉じます。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.server.Shutdown()
	return m.client.Close()
}

// Enqueue はジョブレコードを作成してキューに投入します。投入自体が失敗した場合は
// レコードを巻き戻して呼び出し元へエラーを返します（呼び出し元は同期実行へ
// フォールバックします）。
func (m *Manager) Enqueue(ctx context.Context, req EnqueueRequest) (*Record, error) {
	if req.JobID == "" {
		return nil, fmt.Errorf("req.JobID is required")
	}
	if req.Params == nil {
		return nil, fmt.Errorf("req.Params is required")
	}

	queue := QueueFor(req.Kind, req.BatchID != "")
	record := &Record{
		JobID:       req.JobID,
		Kind:        req.Kind,
		State:       StatePending,
		Progress:    ProgressInfo{Percent: 0, Step: "queued"},
		Queue:       queue,
		Priority:    queuePriorities[queue],
		Attempt:     0,
		MaxAttempts: m.cfg.MaxAttempts,
		Params:      req.Params,
		BatchID:     req.BatchID,
	}
	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	body, err := json.Marshal(TaskPayload{
		JobID:   req.JobID,
		Kind:    req.Kind,
		BatchID: req.BatchID,
	})
	if err != nil {
		return nil, err
	}

	task := asynq.NewTask(taskTypeConvert, body)
	_, err = m.client.EnqueueContext(ctx, task,
		asynq.Queue(queue),
		asynq.TaskID(req.JobID),
		asynq.MaxRetry(m.cfg.MaxAttempts-1),
		asynq.Timeout(m.cfg.HardTimeLimit),
	)
	if err != nil {
		if delErr := m.store.Delete(ctx, req.JobID); delErr != nil {
			m.logger.Printf("failed to roll back record job=%s: %v", req.JobID, delErr)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return record, nil
}

// GetRecord はジョブ情報を取得します。
func (m *Manager) GetRecord(ctx context.Context, jobID string) (*Record, error) {
	return m.store.Get(ctx, jobID)
}

func (m *Manager) handleConvertTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to parse task payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	retryCount, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	attempt := retryCount + 1

	if err := m.store.MarkProcessing(ctx, payload.JobID, attempt); err != nil {
		if errors.Is(err, ErrTerminalState) {
			// 終了済みジョブに対する遅延リトライ。何もせず破棄する。
			m.logger.Printf("dropping stale attempt for terminal job=%s", payload.JobID)
			return nil
		}
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("job record expired: %s: %w", payload.JobID, asynq.SkipRetry)
		}
		return err
	}

	// ソフトタイムリミット: コーデックにはこのデッドライン内での完了を要求する。
	// ハードリミットは asynq.Timeout により ctx 全体へ適用済み。
	softCtx, cancel := context.WithTimeout(ctx, m.cfg.SoftTimeLimit)
	defer cancel()

	result, err := m.runner.RunJob(softCtx, payload.JobID, func(step string, percent int) {
		if upErr := m.store.UpdateProgress(ctx, payload.JobID, ProgressInfo{Percent: percent, Step: step}); upErr != nil {
			m.logger.Printf("failed to update progress job=%s: %v", payload.JobID, upErr)
		}
	})
	if err != nil {
		return m.finishWithError(ctx, payload, attempt, maxRetry, err)
	}
	return m.finishWithSuccess(ctx, payload, result)
}

func (m *Manager) finishWithSuccess(ctx context.Context, payload TaskPayload, result *convert.Result) error {
	if result == nil {
		return fmt.Errorf("result is nil: %w", asynq.SkipRetry)
	}
	// タイムアウト後の後始末も確実に書き込めるよう、キャンセルから切り離す
	bgCtx := context.WithoutCancel(ctx)
	err := m.store.MarkSucceeded(bgCtx, payload.JobID, &ResultInfo{
		OutputFilename: result.OutputFilename,
		OutputPath:     result.OutputPath,
		OutputSize:     result.OutputSize,
		OriginalSize:   result.OriginalSize,
		TargetFormat:   result.TargetFormat,
	})
	if err != nil {
		if errors.Is(err, ErrTerminalState) {
			return nil
		}
		return err
	}
	m.recordBatchOutcome(bgCtx, payload, true)
	return nil
}

// finishWithError はエラーの分類に基づいてリトライか終了かを決めます。
// 分類は型付きエラーが申告したものであり、メッセージ文字列からは判断しません。
func (m *Manager) finishWithError(ctx context.Context, payload TaskPayload, attempt, maxRetry int, err error) error {
	retryable := convert.IsRetryable(err)
	if retryable && attempt <= maxRetry {
		// 状態は PROCESSING のまま。asynq が固定間隔の後に再実行し、
		// 次の試行で attempt が増える。
		m.logger.Printf("job=%s attempt=%d/%d failed, will retry: %v", payload.JobID, attempt, maxRetry+1, err)
		return err
	}

	bgCtx := context.WithoutCancel(ctx)
	convErr := convert.AsError(err)
	markErr := m.store.MarkFailed(bgCtx, payload.JobID, &ErrorInfo{
		Class:   convErr.Class,
		Code:    convErr.Code,
		Message: convErr.Message,
	})
	if markErr != nil {
		if errors.Is(markErr, ErrTerminalState) {
			// 終了済みレコードへの遅延した重複完了。集計と解放は最初の終了時に
			// 済んでいるため、ここでは何もしない。
			m.logger.Printf("dropping duplicate completion for terminal job=%s", payload.JobID)
			return nil
		}
		m.logger.Printf("failed to mark job=%s failed: %v", payload.JobID, markErr)
	}
	// 終了が確定したので、強制終了を含むどの経路でも同じ解放処理を通す
	if discardErr := m.runner.DiscardJob(payload.JobID); discardErr != nil {
		m.logger.Printf("failed to discard workspace job=%s: %v", payload.JobID, discardErr)
	}
	m.recordBatchOutcome(bgCtx, payload, false)

	if retryable {
		// 最終試行のエラーはそのままアーカイブさせる
		return err
	}
	return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
}

func (m *Manager) recordBatchOutcome(ctx context.Context, payload TaskPayload, succeeded bool) {
	if payload.BatchID == "" {
		return
	}
	if err := m.store.RecordBatchOutcome(ctx, payload.BatchID, succeeded); err != nil {
		m.logger.Printf("failed to record batch outcome batch=%s job=%s: %v", payload.BatchID, payload.JobID, err)
	}
}

func (m *Manager) handleCleanupTask(ctx context.Context, task *asynq.Task) error {
	return m.cleaner.Run(ctx)
}

// NewCleanupScheduler は定期クリーンアップタスクを登録したスケジューラーを返します。
// 専用ワーカープロセスで起動し、TTLを過ぎた作業領域と成果物を1時間ごとに削除します。
func NewCleanupScheduler(cfg *config.Config) (*asynq.Scheduler, error) {
	opt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	scheduler := asynq.NewScheduler(opt, nil)
	if _, err := scheduler.Register(
		"@every 1h",
		asynq.NewTask(taskTypeCleanup, nil),
		asynq.Queue(QueueOptimization),
	); err != nil {
		return nil, fmt.Errorf("failed to register cleanup task: %w", err)
	}
	return scheduler, nil
}
