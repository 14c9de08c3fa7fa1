package convert

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Scheduler はステージ済みジョブを非同期キューへ投入します。
type Scheduler interface {
	Schedule(ctx context.Context, jobID string, kind Kind, params *ResolvedParams) (queue string, err error)
}

// AvailabilityProbe はブローカーの死活確認です。ディスパッチ判断のたびに
// 新しく確認され、結果はキャッシュされません。
type AvailabilityProbe interface {
	Available(ctx context.Context) bool
}

// Service は変換リクエストの振り分けと実行を担うディスパッチャです。
// 非同期が要求されブローカーが利用可能ならキューへ、それ以外はローカルプールで
// 同期実行します。ブローカーの不調は呼び出し元へのエラーとしては決して現れません。
type Service struct {
	spoolDir   string
	resultsDir string
	softLimit  time.Duration
	codec      Codec
	pool       *WorkerPool
	scheduler  Scheduler
	probe      AvailabilityProbe
	logger     *log.Logger
}

// ServiceOptions は Service の依存をまとめます。
type ServiceOptions struct {
	SpoolDir   string
	ResultsDir string
	SoftLimit  time.Duration
	Codec      Codec
	Pool       *WorkerPool
	Scheduler  Scheduler
	Probe      AvailabilityProbe
	Logger     *log.Logger
}

// NewService は Service を作成します。
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Codec == nil {
		return nil, fmt.Errorf("codec is nil")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	if opts.SpoolDir == "" || opts.ResultsDir == "" {
		return nil, fmt.Errorf("spool dir and results dir are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	softLimit := opts.SoftLimit
	if softLimit <= 0 {
		softLimit = 5 * time.Minute
	}
	return &Service{
		spoolDir:   opts.SpoolDir,
		resultsDir: opts.ResultsDir,
		softLimit:  softLimit,
		codec:      opts.Codec,
		pool:       opts.Pool,
		scheduler:  opts.Scheduler,
		probe:      opts.Probe,
		logger:     logger,
	}, nil
}

// Submit は変換リクエストを受け付けます。
//
//  1. パラメータを解決する。検証エラーはステージングもブローカーアクセスもせず
//     即座に返す。
//  2. 非同期が要求され、かつ死活確認がブローカー利用可能を返した場合のみ
//     キューへ投入し、ジョブハンドルを返す。投入自体が失敗した場合は
//     ハードエラーにせず同期実行へフォールバックする。
//  3. それ以外はローカルプールで同期実行し、結果をそのまま返す。
//
// 非同期を要求した呼び出し元が得るのはベストエフォートの昇格であって、
// ブローカー稼働への依存ではありません。
func (s *Service) Submit(ctx context.Context, req Request) (*Outcome, error) {
	params, err := Resolve(req.Kind, req.Options)
	if err != nil {
		return nil, err
	}

	jobID := uuid.NewString()
	ws, err := StageWorkspace(s.spoolDir, jobID, req.Kind, req.Filename, req.Source, params)
	if err != nil {
		return nil, fmt.Errorf("failed to stage workspace: %w", err)
	}

	if req.Async && s.scheduler != nil && s.probe != nil && s.probe.Available(ctx) {
		queue, err := s.scheduler.Schedule(ctx, jobID, req.Kind, params)
		if err == nil {
			return &Outcome{Handle: &JobHandle{
				JobID:        jobID,
				InitialState: "PENDING",
				Queue:        queue,
			}}, nil
		}
		// ブローカーは死活確認に応答したが投入を拒んだ。呼び出し元には
		// 見せず、同期実行へフォールバックする。
		s.logger.Printf("enqueue failed, falling back to inline execution job=%s: %v", jobID, err)
	}

	defer func() {
		if relErr := ws.Release(); relErr != nil {
			s.logger.Printf("workspace release failed job=%s: %v", jobID, relErr)
		}
	}()

	var result *Result
	runErr := s.pool.Run(ctx, func() error {
		softCtx, cancel := context.WithTimeout(ctx, s.softLimit)
		defer cancel()
		var execErr error
		result, execErr = s.executeStaged(softCtx, ws, nil)
		return execErr
	})
	if runErr != nil {
		return nil, runErr
	}
	return &Outcome{Inline: result}, nil
}

// RunJob はジョブIDに対応する変換をワーカー側で実行します。成功時は
// ワークスペースを解放します。失敗時はリトライに備えて残し、終了判断は
// 呼び出し元（ジョブマネージャー）が DiscardJob で行います。
func (s *Service) RunJob(ctx context.Context, jobID string, reporter ProgressReporter) (*Result, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	ws, err := LoadWorkspace(s.spoolDir, jobID)
	if err != nil {
		return nil, NewValidationError(fmt.Sprintf("ジョブの作業領域が見つかりません: %s", jobID))
	}

	result, err := s.executeStaged(ctx, ws, reporter)
	if err != nil {
		return nil, err
	}

	if relErr := ws.Release(); relErr != nil {
		s.logger.Printf("workspace release failed job=%s: %v", jobID, relErr)
	}
	return result, nil
}

// DiscardJob はジョブの作業領域を破棄します。強制終了を含むあらゆる終了経路で
// 成功時と同じ解放処理が一度だけ行われます。
func (s *Service) DiscardJob(jobID string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is required")
	}
	ws := &Workspace{
		JobID: jobID,
		Dir:   filepath.Join(s.spoolDir, jobID),
	}
	return ws.Release()
}

// executeStaged はステージ済みワークスペース上で変換を実行し、成果物を
// 結果ディレクトリへ移動します。ワークスペースの解放は行いません。
func (s *Service) executeStaged(ctx context.Context, ws *Workspace, reporter ProgressReporter) (*Result, error) {
	manifest := ws.Manifest
	if manifest == nil || manifest.Params == nil {
		return nil, fmt.Errorf("workspace manifest is incomplete: %s", ws.JobID)
	}
	params := manifest.Params

	reportProgress(reporter, "staging", 10)

	info, err := os.Stat(ws.InputPath)
	if err != nil {
		return nil, NewValidationError("入力ファイルが見つかりません。")
	}
	if info.Size() == 0 {
		return nil, NewValidationError("入力ファイルが空です。")
	}

	reportProgress(reporter, "converting", 20)

	outputName := "output." + params.TargetFormat
	outputPath := filepath.Join(ws.OutDir, outputName)
	if err := s.codec.Convert(ctx, ws.InputPath, outputPath, params); err != nil {
		return nil, err
	}

	reportProgress(reporter, "finalizing", 90)

	outInfo, err := os.Stat(outputPath)
	if err != nil {
		return nil, NewTransientError("変換結果の確認に失敗しました。", err)
	}

	if err := os.MkdirAll(s.resultsDir, 0o750); err != nil {
		return nil, NewTransientError("結果ディレクトリの作成に失敗しました。", err)
	}
	finalPath := filepath.Join(s.resultsDir, ws.JobID+"."+params.TargetFormat)
	if err := moveFile(outputPath, finalPath); err != nil {
		return nil, NewTransientError("変換結果の保存に失敗しました。", err)
	}

	return &Result{
		OutputFilename: convertedFilename(manifest.OriginalFilename, params.TargetFormat),
		OutputPath:     finalPath,
		OutputSize:     outInfo.Size(),
		OriginalSize:   manifest.InputSize,
		TargetFormat:   params.TargetFormat,
	}, nil
}

// OpenResult はジョブIDに対応する成果物を開きます。TTLで掃除された後は
// 取得できません。
func (s *Service) OpenResult(jobID, targetFormat string) (*os.File, int64, error) {
	path := filepath.Join(s.resultsDir, jobID+"."+targetFormat)
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func convertedFilename(original, format string) string {
	base := filepath.Base(original)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		stem = "converted"
	}
	return stem + "." + format
}

// moveFile は rename を試み、デバイスをまたぐ場合はコピーで代替します。
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
