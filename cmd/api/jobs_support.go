package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
	"github.com/agent-tsuki/FileCraft/internal/jobs"
)

// convertScheduler は convert.Scheduler を jobs.Manager へ橋渡しするアダプターです。
// Service と Manager は相互に依存するため、manager は配線の最後に設定されます。
type convertScheduler struct {
	manager *jobs.Manager
}

func (s *convertScheduler) Schedule(ctx context.Context, jobID string, kind convert.Kind, params *convert.ResolvedParams) (string, error) {
	if s.manager == nil {
		return "", errors.New("job manager is not configured")
	}
	record, err := s.manager.Enqueue(ctx, jobs.EnqueueRequest{
		JobID:  jobID,
		Kind:   kind,
		Params: params,
	})
	if err != nil {
		return "", err
	}
	return record.Queue, nil
}

// appServices はAPIサーバーが使うサービス一式です。
type appServices struct {
	redisClient *redis.Client
	store       *jobs.Store
	service     *convert.Service
	manager     *jobs.Manager
	batches     *jobs.Batches
}

// setupJobs はRedisクライアント・ジョブストア・変換サービス・ジョブマネージャーを
// 配線します。Service が参照するスケジューラーは Manager 生成後に差し込みます。
func setupJobs(cfg *config.Config, logger *log.Logger) (*appServices, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	redisClient := redis.NewClient(opt)

	store := jobs.NewStore(redisClient, cfg.ResultTTL)
	scheduler := &convertScheduler{}

	service, err := convert.NewService(convert.ServiceOptions{
		SpoolDir:   cfg.SpoolDir,
		ResultsDir: cfg.ResultsDir,
		SoftLimit:  cfg.SoftTimeLimit,
		Codec:      convert.NewFFmpegCodec(cfg.FFmpegPath),
		Pool:       convert.NewWorkerPool(cfg.LocalPoolSize),
		Scheduler:  scheduler,
		Probe:      jobs.NewProbe(redisClient, cfg.ProbeTimeout),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := jobs.NewManager(cfg, service, store, logger)
	if err != nil {
		return nil, err
	}
	scheduler.manager = manager

	return &appServices{
		redisClient: redisClient,
		store:       store,
		service:     service,
		manager:     manager,
		batches:     jobs.NewBatches(store, manager, cfg.SpoolDir, logger),
	}, nil
}

// jobStatusHandler はジョブの現在状態を返します。失効済みまたは未知のIDは
// 404 になります（PENDING として扱うことはありません）。
func jobStatusHandler(manager *jobs.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しないか、保持期間を過ぎています。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}

		payload := gin.H{
			"jobId":       record.JobID,
			"kind":        record.Kind,
			"state":       record.State,
			"queue":       record.Queue,
			"attempt":     record.Attempt,
			"maxAttempts": record.MaxAttempts,
			"progress": gin.H{
				"percent": record.Progress.Percent,
				"step":    record.Progress.Step,
			},
			"createdAt": record.CreatedAt,
			"updatedAt": record.UpdatedAt,
		}
		if record.Result != nil {
			payload["result"] = gin.H{
				"outputFilename": record.Result.OutputFilename,
				"outputSize":     record.Result.OutputSize,
				"originalSize":   record.Result.OriginalSize,
				"targetFormat":   record.Result.TargetFormat,
				"downloadUrl":    "/api/jobs/" + record.JobID + "/download",
			}
		}
		if record.Error != nil {
			payload["error"] = record.Error
		}
		if record.BatchID != "" {
			payload["batchId"] = record.BatchID
		}

		c.JSON(http.StatusOK, payload)
	}
}

// jobDownloadHandler は成功したジョブの成果物をストリーム返却します。
func jobDownloadHandler(store *jobs.Store, service *convert.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := store.Get(c.Request.Context(), jobID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_NOT_FOUND",
					"message": "指定されたジョブは存在しないか、保持期間を過ぎています。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record.State != jobs.StateSuccess || record.Result == nil {
			c.JSON(http.StatusConflict, gin.H{
				"code":    "JOB_NOT_COMPLETED",
				"message": "ジョブはまだ完了していないか、失敗しています。",
			})
			return
		}

		file, size, err := service.OpenResult(jobID, record.Result.TargetFormat)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		contentType := "application/octet-stream"
		encodedName := url.PathEscape(record.Result.OutputFilename)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", record.Result.OutputFilename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", record.JobID)
		c.DataFromReader(http.StatusOK, size, contentType, file, nil)
	}
}

// batchSubmitHandler は複数ファイルのバッチ変換を受け付けます。kind は
// クエリパラメータまたはフォームフィールドで指定します。個々のファイルの
// 中身の検証はワーカー側で行われ、ここでは展開と投入のみを行います。
func batchSubmitHandler(batches *jobs.Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		form, err := c.MultipartForm()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "multipart/form-data で変換対象ファイルを送信してください。",
			})
			return
		}

		kindValue := c.PostForm("kind")
		if kindValue == "" {
			kindValue = c.Query("kind")
		}
		kind := convert.Kind(kindValue)
		if !kind.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "kind には image / audio / video / optimize のいずれかを指定してください。",
			})
			return
		}

		fileHeaders := convert.ExtractFiles(form)
		if len(fileHeaders) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "files フィールドに1件以上のファイルを指定してください。",
			})
			return
		}

		opts, err := convert.ParseOptions(c)
		if err != nil {
			convert.RespondWithError(c, err)
			return
		}

		items := make([]jobs.BatchItem, 0, len(fileHeaders))
		opened := make([]multipart.File, 0, len(fileHeaders))
		defer func() {
			for _, f := range opened {
				f.Close()
			}
		}()
		for _, header := range fileHeaders {
			src, err := header.Open()
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": fmt.Sprintf("ファイル %s を読み取れませんでした。", header.Filename),
				})
				return
			}
			opened = append(opened, src)
			items = append(items, jobs.BatchItem{
				Filename: header.Filename,
				Source:   src,
				Size:     header.Size,
			})
		}

		batch, err := batches.Submit(c.Request.Context(), kind, items, opts)
		if err != nil {
			convert.RespondWithError(c, err)
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"batchId": batch.BatchID,
			"total":   batch.Total,
			"jobIds":  batch.JobIDs,
		})
	}
}

// batchStatusHandler はバッチの集計と各サブジョブの状態をまとめて返します。
func batchStatusHandler(batches *jobs.Batches) gin.HandlerFunc {
	return func(c *gin.Context) {
		batchID := c.Param("id")
		if strings.TrimSpace(batchID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "batchId を指定してください。",
			})
			return
		}

		status, err := batches.Get(c.Request.Context(), batchID)
		if err != nil {
			if errors.Is(err, jobs.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "BATCH_NOT_FOUND",
					"message": "指定されたバッチは存在しないか、保持期間を過ぎています。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "バッチ情報の取得に失敗しました。",
			})
			return
		}

		c.JSON(http.StatusOK, status)
	}
}

// healthHandler はブローカーへの疎通を含むヘルスチェックです。ブローカーが
// 落ちていても 200 を返します。変換API自体は同期実行で動き続けるためです。
func healthHandler(redisClient *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		brokerStatus := "ok"
		if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			brokerStatus = "unavailable"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "filecraft-api",
			"version": "0.1.0",
			"broker":  brokerStatus,
		})
	}
}
