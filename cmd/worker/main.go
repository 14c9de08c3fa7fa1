// Package main は変換ジョブを処理する専用ワーカーのエントリーポイントです。
package main

import (
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
	"github.com/agent-tsuki/FileCraft/internal/jobs"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := log.Default()

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	redisClient := redis.NewClient(opt)

	store := jobs.NewStore(redisClient, cfg.ResultTTL)

	// ワーカー側の Service はキュー投入を行わないため、スケジューラーと
	// 死活確認は持たない。
	service, err := convert.NewService(convert.ServiceOptions{
		SpoolDir:   cfg.SpoolDir,
		ResultsDir: cfg.ResultsDir,
		SoftLimit:  cfg.SoftTimeLimit,
		Codec:      convert.NewFFmpegCodec(cfg.FFmpegPath),
		Pool:       convert.NewWorkerPool(cfg.LocalPoolSize),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to set up convert service: %v", err)
	}

	manager, err := jobs.NewManager(cfg, service, store, logger)
	if err != nil {
		log.Fatalf("Failed to set up job manager: %v", err)
	}

	// 定期クリーンアップ（期限切れの作業領域と成果物の削除）
	scheduler, err := jobs.NewCleanupScheduler(cfg)
	if err != nil {
		log.Fatalf("Failed to set up cleanup scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start cleanup scheduler: %v", err)
	}
	defer scheduler.Shutdown()

	log.Printf("Starting worker (concurrency: %d)", cfg.WorkerConcurrency)
	if err := manager.RunWorkers(); err != nil {
		log.Fatalf("Worker stopped with error: %v", err)
	}
}
