// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/agent-tsuki/FileCraft/internal/config"
	"github.com/agent-tsuki/FileCraft/internal/convert"
	"github.com/agent-tsuki/FileCraft/internal/middleware"
	"github.com/agent-tsuki/FileCraft/internal/validation"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	logger := log.Default()

	// ジョブ基盤（Redisストア・変換サービス・ジョブマネージャー）の配線
	services, err := setupJobs(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up job services: %v", err)
	}

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.RateLimit(cfg.RateLimitPerSecond, cfg.RateLimitBurst))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
	}
	corsConfig.ExposeHeaders = []string{"Content-Disposition", "X-Job-Id"}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	setupRoutes(router, services)

	// キュー監視ワーカーを同一プロセスでも起動する。専用ワーカープロセス
	// （cmd/worker）が別にあれば、どちらが先にジョブを取っても構わない。
	services.manager.StartWorkers()

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRoutes は変換・ジョブ・バッチ関連のエンドポイントを配線します。
func setupRoutes(router *gin.Engine, services *appServices) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", healthHandler(services.redisClient))

	uploadValidator := validation.NewService()

	api := router.Group("/api")
	{
		convertRoutes := api.Group("/convert")
		{
			convertRoutes.POST("/image", convert.Handler(services.service, uploadValidator, convert.KindImage))
			convertRoutes.POST("/audio", convert.Handler(services.service, uploadValidator, convert.KindAudio))
			convertRoutes.POST("/video", convert.Handler(services.service, uploadValidator, convert.KindVideo))
			convertRoutes.POST("/optimize", convert.Handler(services.service, uploadValidator, convert.KindOptimize))
			convertRoutes.POST("/batch", batchSubmitHandler(services.batches))
		}

		jobRoutes := api.Group("/jobs")
		{
			jobRoutes.GET("/:id", jobStatusHandler(services.manager))
			jobRoutes.GET("/:id/download", jobDownloadHandler(services.store, services.service))
		}

		api.GET("/batches/:id", batchStatusHandler(services.batches))
	}
}
