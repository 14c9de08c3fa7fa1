// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// Redis / キュー設定
	RedisURL     string        // ブローカー兼ジョブ状態ストア用のRedis接続URL
	ResultTTL    time.Duration // ジョブ結果の保持期間（期限切れ後は not found 扱い）
	ProbeTimeout time.Duration // ブローカー死活確認のタイムアウト

	// ワーカー設定
	WorkerConcurrency int           // asynqワーカーの並列数
	LocalPoolSize     int           // 同期実行用ローカルプールのスロット数（CPUバウンド想定で小さめ）
	MaxAttempts       int           // 一時エラー時の最大試行回数（初回実行を含む）
	RetryDelay        time.Duration // リトライ間隔（固定）
	SoftTimeLimit     time.Duration // ソフトタイムリミット（コーデックに渡すデッドライン）
	HardTimeLimit     time.Duration // ハードタイムリミット（強制終了）

	// 変換処理設定
	FFmpegPath string // ffmpeg実行ファイルのパス
	SpoolDir   string // ジョブ入力の一時作業ディレクトリ
	ResultsDir string // 変換結果の保存先ディレクトリ

	// レート制限設定
	RateLimitPerSecond float64 // 1秒あたりの許可リクエスト数
	RateLimitBurst     int     // バーストとして許可するリクエスト数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// Redis / キュー設定
		RedisURL:     getEnv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		ResultTTL:    getEnvAsDuration("RESULT_TTL_SECONDS", 3600),
		ProbeTimeout: getEnvAsDurationMillis("PROBE_TIMEOUT_MS", 500),

		// ワーカー設定
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 4),
		LocalPoolSize:     getEnvAsInt("LOCAL_POOL_SIZE", 3),
		MaxAttempts:       getEnvAsInt("MAX_ATTEMPTS", 3),
		RetryDelay:        getEnvAsDuration("RETRY_DELAY_SECONDS", 60),
		SoftTimeLimit:     getEnvAsDuration("SOFT_TIME_LIMIT_SECONDS", 300),
		HardTimeLimit:     getEnvAsDuration("HARD_TIME_LIMIT_SECONDS", 600),

		// 変換処理設定
		FFmpegPath: getEnv("FFMPEG_PATH", "ffmpeg"),
		SpoolDir:   getEnv("SPOOL_DIR", filepath.Join(os.TempDir(), "filecraft", "spool")),
		ResultsDir: getEnv("RESULTS_DIR", filepath.Join(os.TempDir(), "filecraft", "results")),

		// レート制限設定
		RateLimitPerSecond: getEnvAsFloat("RATE_LIMIT_PER_SECOND", 10),
		RateLimitBurst:     getEnvAsInt("RATE_LIMIT_BURST", 20),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.LocalPoolSize < 1 {
		return fmt.Errorf("LOCAL_POOL_SIZE must be at least 1, got %d", c.LocalPoolSize)
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("MAX_ATTEMPTS must be at least 1, got %d", c.MaxAttempts)
	}
	if c.SoftTimeLimit <= 0 {
		return fmt.Errorf("SOFT_TIME_LIMIT_SECONDS must be positive")
	}
	// ハードリミットは必ずソフトリミットより長くなければならない
	if c.HardTimeLimit <= c.SoftTimeLimit {
		return fmt.Errorf("HARD_TIME_LIMIT_SECONDS (%s) must be greater than SOFT_TIME_LIMIT_SECONDS (%s)",
			c.HardTimeLimit, c.SoftTimeLimit)
	}
	if c.ResultTTL <= 0 {
		return fmt.Errorf("RESULT_TTL_SECONDS must be positive")
	}
	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration は秒単位の環境変数を time.Duration として取得します。
func getEnvAsDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}

// getEnvAsDurationMillis はミリ秒単位の環境変数を time.Duration として取得します。
func getEnvAsDurationMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
