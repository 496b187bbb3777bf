package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
// 実行中に変更できるのはキャッシュTTLのみで、それは ResponseCache 側で管理する。
type Config struct {
	// Database
	DatabaseURL string

	// Canvas
	CanvasBaseURL             string
	CanvasMinRequestInterval  time.Duration
	CanvasRequestTimeout      time.Duration
	CanvasPerPage             int
	CanvasAllowPrivateNetwork bool

	// Credentials
	TokenEncryptionKey string

	// Admin API
	AdminAPIToken        string
	TriggerRatePerMinute int

	// Sync
	SyncInterval       time.Duration
	SyncBatchSize      int
	MaxConcurrentSyncs int
	SyncJobTimeout     time.Duration
	JobHistoryLimit    int
	JobRetentionDays   int

	// Cache
	CacheTTL time.Duration

	// Observability
	LogLevel        string
	TracingExporter string
	OTLPEndpoint    string

	// Server
	ServerPort string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.CanvasBaseURL = required("CANVAS_BASE_URL")
	cfg.TokenEncryptionKey = required("TOKEN_ENCRYPTION_KEY")
	cfg.AdminAPIToken = required("ADMIN_API_TOKEN")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.CanvasMinRequestInterval = getEnvDuration("CANVAS_MIN_REQUEST_INTERVAL", 100*time.Millisecond)
	cfg.CanvasRequestTimeout = getEnvDuration("CANVAS_REQUEST_TIMEOUT", 30*time.Second)
	cfg.CanvasPerPage = getEnvInt("CANVAS_PER_PAGE", 50)
	cfg.CanvasAllowPrivateNetwork = getEnvBool("CANVAS_ALLOW_PRIVATE_NETWORK", false)
	cfg.TriggerRatePerMinute = getEnvInt("TRIGGER_RATE_PER_MINUTE", 6)
	cfg.SyncInterval = time.Duration(getEnvInt("SYNC_INTERVAL_MINUTES", 15)) * time.Minute
	cfg.SyncBatchSize = getEnvInt("SYNC_BATCH_SIZE", 50)
	cfg.MaxConcurrentSyncs = getEnvInt("MAX_CONCURRENT_SYNCS", 5)
	cfg.SyncJobTimeout = getEnvDuration("SYNC_JOB_TIMEOUT", 10*time.Minute)
	cfg.JobHistoryLimit = getEnvInt("JOB_HISTORY_LIMIT", 100)
	cfg.JobRetentionDays = getEnvInt("JOB_RETENTION_DAYS", 30)
	cfg.CacheTTL = time.Duration(getEnvInt("CACHE_TTL_MINUTES", 5)) * time.Minute
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.TracingExporter = getEnvString("TRACING_EXPORTER", "none")
	cfg.OTLPEndpoint = getEnvString("OTLP_ENDPOINT", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")

	if cfg.SyncInterval <= 0 {
		return nil, fmt.Errorf("SYNC_INTERVAL_MINUTES must be positive")
	}
	if cfg.MaxConcurrentSyncs <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENT_SYNCS must be positive")
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
