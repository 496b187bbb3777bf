// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/canvassync/internal/canvas"
	"github.com/hitoshi/canvassync/internal/config"
	"github.com/hitoshi/canvassync/internal/credential"
	"github.com/hitoshi/canvassync/internal/database"
	"github.com/hitoshi/canvassync/internal/handler"
	"github.com/hitoshi/canvassync/internal/logger"
	"github.com/hitoshi/canvassync/internal/metrics"
	"github.com/hitoshi/canvassync/internal/middleware"
	"github.com/hitoshi/canvassync/internal/model"
	"github.com/hitoshi/canvassync/internal/repository"
	"github.com/hitoshi/canvassync/internal/security"
	"github.com/hitoshi/canvassync/internal/syncer"
	"github.com/hitoshi/canvassync/internal/tracing"
	"github.com/hitoshi/canvassync/internal/worker/cleanup"
	"github.com/hitoshi/canvassync/internal/worker/scheduler"
)

// Version はビルド時に -ldflags で埋め込むバージョン。
var Version = "dev"

const (
	shutdownTimeout = 30 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで作り直す
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	var syncArgs SyncArgs
	if cmd == CommandSync {
		var err error
		if syncArgs, err = ParseSyncArgs(args); err != nil {
			return err
		}
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("version", Version),
		slog.String("port", cfg.ServerPort),
		slog.String("canvas_base_url", cfg.CanvasBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandSync:
		return runSync(ctx, cfg, syncArgs)
	default:
		return runServe(ctx, cfg)
	}
}

// components は serve と sync で共有する依存関係。
type components struct {
	db           *sql.DB
	collector    *metrics.Collector
	registry     *prometheus.Registry
	cache        *canvas.ResponseCache
	credentials  *credential.Service
	jobs         *repository.PostgresSyncJobRepo
	orchestrator *syncer.Orchestrator
}

// wire はDB接続を開き、同期に必要な全依存関係を組み立てる。
func wire(ctx context.Context, cfg *config.Config, log *slog.Logger) (*components, error) {
	// 1. Canvas接続先の検証
	guard := security.NewCanvasEndpointGuard(cfg.CanvasAllowPrivateNetwork)
	if err := guard.ValidateBaseURL(cfg.CanvasBaseURL); err != nil {
		return nil, fmt.Errorf("invalid CANVAS_BASE_URL: %w", err)
	}

	// 2. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info("database connection established")

	// 3. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 4. リポジトリと資格情報
	principalRepo := repository.NewPostgresPrincipalRepo(db)
	mirrorRepo := repository.NewPostgresMirrorRepo(db)
	jobRepo := repository.NewPostgresSyncJobRepo(db)

	encryptor, err := credential.NewTokenEncryptor(cfg.TokenEncryptionKey)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token encryptor: %w", err)
	}
	creds := credential.NewService(principalRepo, encryptor, log)

	// 5. Canvasクライアント
	cache := canvas.NewResponseCache(cfg.CacheTTL)
	pool := canvas.NewPool(
		guard.NewHTTPClient(cfg.CanvasRequestTimeout),
		creds,
		cache,
		log,
		canvas.Config{
			BaseURL:            cfg.CanvasBaseURL,
			MinRequestInterval: cfg.CanvasMinRequestInterval,
			PerPage:            cfg.CanvasPerPage,
		},
		canvas.WithRecorder(collector),
	)
	creds.SetUserResolver(pool)

	// 6. 同期オーケストレーター
	orch := syncer.NewOrchestrator(
		func(principalID string) syncer.RemoteAPI { return pool.For(principalID) },
		mirrorRepo,
		creds,
		security.NewHTMLSanitizer(),
		log,
		syncer.Config{
			JobTimeout:               cfg.SyncJobTimeout,
			RetainedJobsPerPrincipal: cfg.JobHistoryLimit,
		},
		syncer.WithJobRecorder(jobRepo),
		syncer.WithMetrics(collector),
	)

	return &components{
		db:           db,
		collector:    collector,
		registry:     reg,
		cache:        cache,
		credentials:  creds,
		jobs:         jobRepo,
		orchestrator: orch,
	}, nil
}

func setupTracing(ctx context.Context, cfg *config.Config) (tracing.ShutdownFunc, error) {
	exporter, err := tracing.ParseExporter(cfg.TracingExporter)
	if err != nil {
		return nil, err
	}
	return tracing.Setup(ctx, tracing.Config{
		Exporter:     exporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Version:      Version,
	})
}

// runServe は制御APIと定期同期スケジューラを起動する。
// ctx がキャンセルされる（SIGINT/SIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			log.Error("failed to flush traces", slog.String("error", err.Error()))
		}
	}()

	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	// 1. ルーターの構築
	triggerLimiter := middleware.NewTriggerRateLimiter(
		middleware.NewTriggerRateLimiterConfig(cfg.TriggerRatePerMinute), log,
	)
	defer triggerLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		HealthChecker:  c.db,
		MetricsHandler: metrics.Handler(c.registry),
		AdminToken:     cfg.AdminAPIToken,
		TriggerLimiter: triggerLimiter,
		Credentials:    c.credentials,
		SyncService:    c.orchestrator,
		JobFinder:      c.jobs,
		Cache:          c.cache,
	})

	// 2. バックグラウンドジョブ
	bgCtx, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()

	sched := scheduler.NewScheduler(
		c.credentials,
		c.orchestrator,
		scheduler.NewLimiter(cfg.MaxConcurrentSyncs),
		log,
		c.collector,
		cfg.SyncBatchSize,
	)
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Start(bgCtx, cfg.SyncInterval)
	}()

	cleaner := cleanup.NewJobHistoryCleaner(c.db, log, cfg.JobRetentionDays)
	go cleaner.Start(bgCtx, cleanupInterval)

	// 3. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("server listen error: %w", err)
		}
	}
	log.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	// 新しい同期の起動を止めてから実行中のジョブを終わらせる
	cancelBackground()
	<-schedDone
	if err := c.orchestrator.Shutdown(shutdownCtx); err != nil {
		log.Error("sync jobs did not stop in time", slog.String("error", err.Error()))
	}

	log.Info("stopped gracefully")
	return runErr
}

// runSync は1プリンシパルの同期をフォアグラウンドで実行し、結果をログに出力する。
func runSync(ctx context.Context, cfg *config.Config, args SyncArgs) error {
	log := slog.Default()

	shutdownTracing, err := setupTracing(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	c, err := wire(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.db.Close()

	var jobID string
	switch args.Kind {
	case model.SyncKindCourses:
		jobID, err = c.orchestrator.SyncCourses(ctx, args.PrincipalID, true)
	default:
		jobID, err = c.orchestrator.SyncFull(ctx, args.PrincipalID)
	}

	if job, ok := c.orchestrator.GetJobStatus(jobID); ok {
		log.Info("sync finished",
			slog.String("job_id", job.ID),
			slog.String("principal_id", job.PrincipalID),
			slog.String("kind", string(job.Kind)),
			slog.String("status", string(job.Status)),
			slog.Int("items_processed", job.ItemsProcessed),
			slog.Int("items_total", job.ItemsTotal),
			slog.Any("attributes", job.Attributes),
		)
	}
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := database.Version(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
