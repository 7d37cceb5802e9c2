// Package app はアプリケーションの起動と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/civicbridge/internal/auth"
	"github.com/hitoshi/civicbridge/internal/bluesky"
	"github.com/hitoshi/civicbridge/internal/config"
	"github.com/hitoshi/civicbridge/internal/database"
	"github.com/hitoshi/civicbridge/internal/handler"
	"github.com/hitoshi/civicbridge/internal/importer"
	"github.com/hitoshi/civicbridge/internal/logger"
	"github.com/hitoshi/civicbridge/internal/metrics"
	"github.com/hitoshi/civicbridge/internal/middleware"
	"github.com/hitoshi/civicbridge/internal/moderation"
	"github.com/hitoshi/civicbridge/internal/publish"
	"github.com/hitoshi/civicbridge/internal/repository"
	"github.com/hitoshi/civicbridge/internal/security"
	"github.com/hitoshi/civicbridge/internal/worker/cleanup"
	"github.com/hitoshi/civicbridge/internal/worker/importjob"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

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

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// buildImporter はインポーター一式をワイヤリングする。serveとworkerで共用する。
func buildImporter(cfg *config.Config, actionRepo repository.ActionRepository, watermarkRepo repository.WatermarkRepository, collector *metrics.Collector) *importer.Importer {
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewDescriptionSanitizer()

	eventsClient := importer.NewEventsClient(
		ssrfGuard, cfg.EventsAPIBase, cfg.ImportPageTimeout, cfg.ImportMaxPageBytes,
	)

	return importer.NewImporter(
		eventsClient, actionRepo, watermarkRepo, sanitizer,
		collector, slog.Default(), cfg.ImportMaxConcurrent,
	)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	grantRepo := repository.NewPostgresGrantRepo(db)
	syncLogRepo := repository.NewPostgresSyncLogRepo(db)
	actionRepo := repository.NewPostgresActionRepo(db)
	watermarkRepo := repository.NewPostgresWatermarkRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. 外部プロトコル連携の初期化
	refresher := bluesky.NewTokenRefresher(bluesky.TokenRefresherConfig{
		Base:     cfg.ProtocolBase,
		ClientID: cfg.ProtocolClientID,
	}, &http.Client{Timeout: cfg.PublishTimeout})

	sessionManager := auth.NewManager(grantRepo, refresher, collector, slog.Default(), auth.ManagerConfig{
		ProtocolBase:   cfg.ProtocolBase,
		RefreshSkew:    cfg.RefreshSkew,
		RequestTimeout: cfg.PublishTimeout,
	})

	// 5. 公開パイプラインの初期化
	verifier := publish.NewWebhookVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	pipeline := publish.NewPipeline(
		syncLogRepo,
		publish.NewManagerAcquirer(sessionManager),
		verifier,
		collector,
		slog.Default(),
	)

	// 6. インポーターとモデレーションの初期化
	importSvc := buildImporter(cfg, actionRepo, watermarkRepo, collector)
	moderationSvc := moderation.NewService(actionRepo, slog.Default())

	// 7. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(buildRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:      slog.Default(),
		RateLimiter: rateLimiter,

		Publisher:         pipeline,
		ModerationService: moderationSvc,
		GrantService:      sessionManager,
		ImportRunner:      importSvc,
		ImportOrgIDs:      cfg.ImportOrgIDs,

		SyncLogHandler: handler.NewSyncLogHandler(syncLogRepo),
		HealthHandler:  handler.NewHealthHandler(db),
	})

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Prometheusスクレイプ用の内部リスナー
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("metrics server starting", slog.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := metricsServer.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、インポートスケジューラとクリーンアップジョブを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	// 2. リポジトリの初期化
	actionRepo := repository.NewPostgresActionRepo(db)
	watermarkRepo := repository.NewPostgresWatermarkRepo(db)

	// 3. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 4. インポーターの初期化
	importSvc := buildImporter(cfg, actionRepo, watermarkRepo, collector)
	scheduler := importjob.NewScheduler(importSvc, cfg.ImportOrgIDs, slog.Default())

	// 5. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(actionRepo, slog.Default())
	cleanupJob.RetentionDays = cfg.RetentionDays

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("import_interval", cfg.ImportInterval),
		slog.Int("max_concurrent", cfg.ImportMaxConcurrent),
		slog.Int("retention_days", cfg.RetentionDays),
	)

	// Prometheusスクレイプ用の内部リスナー
	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metrics.SetupMetricsRoute(registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.StartDaily(ctx)

	// インポートスケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.ImportInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
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

	slog.Info("database migrations completed successfully")
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

// buildRateLimiterConfig は設定値からレート制限構成を組み立てる。
// 環境変数はreq/min単位のため、req/secに変換する。
func buildRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitGeneral > 0 {
		rlCfg.GeneralRate = rateLimitPerSecond(cfg.RateLimitGeneral)
		rlCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitWebhook > 0 {
		rlCfg.WebhookRate = rateLimitPerSecond(cfg.RateLimitWebhook)
		rlCfg.WebhookBurst = cfg.RateLimitWebhook
	}
	return rlCfg
}

// rateLimitPerSecond はreq/min単位の設定値をrate.Limitに変換する。
func rateLimitPerSecond(perMinute int) rate.Limit {
	return rate.Limit(float64(perMinute) / 60.0)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
