package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/civicbridge/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter

	// 公開パイプライン
	Publisher PublisherInterface

	// モデレーション
	ModerationService ModerationServiceInterface

	// 連携アカウント管理
	GrantService GrantServiceInterface

	// インポート
	ImportRunner ImportRunnerInterface
	ImportOrgIDs []string

	// 運用ビュー
	SyncLogHandler *SyncLogHandler
	HealthHandler  *HealthHandler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → RateLimit
//
// Webhook受信（/webhooks/*）はAPI全般とは独立したレート制限バケットを使う。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware())

	publishHandler := NewPublishHandler(deps.Publisher)
	actionHandler := NewActionHandler(deps.ModerationService)
	grantHandler := NewGrantHandler(deps.GrantService)
	importHandler := NewImportHandler(deps.ImportRunner, deps.ImportOrgIDs)

	// ヘルスチェックはレート制限の外に配置する
	r.Get("/health", deps.HealthHandler.Check)

	// CMSからのWebhook受信（専用レート制限）
	r.Route("/webhooks", func(r chi.Router) {
		r.Use(deps.RateLimiter.WebhookMiddleware())
		r.Post("/cms", publishHandler.ReceiveWebhook)
	})

	// 管理API（全般レート制限）
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// 手動公開
		r.Post("/api/publish", publishHandler.PublishManually)

		// インポート実行
		r.Post("/api/import/run", importHandler.Run)

		// モデレーション
		r.Route("/api/actions", func(r chi.Router) {
			r.Get("/", actionHandler.ListApproved)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/approve", actionHandler.Approve)
				r.Post("/reject", actionHandler.Reject)
				r.Put("/pin", actionHandler.SetPinned)
				r.Put("/priority", actionHandler.SetPriority)
			})
		})

		// 同期ログの運用ビュー
		r.Get("/api/synclog", deps.SyncLogHandler.List)

		// 連携アカウント管理
		r.Delete("/api/accounts/{accountID}/grant", grantHandler.Disconnect)
	})

	return r
}
