package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/canvassync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// 認証不要のエンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 管理API
	AdminToken     string
	TriggerLimiter *middleware.TriggerRateLimiter
	Credentials    CredentialRegistrar
	SyncService    SyncService
	JobFinder      JobFinder
	Cache          CacheAdmin
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → AdminAuth(/api のみ)
//
// 手動同期の開始にはプリンシパルごとのレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	healthHandler := NewHealthHandler(deps.HealthChecker, logger)
	principalHandler := NewPrincipalHandler(deps.Credentials, logger)
	syncHandler := NewSyncHandler(deps.SyncService, deps.JobFinder, logger)
	cacheHandler := NewCacheHandler(deps.Cache, logger)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- 管理APIトークンが必要なルート ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewAdminAuthMiddleware(deps.AdminToken, logger))

		r.Post("/principals", principalHandler.RegisterPrincipal)
		r.Route("/principals/{principalID}", func(r chi.Router) {
			trigger := r.With()
			if deps.TriggerLimiter != nil {
				trigger = r.With(deps.TriggerLimiter.Middleware())
			}
			trigger.Post("/sync", syncHandler.TriggerSync)
			r.Get("/sync-jobs", syncHandler.ListJobs)
		})

		r.Get("/sync-jobs/{jobID}", syncHandler.GetJob)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/", cacheHandler.GetCache)
			r.Delete("/", cacheHandler.ClearCache)
			r.Put("/ttl", cacheHandler.SetTTL)
		})
	})

	return r
}
