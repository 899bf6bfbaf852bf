package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/estate-report/internal/backend"
	"github.com/hitoshi/estate-report/internal/metrics"
	"github.com/hitoshi/estate-report/internal/middleware"
	"github.com/hitoshi/estate-report/internal/role"
	"github.com/hitoshi/estate-report/internal/view"
)

// Recorder はハンドラーとミドルウェアが記録するメトリクス。metrics.Collectorが実装する。
type Recorder interface {
	AuthAttemptRecorder
	middleware.SessionEventRecorder
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 認証バックエンドとロール解決
	Provider backend.Provider
	Roles    *role.Resolver

	// 画面
	Renderer  PageRenderer
	Sanitizer MessageSanitizer

	// ミドルウェア設定
	AuthConfig        middleware.AuthConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string

	// 運用
	Metrics       Recorder
	Gatherer      prometheus.Gatherer
	HealthChecker HealthChecker

	Logger *slog.Logger
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Logging → Recovery → SecurityHeaders → CSRF → Auth
//
// Recoveryをロギングの内側に置き、panicした要求も500としてログに残す。
//
// /health・/metrics・/static はCSRFと認証の外に配置する。
// /api 配下はCORSを最初に適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.CSRFConfig.CookieSecure))

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(deps.Gatherer))
	}
	r.Handle("/static/*", view.StaticHandler())

	// deps.Metricsがnilの場合は両方ともnilインターフェースになる
	var sessionRecorder middleware.SessionEventRecorder = deps.Metrics
	var attemptRecorder AuthAttemptRecorder = deps.Metrics
	csrf := middleware.NewCSRFMiddleware(deps.CSRFConfig)
	auth := middleware.NewAuthMiddleware(deps.Provider, deps.Roles, deps.AuthConfig, sessionRecorder, logger)

	authHandler := NewAuthHandler(deps.Renderer, deps.Sanitizer, attemptRecorder, logger)

	// --- 画面とフォーム送信 ---
	r.Group(func(r chi.Router) {
		r.Use(csrf, auth)

		r.Get("/", authHandler.Index)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/signin", authHandler.SignIn)
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signout", authHandler.SignOut)
		})
	})

	// --- JSON API ---
	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
		r.Use(csrf)

		r.Handle("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig))

		r.Group(func(r chi.Router) {
			r.Use(auth, middleware.RequireSession)
			r.Get("/me", Me)
			r.With(middleware.RequireEditor).Get("/roles", ListRoles)
		})
	})

	return r
}
