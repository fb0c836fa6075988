package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/letsmeetup/internal/middleware"
	"github.com/hitoshi/letsmeetup/internal/security"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	BrowserCookie      middleware.BrowserCookieConfig
	CSRF               middleware.CSRFConfig
	CORSAllowedOrigins []string
	RateLimiter        *middleware.RateLimiter
	StatusRecorder     middleware.StatusRecorder
	TokenVerifier      middleware.TokenVerifier

	// セッションと設定
	Sessions  middleware.SessionSource
	Editors   EditorSource
	Sanitizer security.TextSanitizer

	AuthConfig AuthHandlerConfig

	// 運用
	HealthPinger   Pinger
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → BrowserSession → CSRF → RateLimit(General)
//
// /health と /metrics はブラウザセッションを持たないためチェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{
		HSTS: deps.BrowserCookie.Secure,
	}))

	// --- 運用エンドポイント ---
	r.Get("/health", NewHealthHandler(deps.HealthPinger, logger))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	sessionHandler := NewSessionHandler(deps.Sessions, SessionHandlerConfig{
		AllowedOrigins: deps.CORSAllowedOrigins,
	}, logger)
	authHandler := NewAuthHandler(deps.Sessions, deps.Editors, deps.Sanitizer, deps.AuthConfig, logger)
	settingsHandler := NewSettingsHandler(deps.Editors, deps.Sanitizer, logger)

	requireAuth := middleware.NewRequireAuthMiddleware(deps.Sessions, middleware.AuthConfig{
		Verifier: deps.TokenVerifier,
		Logger:   logger,
	})

	// --- ブラウザセッションを持つルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigins))
		r.Use(middleware.NewBrowserSessionMiddleware(deps.BrowserCookie))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		// 外部IdPからの戻り先（IdPからのリダイレクトのためレート制限の対象外）
		r.Get(callbackPath, authHandler.Callback)

		r.Route("/api", func(r chi.Router) {
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

			// 認証状態
			r.Get("/session", sessionHandler.Get)
			r.Get("/session/events", sessionHandler.Events)

			// 認証操作（資格情報を扱うエンドポイントは認証用のレート制限を追加）
			r.Route("/auth", func(r chi.Router) {
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/signup", authHandler.Signup)
				r.With(deps.RateLimiter.AuthMiddleware()).Post("/login", authHandler.Login)
				r.Post("/logout", authHandler.Logout)
				r.Get("/oauth/{provider}", authHandler.OAuthStart)
				r.With(requireAuth, deps.RateLimiter.AuthMiddleware()).Put("/password", authHandler.ChangePassword)
			})

			// 設定の選択肢は未ログインでも参照できる
			r.Get("/settings/options", settingsHandler.Options)

			// プロフィールと設定
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Get("/settings", settingsHandler.Get)
				r.Put("/settings", settingsHandler.Put)
				r.Post("/settings/toggle", settingsHandler.Toggle)
			})
		})
	})

	return r
}
