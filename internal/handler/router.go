package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/guildpanel/internal/metrics"
	"github.com/hitoshi/guildpanel/internal/middleware"
)

// HealthChecker はヘルスチェックに必要なインターフェース。
// sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.Authenticator
	CookieConfig      middleware.CookieConfig
	CSRFConfig        middleware.CSRFConfig
	CORSAllowedOrigin string
	Logger            *slog.Logger

	// レート制限（ユーザーごと）
	GeneralLimiter middleware.PointConsumer
	SearchLimiter  middleware.PointConsumer
	PanelLimiter   middleware.PointConsumer

	// メトリクス
	Recorder metrics.Recorder
	Gatherer prometheus.Gatherer

	// ハンドラー
	AuthHandler  *AuthHandler
	GuildHandler *GuildHandler

	// ヘルスチェック
	HealthChecker HealthChecker
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session → RateLimit(General) → CSRF
//
// 認証ルート（/auth/*）、/health、/metrics はセッションミドルウェアの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	// --- 認証不要のルート ---

	r.Get("/health", newHealthHandler(deps.HealthChecker))

	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// CSRFトークン取得エンドポイント
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	// 認証ルート（OAuthフロー）
	r.Route("/auth", func(r chi.Router) {
		r.Get("/discord/login", deps.AuthHandler.Login)
		r.Get("/discord/callback", deps.AuthHandler.Callback)
		r.Post("/logout", deps.AuthHandler.Logout)
		r.Get("/me", deps.AuthHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General) → CSRF
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.Authenticator, deps.CookieConfig))
		r.Use(middleware.NewRateLimitMiddleware(deps.GeneralLimiter, "general", deps.Recorder))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

		// ギルド管理
		r.Route("/api/guilds", func(r chi.Router) {
			r.Get("/", deps.GuildHandler.ListGuilds)

			r.Route("/{guildID}", func(r chi.Router) {
				r.Get("/", deps.GuildHandler.GetGuildOverview)

				// メンバー検索・個別取得（検索専用レート制限を追加）
				r.With(middleware.NewRateLimitMiddleware(deps.SearchLimiter, "search", deps.Recorder)).
					Get("/members/search", deps.GuildHandler.SearchMembers)
				r.With(middleware.NewRateLimitMiddleware(deps.SearchLimiter, "search", deps.Recorder)).
					Get("/members/{userID}", deps.GuildHandler.GetMember)

				// ギルド設定
				r.Get("/config", deps.GuildHandler.GetConfig)
				r.Put("/config", deps.GuildHandler.PutConfig)

				// パネル送信（送信専用レート制限を追加）
				r.With(middleware.NewRateLimitMiddleware(deps.PanelLimiter, "panel", deps.Recorder)).
					Post("/panel", deps.GuildHandler.SendPanel)
			})
		})
	})

	return r
}

// newHealthHandler はDB接続を確認するヘルスチェックハンドラーを返す。
func newHealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		status := "ok"
		statusCode := http.StatusOK
		if checker != nil {
			if err := checker.PingContext(ctx); err != nil {
				status = "unavailable"
				statusCode = http.StatusServiceUnavailable
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
