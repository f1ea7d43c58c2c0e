// Package app はアプリケーションの起動・依存関係のワイヤリング・シャットダウンを提供する。
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

	"github.com/hitoshi/guildpanel/internal/auth"
	"github.com/hitoshi/guildpanel/internal/cache"
	"github.com/hitoshi/guildpanel/internal/config"
	"github.com/hitoshi/guildpanel/internal/database"
	"github.com/hitoshi/guildpanel/internal/discord"
	"github.com/hitoshi/guildpanel/internal/handler"
	"github.com/hitoshi/guildpanel/internal/logger"
	"github.com/hitoshi/guildpanel/internal/metrics"
	"github.com/hitoshi/guildpanel/internal/middleware"
	"github.com/hitoshi/guildpanel/internal/ratelimit"
	"github.com/hitoshi/guildpanel/internal/repository"
	"github.com/hitoshi/guildpanel/internal/token"
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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
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
	configRepo := repository.NewPostgresGuildConfigRepo(db)

	// 3. セッショントークンコーデックの初期化
	codec, err := token.NewCodec(cfg.SessionSecret)
	if err != nil {
		return fmt.Errorf("failed to initialize session codec: %w", err)
	}

	// 4. Discordクライアントの初期化
	oauthProvider := discord.NewOAuthProvider(discord.OAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.DiscordRedirectURL,
	})
	discordClient := discord.NewClient(cfg.DiscordBotToken, slog.Default())

	// 5. キャッシュストアの初期化
	stores := &cache.Stores{
		Guilds:   cache.NewGuildStore(cfg.GuildCacheTTL, cache.DefaultCheckPeriod),
		Roles:    cache.NewRoleStore(cfg.RoleCacheTTL, cache.DefaultCheckPeriod),
		Channels: cache.NewChannelStore(cfg.ChannelCacheTTL, cache.DefaultCheckPeriod),
		Members:  cache.NewMemberStore(cfg.MemberCacheTTL, cache.DefaultCheckPeriod),
		Search:   cache.NewSearchStore(cfg.SearchCacheTTL, cache.DefaultCheckPeriod),
	}
	defer stores.Stop()

	// 6. メトリクスの初期化
	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)
	discordClient.SetRecorder(collector)

	// 7. 認証ゲートの初期化
	gate := auth.NewGate(codec, oauthProvider, discordClient, configRepo, stores.Guilds, collector, slog.Default())

	// 8. レート制限の初期化（全てユーザー単位・固定ウィンドウ）
	generalLimiter := ratelimit.New(ratelimit.Config{
		Points:          cfg.RateLimitGeneral,
		Window:          time.Minute,
		CleanupInterval: 10 * time.Minute,
	})
	defer generalLimiter.Stop()

	searchLimiter := ratelimit.New(ratelimit.Config{
		Points:          cfg.RateLimitSearch,
		Window:          time.Minute,
		Block:           ratelimit.QuadraticBlock(cfg.RateLimitBlock),
		CleanupInterval: 10 * time.Minute,
	})
	defer searchLimiter.Stop()

	// パネル送信は高速ウィンドウとバーストウィンドウの二段構え
	panelFast := ratelimit.New(ratelimit.Config{
		Points:          1,
		Window:          time.Second,
		CleanupInterval: 10 * time.Minute,
	})
	defer panelFast.Stop()
	panelBurst := ratelimit.New(ratelimit.Config{
		Points:          cfg.RateLimitPanel,
		Window:          time.Minute,
		Block:           ratelimit.QuadraticBlock(cfg.RateLimitBlock),
		CleanupInterval: 10 * time.Minute,
	})
	defer panelBurst.Stop()
	panelLimiter := ratelimit.NewBursty(panelFast, panelBurst)

	// 9. ハンドラーの構築
	cookieConfig := middleware.CookieConfig{
		Secure:   cfg.CookieSecure,
		Domain:   cfg.CookieDomain,
		MaxAge:   cfg.SessionMaxAge,
		SameSite: http.SameSiteLaxMode,
	}

	authHandler := handler.NewAuthHandler(oauthProvider, discordClient, codec, gate, gate, handler.AuthHandlerConfig{
		BaseURL: cfg.BaseURL,
		Cookie:  cookieConfig,
	})
	guildHandler := handler.NewGuildHandler(gate, discordClient, configRepo, stores, collector)

	// 10. ルーターの構築
	deps := &handler.RouterDeps{
		Authenticator: gate,
		CookieConfig:  cookieConfig,
		CSRFConfig: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Logger:            slog.Default(),

		GeneralLimiter: generalLimiter,
		SearchLimiter:  searchLimiter,
		PanelLimiter:   panelLimiter,

		Recorder: collector,
		Gatherer: registry,

		AuthHandler:  authHandler,
		GuildHandler: guildHandler,

		HealthChecker: db,
	}

	router := handler.NewRouter(deps)

	// 11. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
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

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
