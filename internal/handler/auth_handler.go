// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/guildpanel/internal/auth"
	"github.com/hitoshi/guildpanel/internal/discord"
	"github.com/hitoshi/guildpanel/internal/middleware"
	"github.com/hitoshi/guildpanel/internal/model"
)

const oauthStateCookie = "oauth_state"

// nowFunc はテストで現在時刻を差し替えるためのフック。
var nowFunc = time.Now

// OAuthFlow はOAuth2認可コードフローに必要なインターフェース。
// discord.OAuthProviderの部分集合として定義する。
type OAuthFlow interface {
	LoginURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*discord.TokenGrant, error)
}

// UserFetcher はDiscordユーザー情報の取得に必要なインターフェース。
type UserFetcher interface {
	CurrentUser(ctx context.Context, accessToken string) (*model.DiscordUser, error)
}

// SessionEncoder はセッショントークンの発行に必要なインターフェース。
// token.Codecの部分集合として定義する。
type SessionEncoder interface {
	Encode(session *model.Session) string
	DecodeExpired(tok string) (*model.Session, error)
}

// GuildCacheInvalidator はギルドキャッシュの破棄に必要なインターフェース。
type GuildCacheInvalidator interface {
	InvalidateUserGuilds(userID string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
	Cookie  middleware.CookieConfig
}

// AuthHandler はDiscord OAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	oauth         OAuthFlow
	users         UserFetcher
	codec         SessionEncoder
	authenticator middleware.Authenticator
	invalidator   GuildCacheInvalidator
	config        AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(oauth OAuthFlow, users UserFetcher, codec SessionEncoder, authenticator middleware.Authenticator, invalidator GuildCacheInvalidator, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		oauth:         oauth,
		users:         users,
		codec:         codec,
		authenticator: authenticator,
		invalidator:   invalidator,
		config:        config,
	}
}

// Login はDiscord OAuthフローを開始する。
// GET /auth/discord/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.oauth.LoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/discord/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	// 1. stateの検証（CSRF対策）
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		http.Error(w, "invalid state parameter", http.StatusBadRequest)
		return
	}

	// stateクッキーを削除
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	// 2. 認可コードの取得
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	// 3. アクセストークンとの交換
	grant, err := h.oauth.ExchangeCode(r.Context(), code)
	if err != nil {
		slog.Error("oauth code exchange failed", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 4. ユーザーIDの取得
	user, err := h.users.CurrentUser(r.Context(), grant.AccessToken)
	if err != nil {
		slog.Error("failed to fetch discord user", slog.String("error", err.Error()))
		http.Error(w, "authentication failed", http.StatusInternalServerError)
		return
	}

	// 5. セッショントークンを発行してCookieに設定
	session := &model.Session{
		UserID:       user.ID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt(nowFunc()),
	}
	middleware.SetSessionCookie(w, h.config.Cookie, h.codec.Encode(session))

	slog.Info("user logged in", slog.String("user_id", user.ID))

	// 6. フロントエンドにリダイレクト
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Logout はセッションCookieを破棄し、ギルドキャッシュを無効化する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil && cookie.Value != "" {
		// 期限切れでもユーザーIDを取り出してキャッシュを破棄する
		if session, decodeErr := h.codec.DecodeExpired(cookie.Value); decodeErr == nil {
			h.invalidator.InvalidateUserGuilds(session.UserID)
			slog.Info("user logged out", slog.String("user_id", session.UserID))
		}
	}

	middleware.ClearSessionCookie(w, h.config.Cookie)
	http.Redirect(w, r, h.config.BaseURL, http.StatusTemporaryRedirect)
}

// Me は現在のログインユーザー情報を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	var rawToken string
	if cookie, err := r.Cookie(middleware.SessionCookieName); err == nil {
		rawToken = cookie.Value
	}

	result := h.authenticator.Authenticate(r.Context(), rawToken)
	if result.Status != auth.StatusValid {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}
	if result.NewToken != "" {
		middleware.SetSessionCookie(w, h.config.Cookie, result.NewToken)
	}

	user, err := h.users.CurrentUser(r.Context(), result.Session.AccessToken)
	if err != nil {
		slog.Error("failed to fetch current user", slog.String("error", err.Error()))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewDiscordAPIError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"id":          user.ID,
		"username":    user.Username,
		"avatar":      user.Avatar,
		"global_name": user.GlobalName,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
