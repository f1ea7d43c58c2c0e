// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hitoshi/guildpanel/internal/auth"
	"github.com/hitoshi/guildpanel/internal/model"
)

// SessionCookieName はセッショントークンを保持するCookieの名前。
const SessionCookieName = "gp_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// sessionContextKey はリクエストコンテキストにセッションを格納するためのキー。
	sessionContextKey = contextKey("session")
)

// CookieConfig はセッションCookieの属性設定。
type CookieConfig struct {
	Secure   bool
	Domain   string
	MaxAge   int // 秒
	SameSite http.SameSite
}

// Authenticator はセッショントークンの検証に必要なインターフェース。
// auth.Gateの部分集合として定義する。
type Authenticator interface {
	Authenticate(ctx context.Context, rawToken string) auth.AuthResult
}

// SetSessionCookie はセッショントークンをHTTP Only Cookieとして設定する。
func SetSessionCookie(w http.ResponseWriter, config CookieConfig, tok string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    tok,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: config.SameSite,
	})
}

// ClearSessionCookie はセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: config.SameSite,
	})
}

// NewSessionMiddleware はHTTP Only Cookieからセッショントークンを読み取り、
// 検証するミドルウェアを返す。期限切れの場合はリフレッシュを試み、
// 成功すれば再発行されたトークンをCookieに書き戻す。
// 認証済みユーザーIDとセッションをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返し、Cookieを削除する。
func NewSessionMiddleware(authenticator Authenticator, config CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var rawToken string
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				rawToken = cookie.Value
			}

			result := authenticator.Authenticate(r.Context(), rawToken)

			switch result.Status {
			case auth.StatusValid:
				// リフレッシュで再発行された場合はCookieを更新する
				if result.NewToken != "" {
					SetSessionCookie(w, config, result.NewToken)
				}

			case auth.StatusNoToken:
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return

			case auth.StatusNetwork:
				// Discord側の一時障害。Cookieは維持し、リトライを促す。
				WriteErrorResponse(w, http.StatusBadGateway, model.NewDiscordAPIError())
				return

			default:
				// StatusInvalid / StatusExpired: 再ログインが必要
				ClearSessionCookie(w, config)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewSessionExpiredError())
				return
			}

			ctx := context.WithValue(r.Context(), userIDContextKey, result.Session.UserID)
			ctx = context.WithValue(ctx, sessionContextKey, result.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// SessionFromContext はリクエストコンテキストからセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.Session, error) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	if !ok || session == nil {
		return nil, fmt.Errorf("session not found in context")
	}
	return session, nil
}

// ContextWithSession はコンテキストにユーザーIDとセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, userIDContextKey, session.UserID)
	return context.WithValue(ctx, sessionContextKey, session)
}
