// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, guild, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeSessionExpired  = "SESSION_EXPIRED"
	ErrCodeGuildNotFound   = "GUILD_NOT_FOUND"
	ErrCodeGuildForbidden  = "GUILD_FORBIDDEN"
	ErrCodeInvalidGuildID  = "INVALID_GUILD_ID"
	ErrCodeInvalidQuery    = "INVALID_QUERY"
	ErrCodeDiscordAPIError = "DISCORD_API_ERROR"
	ErrCodeInvalidSettings = "INVALID_SETTINGS"
	ErrCodeCSRFFailed      = "CSRF_TOKEN_INVALID"
)

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "ログインしていません。",
		Category: "auth",
		Action:   "Discordでログインしてください。",
	}
}

// NewSessionExpiredError はセッション失効エラーを生成する。
// リフレッシュにも失敗した場合に返す。
func NewSessionExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionExpired,
		Message:  "セッションの有効期限が切れています。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewGuildForbiddenError はギルドへのアクセス権がない場合のエラーを生成する。
func NewGuildForbiddenError(guildID string) *APIError {
	return &APIError{
		Code:     ErrCodeGuildForbidden,
		Message:  fmt.Sprintf("このギルドを管理する権限がありません: %s", guildID),
		Category: "guild",
		Action:   "ギルドの「サーバー管理」権限を持つアカウントでログインしてください。",
	}
}

// NewGuildNotFoundError はギルドが見つからない場合のエラーを生成する。
func NewGuildNotFoundError(guildID string) *APIError {
	return &APIError{
		Code:     ErrCodeGuildNotFound,
		Message:  fmt.Sprintf("指定されたギルドが見つかりません: %s", guildID),
		Category: "guild",
		Action:   "ギルドIDを確認してください。",
	}
}

// NewInvalidGuildIDError は無効なギルドIDエラーを生成する。
func NewInvalidGuildIDError(guildID string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidGuildID,
		Message:  fmt.Sprintf("無効なギルドIDです: %s", guildID),
		Category: "validation",
		Action:   "ギルドIDは数値のSnowflake形式で指定してください。",
	}
}

// NewInvalidQueryError は無効な検索クエリエラーを生成する。
func NewInvalidQueryError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidQuery,
		Message:  "検索クエリが無効です。",
		Category: "validation",
		Action:   "1文字以上100文字以下のクエリを指定してください。",
	}
}

// NewDiscordAPIError はDiscord API呼び出し失敗エラーを生成する。
func NewDiscordAPIError() *APIError {
	return &APIError{
		Code:     ErrCodeDiscordAPIError,
		Message:  "Discord APIの呼び出しに失敗しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewCSRFError はCSRFトークン検証失敗エラーを生成する。
func NewCSRFError() *APIError {
	return &APIError{
		Code:     ErrCodeCSRFFailed,
		Message:  "CSRFトークンの検証に失敗しました。",
		Category: "auth",
		Action:   "ページを再読み込みしてから再度お試しください。",
	}
}

// NewInvalidSettingsError は無効な設定ドキュメントエラーを生成する。
func NewInvalidSettingsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSettings,
		Message:  "設定の形式が無効です。",
		Category: "validation",
		Action:   "設定はJSONオブジェクトとして送信してください。",
	}
}
