// Package model はドメインモデルを定義する。
package model

import "time"

// Session はDiscord OAuth2で認証されたユーザーのセッションを表す。
// サーバー側にセッションストアは持たず、署名付きトークンに
// シリアライズしてCookieとしてクライアントに渡す（トークン自体がセッション）。
type Session struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// IsExpired はセッションの有効期限が切れているかを判定する。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// DiscordUser はDiscordの現在ユーザー情報を表す。
type DiscordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	GlobalName    string `json:"global_name"`
	Avatar        string `json:"avatar"`
}
