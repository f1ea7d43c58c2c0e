package model

import "time"

// GuildSummary はユーザーのギルド一覧に表示するギルドの要約を表す。
// PermissionsはDiscord APIが返すパーミッションビットフィールドの10進文字列。
// IsConfiguredは永続化層の既知ギルド集合との突き合わせで導出される派生値であり、
// Discord API自体には存在しない。
type GuildSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IconHash     string `json:"icon"`
	Owner        bool   `json:"owner"`
	Permissions  string `json:"permissions"`
	IsConfigured bool   `json:"is_configured"`
}

// Role はギルドのロールを表す。
type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Color       int    `json:"color"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
}

// ChannelType はDiscordのチャンネル種別を表す。
type ChannelType int

const (
	// ChannelTypeGuildText はテキストチャンネル。
	ChannelTypeGuildText ChannelType = 0
	// ChannelTypeGuildVoice はボイスチャンネル。
	ChannelTypeGuildVoice ChannelType = 2
	// ChannelTypeGuildCategory はカテゴリ。
	ChannelTypeGuildCategory ChannelType = 4
)

// Channel はギルドのチャンネルを表す。
type Channel struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Type     ChannelType `json:"type"`
	ParentID string      `json:"parent_id"`
	Position int         `json:"position"`
}

// Member はギルドメンバーを表す。
type Member struct {
	User     DiscordUser `json:"user"`
	Nick     string      `json:"nick"`
	Roles    []string    `json:"roles"`
	JoinedAt time.Time   `json:"joined_at"`
}

// GuildConfig は永続化層に保存されるギルドごとのBot設定を表す。
// Settingsはダッシュボードが編集する設定ドキュメントで、この層では中身を解釈しない。
type GuildConfig struct {
	GuildID   string
	Settings  []byte
	CreatedAt time.Time
	UpdatedAt time.Time
}
