// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/guildpanel/internal/model"
)

// GuildConfigRepository はギルド設定の永続化インターフェース。
type GuildConfigRepository interface {
	// FindByGuildID は指定ギルドの設定を取得する。見つからない場合はnilを返す。
	FindByGuildID(ctx context.Context, guildID string) (*model.GuildConfig, error)

	// FilterKnownGuildIDs は指定IDのうち設定が存在するギルドIDの集合を返す。
	FilterKnownGuildIDs(ctx context.Context, guildIDs []string) (map[string]bool, error)

	// UpsertSettings はギルド設定を作成または更新し、保存後の設定を返す。
	UpsertSettings(ctx context.Context, guildID string, settings []byte) (*model.GuildConfig, error)
}
