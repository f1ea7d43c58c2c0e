package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/guildpanel/internal/model"
)

// PostgresGuildConfigRepo はPostgreSQLを使用したギルド設定リポジトリ。
type PostgresGuildConfigRepo struct {
	db *sql.DB
}

// NewPostgresGuildConfigRepo はPostgresGuildConfigRepoを生成する。
func NewPostgresGuildConfigRepo(db *sql.DB) *PostgresGuildConfigRepo {
	return &PostgresGuildConfigRepo{db: db}
}

// FindByGuildID は指定ギルドの設定を取得する。見つからない場合はnilを返す。
func (r *PostgresGuildConfigRepo) FindByGuildID(ctx context.Context, guildID string) (*model.GuildConfig, error) {
	config := &model.GuildConfig{}

	err := r.db.QueryRowContext(ctx,
		`SELECT guild_id, settings, created_at, updated_at
		 FROM guild_configs WHERE guild_id = $1`,
		guildID,
	).Scan(&config.GuildID, &config.Settings, &config.CreatedAt, &config.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ギルド設定の取得に失敗しました: %w", err)
	}

	return config, nil
}

// FilterKnownGuildIDs は指定IDのうち設定が存在するギルドIDの集合を返す。
func (r *PostgresGuildConfigRepo) FilterKnownGuildIDs(ctx context.Context, guildIDs []string) (map[string]bool, error) {
	known := make(map[string]bool, len(guildIDs))
	if len(guildIDs) == 0 {
		return known, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT guild_id FROM guild_configs WHERE guild_id = ANY($1)`,
		pq.Array(guildIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("ギルド設定の存在確認に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ギルドIDの読み取りに失敗しました: %w", err)
		}
		known[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ギルド設定の走査に失敗しました: %w", err)
	}

	return known, nil
}

// UpsertSettings はギルド設定を作成または更新し、保存後の設定を返す。
func (r *PostgresGuildConfigRepo) UpsertSettings(ctx context.Context, guildID string, settings []byte) (*model.GuildConfig, error) {
	config := &model.GuildConfig{}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO guild_configs (guild_id, settings)
		 VALUES ($1, $2)
		 ON CONFLICT (guild_id)
		 DO UPDATE SET settings = EXCLUDED.settings, updated_at = NOW()
		 RETURNING guild_id, settings, created_at, updated_at`,
		guildID, settings,
	).Scan(&config.GuildID, &config.Settings, &config.CreatedAt, &config.UpdatedAt)

	if err != nil {
		return nil, fmt.Errorf("ギルド設定の保存に失敗しました: %w", err)
	}

	return config, nil
}

// compile-time interface check
var _ GuildConfigRepository = (*PostgresGuildConfigRepo)(nil)
