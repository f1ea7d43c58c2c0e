// Package auth はセッショントークンの検証とギルドアクセス制御を提供する。
package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/guildpanel/internal/cache"
	"github.com/hitoshi/guildpanel/internal/discord"
	"github.com/hitoshi/guildpanel/internal/metrics"
	"github.com/hitoshi/guildpanel/internal/model"
	"github.com/hitoshi/guildpanel/internal/permission"
	"github.com/hitoshi/guildpanel/internal/token"
)

// Status は認証判定の結果を表す。
type Status string

const (
	// StatusValid はトークンが有効であることを示す。
	StatusValid Status = "valid"
	// StatusExpired はトークンが期限切れでリフレッシュも失敗したことを示す。
	StatusExpired Status = "expired"
	// StatusInvalid はトークンが不正（署名不一致・形式不正）であることを示す。
	StatusInvalid Status = "invalid"
	// StatusNoToken はトークンが提示されなかったことを示す。
	StatusNoToken Status = "notfound"
	// StatusNetwork はリフレッシュ中の一時的な通信エラーを示す。
	StatusNetwork Status = "network"
)

// TokenRefresher はOAuth2リフレッシュトークングラントを実行する。
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*discord.TokenGrant, error)
}

// GuildLister はユーザーが所属するギルド一覧を取得する。
type GuildLister interface {
	CurrentUserGuilds(ctx context.Context, accessToken string) ([]model.GuildSummary, error)
}

// ConfigChecker は設定済みギルドの判定を行う。
type ConfigChecker interface {
	FilterKnownGuildIDs(ctx context.Context, guildIDs []string) (map[string]bool, error)
}

// AuthResult は認証判定の結果を保持する。
// リフレッシュに成功した場合、NewTokenに再発行されたセッショントークンが入る。
type AuthResult struct {
	Status   Status
	Session  *model.Session
	NewToken string
}

// Gate はセッショントークンの検証・リフレッシュとギルドアクセス制御を担う。
type Gate struct {
	codec   *token.Codec
	oauth   TokenRefresher
	discord GuildLister
	configs ConfigChecker
	guilds  *cache.GuildStore
	metrics metrics.Recorder
	logger  *slog.Logger

	now func() time.Time // テストで差し替え可能にする
}

// NewGate はGateを生成する。
func NewGate(codec *token.Codec, oauth TokenRefresher, lister GuildLister, configs ConfigChecker, guilds *cache.GuildStore, recorder metrics.Recorder, logger *slog.Logger) *Gate {
	return &Gate{
		codec:   codec,
		oauth:   oauth,
		discord: lister,
		configs: configs,
		guilds:  guilds,
		metrics: recorder,
		logger:  logger,
		now:     time.Now,
	}
}

// Authenticate はセッショントークンを検証し、必要ならリフレッシュを1回だけ試みる。
//
// 判定の流れ:
//   - トークンが空ならStatusNoToken。
//   - 署名不一致や形式不正ならStatusInvalid。
//   - 期限切れならリフレッシュトークングラントを1回実行する。
//     Discord側が4xxで拒否した場合はStatusExpired、通信エラーはStatusNetwork、
//     成功した場合は新しいトークンを再発行してStatusValidを返す。
func (g *Gate) Authenticate(ctx context.Context, rawToken string) AuthResult {
	if rawToken == "" {
		return AuthResult{Status: StatusNoToken}
	}

	session, err := g.codec.Decode(rawToken)
	if err == nil {
		return AuthResult{Status: StatusValid, Session: session}
	}
	if errors.Is(err, token.ErrInvalid) {
		return AuthResult{Status: StatusInvalid}
	}

	// 期限切れ。リフレッシュは1回だけ試みる。
	return g.refresh(ctx, session)
}

func (g *Gate) refresh(ctx context.Context, expired *model.Session) AuthResult {
	grant, err := g.oauth.Refresh(ctx, expired.RefreshToken)
	if err != nil {
		var statusErr *discord.StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			// リフレッシュトークンが失効している。再ログインが必要。
			g.metrics.RecordTokenRefresh("invalid")
			g.logger.Info("リフレッシュトークンが拒否されました",
				slog.String("user_id", expired.UserID),
				slog.Int("status_code", statusErr.StatusCode))
			return AuthResult{Status: StatusExpired}
		}

		g.metrics.RecordTokenRefresh("network")
		g.logger.Warn("トークンリフレッシュ中に通信エラーが発生しました",
			slog.String("user_id", expired.UserID),
			slog.String("error", err.Error()))
		return AuthResult{Status: StatusNetwork}
	}

	refreshToken := grant.RefreshToken
	if refreshToken == "" {
		// Discordがリフレッシュトークンを返さない場合は既存のものを維持する
		refreshToken = expired.RefreshToken
	}

	session := &model.Session{
		UserID:       expired.UserID,
		AccessToken:  grant.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    grant.ExpiresAt(g.now()),
	}

	g.metrics.RecordTokenRefresh("success")
	g.logger.Info("セッショントークンを再発行しました", slog.String("user_id", session.UserID))

	return AuthResult{
		Status:   StatusValid,
		Session:  session,
		NewToken: g.codec.Encode(session),
	}
}

// ManageableGuilds はユーザーが管理権限を持つギルド一覧を返す。
// キャッシュにあればそれを返し、なければDiscordから取得して
// ManageGuild権限（またはAdministrator）でフィルタし、設定済みフラグを付与する。
func (g *Gate) ManageableGuilds(ctx context.Context, session *model.Session) ([]model.GuildSummary, error) {
	if guilds, ok := g.guilds.GetUserGuilds(session.UserID); ok {
		g.metrics.RecordCacheHit("guilds")
		return guilds, nil
	}
	g.metrics.RecordCacheMiss("guilds")

	all, err := g.discord.CurrentUserGuilds(ctx, session.AccessToken)
	if err != nil {
		return nil, err
	}

	manageable := make([]model.GuildSummary, 0, len(all))
	for _, guild := range all {
		bits, err := permission.Parse(guild.Permissions)
		if err != nil {
			g.logger.Warn("権限値の解析に失敗しました",
				slog.String("guild_id", guild.ID),
				slog.String("permissions", guild.Permissions))
			continue
		}
		if permission.CanManageGuild(bits) {
			manageable = append(manageable, guild)
		}
	}

	g.decorateConfigured(ctx, manageable)
	g.guilds.SetUserGuilds(session.UserID, manageable)

	return manageable, nil
}

// decorateConfigured は各ギルドのIsConfiguredフラグを設定する。
// DB参照に失敗した場合はログに残し、全件未設定として扱う。
func (g *Gate) decorateConfigured(ctx context.Context, guilds []model.GuildSummary) {
	if len(guilds) == 0 {
		return
	}

	ids := make([]string, len(guilds))
	for i, guild := range guilds {
		ids[i] = guild.ID
	}

	known, err := g.configs.FilterKnownGuildIDs(ctx, ids)
	if err != nil {
		g.logger.Error("設定済みギルドの判定に失敗しました", slog.String("error", err.Error()))
		return
	}

	for i := range guilds {
		guilds[i].IsConfigured = known[guilds[i].ID]
	}
}

// CheckUserGuildAccess はユーザーが指定ギルドの管理権限を持つかを返す。
func (g *Gate) CheckUserGuildAccess(ctx context.Context, session *model.Session, guildID string) (bool, error) {
	guilds, err := g.ManageableGuilds(ctx, session)
	if err != nil {
		return false, err
	}

	for _, guild := range guilds {
		if guild.ID == guildID {
			return true, nil
		}
	}
	return false, nil
}

// InvalidateUserGuilds はユーザーのギルド一覧キャッシュを破棄する。
// ログアウトや設定変更直後の再取得に使う。
func (g *Gate) InvalidateUserGuilds(userID string) {
	g.guilds.InvalidateUser(userID)
}
