package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/guildpanel/internal/cache"
	"github.com/hitoshi/guildpanel/internal/discord"
	"github.com/hitoshi/guildpanel/internal/metrics"
	"github.com/hitoshi/guildpanel/internal/middleware"
	"github.com/hitoshi/guildpanel/internal/model"
	"github.com/hitoshi/guildpanel/internal/repository"
)

const (
	// searchQueryMaxLength はメンバー検索クエリの最大長。
	searchQueryMaxLength = 100
	// searchDefaultLimit はメンバー検索のデフォルト取得件数。
	searchDefaultLimit = 25
)

// GuildAccess はギルドアクセス制御に必要なインターフェース。
// auth.Gateの部分集合として定義する。
type GuildAccess interface {
	ManageableGuilds(ctx context.Context, session *model.Session) ([]model.GuildSummary, error)
	CheckUserGuildAccess(ctx context.Context, session *model.Session, guildID string) (bool, error)
	InvalidateUserGuilds(userID string)
}

// GuildDataFetcher はギルド内エンティティの取得に必要なインターフェース。
// discord.Clientの部分集合として定義する。
type GuildDataFetcher interface {
	GuildRoles(ctx context.Context, guildID string) ([]model.Role, error)
	GuildChannels(ctx context.Context, guildID string) ([]model.Channel, error)
	GuildMember(ctx context.Context, guildID, userID string) (*model.Member, error)
	SearchGuildMembers(ctx context.Context, guildID, query string, limit int) ([]model.Member, error)
	CreateMessage(ctx context.Context, channelID string, msg discord.MessageCreate) error
}

// GuildHandler はギルド管理のHTTPハンドラー。
type GuildHandler struct {
	access  GuildAccess
	fetcher GuildDataFetcher
	configs repository.GuildConfigRepository
	stores  *cache.Stores
	metrics metrics.Recorder
}

// NewGuildHandler はGuildHandlerを生成する。
func NewGuildHandler(access GuildAccess, fetcher GuildDataFetcher, configs repository.GuildConfigRepository, stores *cache.Stores, recorder metrics.Recorder) *GuildHandler {
	return &GuildHandler{
		access:  access,
		fetcher: fetcher,
		configs: configs,
		stores:  stores,
		metrics: recorder,
	}
}

// guildResponse はギルド概要のAPIレスポンス。
type guildResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IconHash     string `json:"icon,omitempty"`
	Owner        bool   `json:"owner"`
	Permissions  string `json:"permissions"`
	IsConfigured bool   `json:"is_configured"`
}

// roleResponse はロールのAPIレスポンス。
type roleResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    int    `json:"color"`
	Position int    `json:"position"`
}

// channelResponse はチャンネルのAPIレスポンス。
type channelResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id,omitempty"`
	Position int    `json:"position"`
}

// memberResponse はメンバーのAPIレスポンス。
type memberResponse struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Nick     string   `json:"nick,omitempty"`
	Avatar   string   `json:"avatar,omitempty"`
	Roles    []string `json:"roles"`
}

// guildOverviewResponse はギルド詳細のAPIレスポンス。
type guildOverviewResponse struct {
	Guild    guildResponse     `json:"guild"`
	Roles    []roleResponse    `json:"roles"`
	Channels []channelResponse `json:"channels"`
}

// ListGuilds はユーザーが管理権限を持つギルド一覧を返す。
// GET /api/guilds
func (h *GuildHandler) ListGuilds(w http.ResponseWriter, r *http.Request) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	guilds, err := h.access.ManageableGuilds(r.Context(), session)
	if err != nil {
		handleDiscordError(w, err)
		return
	}

	resp := make([]guildResponse, len(guilds))
	for i, g := range guilds {
		resp[i] = toGuildResponse(g)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetGuildOverview はギルドの概要（ロール一覧・チャンネル一覧）を返す。
// ロールとチャンネルは並行して取得する。
// GET /api/guilds/{guildID}
func (h *GuildHandler) GetGuildOverview(w http.ResponseWriter, r *http.Request) {
	session, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	guild, found := h.stores.Guilds.GetGuild(guildID)
	if !found {
		// アクセスチェックの直後に共有ギルドオブジェクトだけ失効した場合は
		// 一覧から引き直す。ここで見つからなければ本当に存在しない。
		guilds, err := h.access.ManageableGuilds(r.Context(), session)
		if err != nil {
			handleDiscordError(w, err)
			return
		}
		for _, g := range guilds {
			if g.ID == guildID {
				guild = g
				found = true
				break
			}
		}
		if !found {
			writeAPIErrorResponse(w, http.StatusNotFound, model.NewGuildNotFoundError(guildID))
			return
		}
	}

	var roles []model.Role
	var channels []model.Channel

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		roles, err = h.guildRoles(ctx, guildID)
		return err
	})
	g.Go(func() error {
		var err error
		channels, err = h.guildChannels(ctx, guildID)
		return err
	})
	if err := g.Wait(); err != nil {
		handleDiscordError(w, err)
		return
	}

	resp := guildOverviewResponse{
		Guild:    toGuildResponse(guild),
		Roles:    make([]roleResponse, len(roles)),
		Channels: make([]channelResponse, len(channels)),
	}
	for i, role := range roles {
		resp.Roles[i] = roleResponse{ID: role.ID, Name: role.Name, Color: role.Color, Position: role.Position}
	}
	for i, ch := range channels {
		resp.Channels[i] = channelResponse{ID: ch.ID, Name: ch.Name, Type: int(ch.Type), ParentID: ch.ParentID, Position: ch.Position}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// SearchMembers はギルドメンバーを前方一致で検索する。
// GET /api/guilds/{guildID}/members/search?query=xxx&limit=25
func (h *GuildHandler) SearchMembers(w http.ResponseWriter, r *http.Request) {
	_, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" || len(query) > searchQueryMaxLength {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidQueryError())
		return
	}

	limit := searchDefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidQueryError())
			return
		}
		limit = parsed
	}

	members, found := h.stores.Search.Get(guildID, query)
	if found {
		h.metrics.RecordCacheHit("search")
	} else {
		h.metrics.RecordCacheMiss("search")

		var err error
		members, err = h.fetcher.SearchGuildMembers(r.Context(), guildID, query, limit)
		if err != nil {
			handleDiscordError(w, err)
			return
		}
		h.stores.Search.Set(guildID, query, members)
	}

	if len(members) > limit {
		members = members[:limit]
	}

	resp := make([]memberResponse, len(members))
	for i, m := range members {
		resp[i] = memberResponse{
			UserID:   m.User.ID,
			Username: m.User.Username,
			Nick:     m.Nick,
			Avatar:   m.User.Avatar,
			Roles:    m.Roles,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetMember はギルドメンバーを単体で取得する。
// GET /api/guilds/{guildID}/members/{userID}
func (h *GuildHandler) GetMember(w http.ResponseWriter, r *http.Request) {
	_, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	userID := chi.URLParam(r, "userID")
	if !isSnowflake(userID) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidQueryError())
		return
	}

	member, found := h.stores.Members.Get(guildID, userID)
	if found {
		h.metrics.RecordCacheHit("members")
	} else {
		h.metrics.RecordCacheMiss("members")

		fetched, err := h.fetcher.GuildMember(r.Context(), guildID, userID)
		if err != nil {
			handleDiscordError(w, err)
			return
		}
		member = *fetched
		h.stores.Members.Set(guildID, userID, member)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(memberResponse{
		UserID:   member.User.ID,
		Username: member.User.Username,
		Nick:     member.Nick,
		Avatar:   member.User.Avatar,
		Roles:    member.Roles,
	})
}

// GetConfig はギルド設定を返す。未設定の場合は空ドキュメントを返す。
// GET /api/guilds/{guildID}/config
func (h *GuildHandler) GetConfig(w http.ResponseWriter, r *http.Request) {
	_, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	config, err := h.configs.FindByGuildID(r.Context(), guildID)
	if err != nil {
		slog.Error("failed to load guild config",
			slog.String("guild_id", guildID),
			slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if config == nil {
		json.NewEncoder(w).Encode(map[string]any{
			"guild_id":   guildID,
			"settings":   map[string]any{},
			"configured": false,
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"guild_id":   config.GuildID,
		"settings":   json.RawMessage(config.Settings),
		"configured": true,
		"updated_at": config.UpdatedAt,
	})
}

// PutConfig はギルド設定を作成または更新する。
// PUT /api/guilds/{guildID}/config
func (h *GuildHandler) PutConfig(w http.ResponseWriter, r *http.Request) {
	session, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil || settings == nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidSettingsError())
		return
	}

	encoded, err := json.Marshal(settings)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidSettingsError())
		return
	}

	config, err := h.configs.UpsertSettings(r.Context(), guildID, encoded)
	if err != nil {
		slog.Error("failed to save guild config",
			slog.String("guild_id", guildID),
			slog.String("error", err.Error()))
		writeInternalError(w)
		return
	}

	// IsConfiguredフラグが変わるため、ギルド一覧キャッシュを破棄する
	h.access.InvalidateUserGuilds(session.UserID)

	slog.Info("guild config updated",
		slog.String("guild_id", guildID),
		slog.String("user_id", session.UserID))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"guild_id":   config.GuildID,
		"settings":   json.RawMessage(config.Settings),
		"configured": true,
		"updated_at": config.UpdatedAt,
	})
}

// sendPanelRequest はパネル送信リクエストのボディ。
type sendPanelRequest struct {
	ChannelID string `json:"channel_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Color     int    `json:"color"`
}

// SendPanel は指定チャンネルにチケットパネルを投稿する。
// POST /api/guilds/{guildID}/panel
func (h *GuildHandler) SendPanel(w http.ResponseWriter, r *http.Request) {
	session, guildID, ok := h.authorizeGuild(w, r)
	if !ok {
		return
	}

	var req sendPanelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return
	}

	if !isSnowflake(req.ChannelID) {
		writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_CHANNEL_ID",
			Message:  "無効なチャンネルIDです。",
			Category: "validation",
			Action:   "チャンネルIDは数値のSnowflake形式で指定してください。",
		})
		return
	}

	msg := discord.MessageCreate{
		Embeds: []discord.Embed{{
			Title:       req.Title,
			Description: req.Content,
			Color:       req.Color,
		}},
	}
	if err := h.fetcher.CreateMessage(r.Context(), req.ChannelID, msg); err != nil {
		handleDiscordError(w, err)
		return
	}

	slog.Info("panel sent",
		slog.String("guild_id", guildID),
		slog.String("channel_id", req.ChannelID),
		slog.String("user_id", session.UserID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}

// authorizeGuild はパスパラメータのギルドIDを検証し、
// ユーザーがそのギルドの管理権限を持つかをチェックする。
// 検証に失敗した場合はエラーレスポンスを書き込みfalseを返す。
func (h *GuildHandler) authorizeGuild(w http.ResponseWriter, r *http.Request) (*model.Session, string, bool) {
	session, err := middleware.SessionFromContext(r.Context())
	if err != nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return nil, "", false
	}

	guildID := chi.URLParam(r, "guildID")
	if !isSnowflake(guildID) {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidGuildIDError(guildID))
		return nil, "", false
	}

	allowed, err := h.access.CheckUserGuildAccess(r.Context(), session, guildID)
	if err != nil {
		handleDiscordError(w, err)
		return nil, "", false
	}
	if !allowed {
		writeAPIErrorResponse(w, http.StatusForbidden, model.NewGuildForbiddenError(guildID))
		return nil, "", false
	}

	return session, guildID, true
}

// guildRoles はロール一覧をキャッシュ経由で取得する。
func (h *GuildHandler) guildRoles(ctx context.Context, guildID string) ([]model.Role, error) {
	if roles, found := h.stores.Roles.Get(guildID); found {
		h.metrics.RecordCacheHit("roles")
		return roles, nil
	}
	h.metrics.RecordCacheMiss("roles")

	roles, err := h.fetcher.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, err
	}
	h.stores.Roles.Set(guildID, roles)
	return roles, nil
}

// guildChannels はチャンネル一覧をキャッシュ経由で取得する。
func (h *GuildHandler) guildChannels(ctx context.Context, guildID string) ([]model.Channel, error) {
	if channels, found := h.stores.Channels.Get(guildID); found {
		h.metrics.RecordCacheHit("channels")
		return channels, nil
	}
	h.metrics.RecordCacheMiss("channels")

	channels, err := h.fetcher.GuildChannels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	h.stores.Channels.Set(guildID, channels)
	return channels, nil
}

func toGuildResponse(g model.GuildSummary) guildResponse {
	return guildResponse{
		ID:           g.ID,
		Name:         g.Name,
		IconHash:     g.IconHash,
		Owner:        g.Owner,
		Permissions:  g.Permissions,
		IsConfigured: g.IsConfigured,
	}
}

// isSnowflake はDiscordのSnowflake ID（17〜20桁の数値文字列）かを判定する。
func isSnowflake(s string) bool {
	if len(s) < 17 || len(s) > 20 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// writeInternalError は内部サーバーエラーの統一レスポンスを書き込む。
func writeInternalError(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

// handleDiscordError はDiscord API呼び出しの失敗をHTTPレスポンスに変換する。
// 429はRetry-Afterを付けてそのまま伝搬し、その他はDISCORD_API_ERRORとして扱う。
func handleDiscordError(w http.ResponseWriter, err error) {
	var statusErr *discord.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.IsRateLimited() {
			sec := int(statusErr.RetryAfter.Seconds())
			if sec < 1 {
				sec = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(sec))
			writeAPIErrorResponse(w, http.StatusTooManyRequests, model.NewDiscordAPIError())
			return
		}
		if statusErr.StatusCode == http.StatusNotFound {
			writeAPIErrorResponse(w, http.StatusNotFound, &model.APIError{
				Code:     "NOT_FOUND",
				Message:  "指定されたリソースが見つかりません。",
				Category: "guild",
				Action:   "IDを確認してください。",
			})
			return
		}
		slog.Error("discord api error",
			slog.Int("status_code", statusErr.StatusCode),
			slog.String("body", statusErr.Body))
		writeAPIErrorResponse(w, http.StatusBadGateway, model.NewDiscordAPIError())
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	writeInternalError(w)
}
