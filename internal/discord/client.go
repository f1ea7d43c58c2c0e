package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/guildpanel/internal/model"
)

const (
	defaultAPIBaseURL = "https://discord.com/api/v10"

	// apiTimeout は通常のREST呼び出しのタイムアウト。
	apiTimeout = 5 * time.Second

	// Discordのグローバルレート制限はトークンあたり50 req/secのため、
	// Botトークンでの呼び出しは余裕を持ってクライアント側で絞る。
	botRequestsPerSecond = 40
	botRequestBurst      = 40

	// memberSearchMaxLimit はメンバー検索の最大取得件数。
	memberSearchMaxLimit = 100
)

// StatusError はDiscord APIの非2xxレスポンスを表す。
// 429の場合はRetryAfterに待機時間が入る。
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("discord api returned status %d (retry after %s)", e.StatusCode, e.RetryAfter)
	}
	return fmt.Sprintf("discord api returned status %d", e.StatusCode)
}

// IsRateLimited は429レスポンスかを返す。
func (e *StatusError) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// StatusRecorder はDiscord APIのレスポンスステータスコードを記録する。
// metrics.Recorderの部分集合として定義する。
type StatusRecorder interface {
	RecordDiscordStatus(statusCode int)
}

// Client はDiscord REST APIのクライアント。
// ユーザートークン（Bearer）とBotトークン（Bot）の両方の呼び出しを提供する。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	botToken   string
	baseURL    string         // テスト用にエンドポイントを差し替え可能
	recorder   StatusRecorder // nilの場合は記録しない

	// botLimiter はBotトークン呼び出しのクライアント側スロットル。
	botLimiter *rate.Limiter
}

// NewClient はClientを生成する。
func NewClient(botToken string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: apiTimeout},
		logger:     logger,
		botToken:   botToken,
		baseURL:    defaultAPIBaseURL,
		botLimiter: rate.NewLimiter(rate.Limit(botRequestsPerSecond), botRequestBurst),
	}
}

// SetBaseURL はAPIベースURLを差し替える。テスト用。
func (c *Client) SetBaseURL(baseURL string) {
	c.baseURL = baseURL
}

// SetRecorder はレスポンスステータスの記録先を設定する。
func (c *Client) SetRecorder(recorder StatusRecorder) {
	c.recorder = recorder
}

// CurrentUser はアクセストークンで現在のユーザーを取得する。
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*model.DiscordUser, error) {
	var user model.DiscordUser
	if err := c.getJSON(ctx, "/users/@me", "Bearer "+accessToken, &user); err != nil {
		return nil, err
	}
	if user.ID == "" {
		return nil, fmt.Errorf("empty user id in response")
	}
	return &user, nil
}

// CurrentUserGuilds はアクセストークンでユーザーの所属ギルド一覧を取得する。
func (c *Client) CurrentUserGuilds(ctx context.Context, accessToken string) ([]model.GuildSummary, error) {
	var guilds []model.GuildSummary
	if err := c.getJSON(ctx, "/users/@me/guilds", "Bearer "+accessToken, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// GuildRoles はBotトークンでギルドのロール一覧を取得する。
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]model.Role, error) {
	if err := c.waitBot(ctx); err != nil {
		return nil, err
	}
	var roles []model.Role
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/roles", "Bot "+c.botToken, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// GuildChannels はBotトークンでギルドのチャンネル一覧を取得する。
func (c *Client) GuildChannels(ctx context.Context, guildID string) ([]model.Channel, error) {
	if err := c.waitBot(ctx); err != nil {
		return nil, err
	}
	var channels []model.Channel
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/channels", "Bot "+c.botToken, &channels); err != nil {
		return nil, err
	}
	return channels, nil
}

// GuildMember はBotトークンでギルドメンバーを取得する。
func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (*model.Member, error) {
	if err := c.waitBot(ctx); err != nil {
		return nil, err
	}
	var member model.Member
	if err := c.getJSON(ctx, "/guilds/"+guildID+"/members/"+userID, "Bot "+c.botToken, &member); err != nil {
		return nil, err
	}
	return &member, nil
}

// SearchGuildMembers はBotトークンでユーザー名/ニックネームの前方一致検索を行う。
// limitが0以下または上限超過の場合は上限値に丸める。
func (c *Client) SearchGuildMembers(ctx context.Context, guildID, query string, limit int) ([]model.Member, error) {
	if limit <= 0 || limit > memberSearchMaxLimit {
		limit = memberSearchMaxLimit
	}

	if err := c.waitBot(ctx); err != nil {
		return nil, err
	}

	path := "/guilds/" + guildID + "/members/search?" + url.Values{
		"query": {query},
		"limit": {strconv.Itoa(limit)},
	}.Encode()

	var members []model.Member
	if err := c.getJSON(ctx, path, "Bot "+c.botToken, &members); err != nil {
		return nil, err
	}
	return members, nil
}

// Embed はDiscordメッセージの埋め込みを表す。
type Embed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Color       int    `json:"color,omitempty"`
}

// MessageCreate はチャンネルへのメッセージ投稿ペイロード。
type MessageCreate struct {
	Content string  `json:"content,omitempty"`
	Embeds  []Embed `json:"embeds,omitempty"`
}

// CreateMessage はBotトークンで指定チャンネルにメッセージを投稿する。
func (c *Client) CreateMessage(ctx context.Context, channelID string, msg MessageCreate) error {
	if err := c.waitBot(ctx); err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPost, "/channels/"+channelID+"/messages", "Bot "+c.botToken, msg, nil)
}

// waitBot はBotトークン呼び出しのクライアント側スロットルを待つ。
func (c *Client) waitBot(ctx context.Context) error {
	if err := c.botLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("bot rate limiter wait: %w", err)
	}
	return nil
}

// getJSON はGETリクエストを実行してJSONレスポンスをデコードする。
func (c *Client) getJSON(ctx context.Context, path, authorization string, out any) error {
	return c.doJSON(ctx, http.MethodGet, path, authorization, nil, out)
}

// doJSON はJSONリクエストを実行してJSONレスポンスをデコードする。
// 非2xxはStatusErrorとして返し、429の場合はRetry-Afterを含める。
func (c *Client) doJSON(ctx context.Context, method, path, authorization string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", authorization)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("discord api request failed: %w", err)
	}
	defer resp.Body.Close()

	if c.recorder != nil {
		c.recorder.RecordDiscordStatus(resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode == http.StatusTooManyRequests {
			statusErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			c.logger.Warn("discord api rate limited",
				slog.String("path", path),
				slog.Duration("retry_after", statusErr.RetryAfter),
			)
		}
		return statusErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// parseRetryAfter はRetry-Afterヘッダー（秒、小数可）をDurationに変換する。
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	sec, err := strconv.ParseFloat(v, 64)
	if err != nil || sec < 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}
