// Package discord はDiscord REST APIとOAuth2エンドポイントのクライアントを提供する。
package discord

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthorizeURL = "https://discord.com/oauth2/authorize"
	defaultTokenURL     = "https://discord.com/api/v10/oauth2/token"

	// oauthTimeout はトークンエンドポイント呼び出しのタイムアウト。
	// リフレッシュフローは通常のAPI呼び出しより長めに許容する。
	oauthTimeout = 20 * time.Second
)

// OAuthConfig はDiscord OAuth2プロバイダーの設定。
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthorizeURL string
	TokenURL     string
}

// OAuthProvider はDiscord OAuth2の認可コード交換とトークンリフレッシュを提供する。
type OAuthProvider struct {
	config     OAuthConfig
	httpClient *http.Client
}

// NewOAuthProvider はOAuthProviderを生成する。
func NewOAuthProvider(config OAuthConfig) *OAuthProvider {
	if config.AuthorizeURL == "" {
		config.AuthorizeURL = defaultAuthorizeURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultTokenURL
	}
	return &OAuthProvider{
		config:     config,
		httpClient: &http.Client{Timeout: oauthTimeout},
	}
}

// LoginURL はDiscord OAuth2の認可URLを生成する。
// スコープはユーザー特定とギルド一覧取得に必要なidentify, guilds。
func (p *OAuthProvider) LoginURL(state string) string {
	params := url.Values{
		"client_id":     {p.config.ClientID},
		"redirect_uri":  {p.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"identify guilds"},
		"state":         {state},
		"prompt":        {"none"},
	}
	return p.config.AuthorizeURL + "?" + params.Encode()
}

// TokenGrant はトークンエンドポイントのレスポンスを表す。
type TokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// ExpiresAt はExpiresInをnow基準の絶対時刻に変換する。
func (g *TokenGrant) ExpiresAt(now time.Time) time.Time {
	return now.Add(time.Duration(g.ExpiresIn) * time.Second)
}

// ExchangeCode は認可コードをアクセストークンとリフレッシュトークンに交換する。
func (p *OAuthProvider) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {p.config.RedirectURL},
	})
}

// Refresh はリフレッシュトークンで新しいトークンを取得する。
// 失効済みまたは取り消し済みのリフレッシュトークンに対してDiscordは400を返す。
func (p *OAuthProvider) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	return p.requestToken(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
}

// requestToken はトークンエンドポイントへのPOSTを実行する。
func (p *OAuthProvider) requestToken(ctx context.Context, data url.Values) (*TokenGrant, error) {
	data.Set("client_id", p.config.ClientID)
	data.Set("client_secret", p.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var grant TokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	if grant.AccessToken == "" {
		return nil, fmt.Errorf("empty access token in response")
	}

	return &grant, nil
}
