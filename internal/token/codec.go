// Package token はセッションの署名付きトークンへのエンコードとデコードを提供する。
// トークンはHMAC-SHA256で署名された自己記述的な文字列で、
// サーバー側のセッションストアを持たない（トークン自体がセッション）。
// このため自然失効前の失効（revocation）はCookieの削除以外に手段がない。
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/guildpanel/internal/model"
)

// デコード失敗の種別。
// 「失効」と「改ざん/不正」は上位層で扱いが異なるため区別する。
var (
	// ErrInvalid はトークンの形式不正または署名不一致を表す。
	ErrInvalid = errors.New("token: invalid or forged token")
	// ErrExpired は署名は正しいが有効期限が過ぎていることを表す。
	ErrExpired = errors.New("token: expired")
)

// minSecretLength は署名鍵の最低バイト長。
const minSecretLength = 32

// payload はトークンにシリアライズされるセッションの中身。
type payload struct {
	UserID       string `json:"uid"`
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
	ExpiresAt    int64  `json:"exp"`
}

// Codec はセッショントークンの署名・検証を行う。
type Codec struct {
	secret []byte

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// NewCodec はCodecを生成する。
// 鍵が短すぎる場合はエラーを返す。
func NewCodec(secret string) (*Codec, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("token secret must be at least %d bytes, got %d", minSecretLength, len(secret))
	}
	return &Codec{
		secret: []byte(secret),
		now:    time.Now,
	}, nil
}

// Encode はセッションを署名付きトークン文字列にエンコードする。
// HMACは決定的なため、同一入力に対して常に同一のトークンを返す。
func (c *Codec) Encode(session *model.Session) string {
	p := payload{
		UserID:       session.UserID,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt.Unix(),
	}

	// payloadは固定形の構造体のためMarshalは失敗しない
	body, _ := json.Marshal(p)

	encoded := base64.RawURLEncoding.EncodeToString(body)
	return encoded + "." + c.sign(encoded)
}

// Decode はトークンを検証してセッションを復元する。
// 署名不一致・形式不正はErrInvalid、署名は正しいが失効している場合は
// ErrExpiredを返す（失効時もセッションは返す）。
func (c *Codec) Decode(tok string) (*model.Session, error) {
	session, err := c.DecodeExpired(tok)
	if err != nil {
		return nil, err
	}

	if session.IsExpired(c.now()) {
		return session, ErrExpired
	}
	return session, nil
}

// DecodeExpired は有効期限を無視してトークンを検証・復元する。
// リフレッシュフローは失効済みトークンに埋め込まれたリフレッシュトークンを
// 読む必要があるため、このバリアントを使う。署名検証は省略しない。
func (c *Codec) DecodeExpired(tok string) (*model.Session, error) {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok {
		return nil, ErrInvalid
	}

	if !hmac.Equal([]byte(c.sign(encoded)), []byte(sig)) {
		return nil, ErrInvalid
	}

	body, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalid
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, ErrInvalid
	}
	if p.UserID == "" {
		return nil, ErrInvalid
	}

	return &model.Session{
		UserID:       p.UserID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    time.Unix(p.ExpiresAt, 0),
	}, nil
}

// sign はエンコード済みペイロードのHMAC-SHA256署名を計算する。
func (c *Codec) sign(encoded string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
