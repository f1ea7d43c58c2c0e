package token

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/guildpanel/internal/model"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	return c
}

func testSession(expiresAt time.Time) *model.Session {
	return &model.Session{
		UserID:       "97541283046597632",
		AccessToken:  "access-abc",
		RefreshToken: "refresh-xyz",
		ExpiresAt:    expiresAt,
	}
}

func TestNewCodec_RejectsShortSecret(t *testing.T) {
	if _, err := NewCodec("short"); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)
	session := testSession(time.Now().Add(time.Hour).Truncate(time.Second))

	decoded, err := c.Decode(c.Encode(session))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.UserID != session.UserID {
		t.Errorf("UserID = %q, want %q", decoded.UserID, session.UserID)
	}
	if decoded.AccessToken != session.AccessToken {
		t.Errorf("AccessToken = %q, want %q", decoded.AccessToken, session.AccessToken)
	}
	if decoded.RefreshToken != session.RefreshToken {
		t.Errorf("RefreshToken = %q, want %q", decoded.RefreshToken, session.RefreshToken)
	}
	if !decoded.ExpiresAt.Equal(session.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", decoded.ExpiresAt, session.ExpiresAt)
	}
}

func TestCodec_EncodeIsDeterministic(t *testing.T) {
	c := newTestCodec(t)
	session := testSession(time.Now().Add(time.Hour))

	if c.Encode(session) != c.Encode(session) {
		t.Error("HMAC-based encoding should be deterministic for identical input")
	}
}

func TestCodec_ExpiredVsInvalidDistinction(t *testing.T) {
	c := newTestCodec(t)

	// 失効済みトークン: 寛容なデコードでは読め、厳格なデコードはErrExpired
	expired := c.Encode(testSession(time.Now().Add(-10 * time.Minute)))

	session, err := c.DecodeExpired(expired)
	if err != nil {
		t.Fatalf("DecodeExpired should succeed on an expired but signed token: %v", err)
	}
	if session.RefreshToken != "refresh-xyz" {
		t.Error("refresh token should be readable from expired token")
	}

	if _, err := c.Decode(expired); !errors.Is(err, ErrExpired) {
		t.Errorf("strict Decode of expired token = %v, want ErrExpired", err)
	}

	// 署名を壊したトークン: どちらのデコードでもErrInvalid
	valid := c.Encode(testSession(time.Now().Add(time.Hour)))
	corrupted := flipLastByte(valid)

	if _, err := c.Decode(corrupted); !errors.Is(err, ErrInvalid) {
		t.Errorf("strict Decode of corrupted token = %v, want ErrInvalid", err)
	}
	if _, err := c.DecodeExpired(corrupted); !errors.Is(err, ErrInvalid) {
		t.Errorf("DecodeExpired of corrupted token = %v, want ErrInvalid", err)
	}
}

func TestCodec_DecodeMalformedToken(t *testing.T) {
	c := newTestCodec(t)

	for _, tok := range []string{
		"",
		"no-separator",
		"a.b.c.d",
		"!!!.###",
		"eyJmb28iOiJiYXIifQ.wrongsig",
	} {
		if _, err := c.Decode(tok); !errors.Is(err, ErrInvalid) {
			t.Errorf("Decode(%q) = %v, want ErrInvalid", tok, err)
		}
	}
}

func TestCodec_DifferentSecretsRejectEachOther(t *testing.T) {
	c1 := newTestCodec(t)
	c2, err := NewCodec("another-secret-another-secret-32b")
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}

	tok := c1.Encode(testSession(time.Now().Add(time.Hour)))
	if _, err := c2.Decode(tok); !errors.Is(err, ErrInvalid) {
		t.Errorf("token signed with another secret should be invalid, got %v", err)
	}
}

// flipLastByte はトークン末尾（署名部分）の1バイトを反転する。
func flipLastByte(tok string) string {
	last := tok[len(tok)-1]
	var repl byte = 'A'
	if last == 'A' {
		repl = 'B'
	}
	return tok[:len(tok)-1] + string(repl)
}
