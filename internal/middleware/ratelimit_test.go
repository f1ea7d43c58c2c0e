package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/guildpanel/internal/model"
	"github.com/hitoshi/guildpanel/internal/ratelimit"
)

// rlRecorder はmetrics.Recorderのテスト用実装。
type rlRecorder struct {
	rejections map[string]int
}

func newRLRecorder() *rlRecorder {
	return &rlRecorder{rejections: make(map[string]int)}
}

func (r *rlRecorder) RecordCacheHit(string) {}

func (r *rlRecorder) RecordCacheMiss(string) {}

func (r *rlRecorder) RecordTokenRefresh(string) {}

func (r *rlRecorder) RecordDiscordStatus(int) {}

func (r *rlRecorder) RecordRateLimitRejection(scope string) {
	r.rejections[scope]++
}

func authedRequest(method, path, userID string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	session := &model.Session{UserID: userID, ExpiresAt: time.Now().Add(time.Hour)}
	return req.WithContext(ContextWithSession(context.Background(), session))
}

// 制限内のリクエストが通ることを検証
func TestRateLimitMiddleware_AllowsWithinLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Points: 5, Window: time.Minute})
	defer limiter.Stop()

	mw := NewRateLimitMiddleware(limiter, "general", newRLRecorder())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-1"))
		if w.Result().StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i+1, w.Result().StatusCode, http.StatusOK)
		}
	}
}

// 制限超過で429とRetry-Afterヘッダーが返ることを検証
func TestRateLimitMiddleware_RejectsOverLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Points: 2, Window: time.Minute})
	defer limiter.Stop()

	recorder := newRLRecorder()
	mw := NewRateLimitMiddleware(limiter, "general", recorder)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-1"))
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-1"))

	resp := w.Result()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}

	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Errorf("Retry-After = %q, want 1以上の整数", resp.Header.Get("Retry-After"))
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["code"] != "rate_limit_exceeded" {
		t.Errorf("code = %q, want %q", body["code"], "rate_limit_exceeded")
	}
	if recorder.rejections["general"] != 1 {
		t.Errorf("rejection count = %d, want 1", recorder.rejections["general"])
	}
}

// ユーザーごとに独立して制限されることを検証
func TestRateLimitMiddleware_PerUserIsolation(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Points: 1, Window: time.Minute})
	defer limiter.Stop()

	mw := NewRateLimitMiddleware(limiter, "general", newRLRecorder())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// user-1は使い切る
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-1"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-1"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("user-1 second request: status = %d, want 429", w.Result().StatusCode)
	}

	// user-2は影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodGet, "/api/guilds", "user-2"))
	if w.Result().StatusCode != http.StatusOK {
		t.Errorf("user-2 request: status = %d, want 200", w.Result().StatusCode)
	}
}

// 未認証コンテキストでは401になることを検証
func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{Points: 5, Window: time.Minute})
	defer limiter.Stop()

	mw := NewRateLimitMiddleware(limiter, "general", newRLRecorder())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/guilds", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
}

// Bursty構成でも超過時に429が返ることを検証
func TestRateLimitMiddleware_BurstyComposition(t *testing.T) {
	fast := ratelimit.New(ratelimit.Config{Points: 1, Window: time.Second})
	burst := ratelimit.New(ratelimit.Config{Points: 100, Window: time.Minute})
	bursty := ratelimit.NewBursty(fast, burst)
	defer bursty.Stop()

	mw := NewRateLimitMiddleware(bursty, "panel", newRLRecorder())
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/guilds/g1/panel", "user-1"))
	if w.Result().StatusCode != http.StatusOK {
		t.Fatalf("first request: status = %d, want 200", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, authedRequest(http.MethodPost, "/api/guilds/g1/panel", "user-1"))
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: status = %d, want 429", w.Result().StatusCode)
	}
}
