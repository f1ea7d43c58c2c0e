package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/guildpanel/internal/metrics"
	"github.com/hitoshi/guildpanel/internal/ratelimit"
)

// PointConsumer はポイント方式のレート制限に必要なインターフェース。
// ratelimit.Limiterとratelimit.Burstyの両方が満たす。
type PointConsumer interface {
	Consume(key string, points int) (*ratelimit.Result, error)
}

// NewRateLimitMiddleware はユーザーごとのレート制限ミドルウェアを返す。
// リクエストコンテキストにユーザーIDが含まれている必要がある
// （SessionMiddlewareの後に配置）。
// scopeはログとメトリクスでの識別に使う（"general"、"search"など）。
func NewRateLimitMiddleware(consumer PointConsumer, scope string, recorder metrics.Recorder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := UserIDFromContext(r.Context())
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			if _, err := consumer.Consume(userID, 1); err != nil {
				var rejection *ratelimit.Rejection
				if errors.As(err, &rejection) {
					recorder.RecordRateLimitRejection(scope)
					slog.Warn("rate limit exceeded",
						slog.String("user_id", userID),
						slog.String("limit_type", scope),
						slog.Duration("retry_after", rejection.RetryAfter),
					)
					writeRateLimitResponse(w, rejection.RetryAfter)
					return
				}
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
// Retry-Afterヘッダーには次の試行までの秒数を設定する。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	json.NewEncoder(w).Encode(map[string]string{
		"code":     "rate_limit_exceeded",
		"message":  "Too many requests. Please try again later.",
		"category": "system",
		"action":   "Please wait and retry after the specified time.",
	})
}
