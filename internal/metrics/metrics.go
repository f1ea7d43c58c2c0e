// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder はメトリクス収集のインターフェース。
// 認証ゲートやハンドラー層から利用する。
type Recorder interface {
	RecordCacheHit(store string)
	RecordCacheMiss(store string)
	RecordTokenRefresh(outcome string)
	RecordDiscordStatus(statusCode int)
	RecordRateLimitRejection(scope string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
	discordStatus  *prometheus.CounterVec
	rateLimitHits  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildpanel_cache_hits_total",
			Help: "エンティティキャッシュのヒット数（ストア別）",
		}, []string{"store"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildpanel_cache_misses_total",
			Help: "エンティティキャッシュのミス数（ストア別）",
		}, []string{"store"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildpanel_token_refresh_total",
			Help: "OAuth2トークンリフレッシュの結果別回数",
		}, []string{"outcome"}),
		discordStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildpanel_discord_status_total",
			Help: "Discord APIのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "guildpanel_rate_limit_rejections_total",
			Help: "レート制限による拒否数（スコープ別）",
		}, []string{"scope"}),
	}

	reg.MustRegister(
		c.cacheHits,
		c.cacheMisses,
		c.tokenRefreshes,
		c.discordStatus,
		c.rateLimitHits,
	)

	return c
}

// RecordCacheHit はキャッシュヒットを記録する。
func (c *Collector) RecordCacheHit(store string) {
	c.cacheHits.WithLabelValues(store).Inc()
}

// RecordCacheMiss はキャッシュミスを記録する。
func (c *Collector) RecordCacheMiss(store string) {
	c.cacheMisses.WithLabelValues(store).Inc()
}

// RecordTokenRefresh はトークンリフレッシュの結果を記録する。
// outcomeは success / invalid / network のいずれか。
func (c *Collector) RecordTokenRefresh(outcome string) {
	c.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// RecordDiscordStatus はDiscord APIのHTTPステータスコードを記録する。
func (c *Collector) RecordDiscordStatus(statusCode int) {
	c.discordStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRateLimitRejection はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimitRejection(scope string) {
	c.rateLimitHits.WithLabelValues(scope).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ Recorder = (*Collector)(nil)
