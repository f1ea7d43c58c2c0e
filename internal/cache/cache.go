// Package cache はTTL付きのインメモリキャッシュを提供する。
// 各エントリは挿入時刻+TTLの失効時刻を持ち、読み取り時に遅延判定される。
// バックグラウンドスイープはメモリ回収のための最適化であり、
// 正しさはスイープに依存しない。
package cache

import (
	"sync"
	"time"
)

// entry はキャッシュエントリを表す。
// expiresAtがゼロ値の場合は無期限。
type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// expired はエントリが失効しているかを判定する。
func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Config はキャッシュの設定。
type Config struct {
	// StdTTL はTTLを指定しないSetに適用される既定のTTL。
	// 0以下の場合は無期限。
	StdTTL time.Duration
	// CheckPeriod はバックグラウンドスイープの間隔。
	// 0以下の場合はスイープを起動しない（遅延失効のみ）。
	CheckPeriod time.Duration
}

// Cache は文字列キーでアクセスするTTL付きインメモリキャッシュ。
// 複数goroutineから安全に使用できる。
// プロセス生存期間のシングルトンとして保持する想定で、
// 明示的な破棄はStop以外に行わない。
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	stdTTL  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// New はCacheを生成する。
// CheckPeriodが正の場合はスイープgoroutineを起動する。
func New[V any](cfg Config) *Cache[V] {
	c := &Cache[V]{
		entries: make(map[string]entry[V]),
		stdTTL:  cfg.StdTTL,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if cfg.CheckPeriod > 0 {
		go c.sweepLoop(cfg.CheckPeriod)
	}

	return c
}

// Stop はスイープgoroutineを停止する。冪等。
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}

// Set は既定TTLで値を保存する。既存エントリは失効時刻ごと上書きされる。
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.stdTTL)
}

// SetWithTTL は指定TTLで値を保存する。
// ttlが0以下の場合は無期限として保存する。
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
}

// Get は値を取得する。
// キーが存在しない、削除済み、または失効している場合はミスとしてfalseを返す。
// スイープ未実行でも失効済みエントリは返さない。
func (c *Cache[V]) Get(key string) (V, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Take は値を取得して同時に削除する。
// 一度きりの消費が必要な値（ワンショットのアクセス許可など）に使う。
func (c *Cache[V]) Take(key string) (V, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(now) {
		var zero V
		return zero, false
	}
	delete(c.entries, key)
	return e.value, true
}

// Delete はエントリを削除する。存在しないキーの削除は何もしない。
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// MSet は複数の値を既定TTLで一括保存する。
func (c *Cache[V]) MSet(values map[string]V) {
	now := c.now()

	var expiresAt time.Time
	if c.stdTTL > 0 {
		expiresAt = now.Add(c.stdTTL)
	}

	c.mu.Lock()
	for key, value := range values {
		c.entries[key] = entry[V]{value: value, expiresAt: expiresAt}
	}
	c.mu.Unlock()
}

// MGet は複数キーの値を一括取得する。
// 存在しない、または失効しているキーは結果から黙って省かれる。
// 部分ミスはエラーではない。
func (c *Cache[V]) MGet(keys []string) map[string]V {
	now := c.now()
	result := make(map[string]V, len(keys))

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if e, ok := c.entries[key]; ok && !e.expired(now) {
			result[key] = e.value
		}
	}
	return result
}

// FlushAll は失効の有無に関わらず全エントリを破棄する。
func (c *Cache[V]) FlushAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry[V])
	c.mu.Unlock()
}

// Len は失効済みを含まない現在の有効エントリ数を返す。
// テストおよびメトリクス用。
func (c *Cache[V]) Len() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, e := range c.entries {
		if !e.expired(now) {
			count++
		}
	}
	return count
}

// sweepLoop はバックグラウンドで失効済みエントリを定期的に物理削除する。
func (c *Cache[V]) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

// sweep は失効済みエントリをマップから取り除く。
func (c *Cache[V]) sweep() {
	now := c.now()

	c.mu.Lock()
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()
}
