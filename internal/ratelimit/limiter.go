// Package ratelimit は固定ウィンドウ方式のポイントバケットレートリミッターを提供する。
// 制限超過は例外的な失敗ではなく、Retry-After情報を持つ型付きの結果として返す。
// 呼び出し側は「許可か否か」で分岐し、例外制御フローを使わない。
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// Config はリミッターの設定。
type Config struct {
	// Points は1ウィンドウで消費できる合計ポイント数。
	Points int
	// Window は固定ウィンドウの長さ。
	Window time.Duration
	// Block は超過時のブロック期間を連続ペナルティ回数から計算する。
	// nilの場合はブロックせず、ウィンドウ終了で自動回復する。
	Block func(penalties int) time.Duration
	// CleanupInterval はアイドルバケットを回収するジャニターの間隔。
	// 0以下の場合はジャニターを起動しない。
	CleanupInterval time.Duration
}

// QuadraticBlock は連続ペナルティ回数の2乗に比例するブロック期間を返す関数を生成する。
// 繰り返し超過するキーほど長いクールダウンを課す。
func QuadraticBlock(unit time.Duration) func(penalties int) time.Duration {
	return func(penalties int) time.Duration {
		return unit * time.Duration(penalties*penalties)
	}
}

// Result は消費成功時の情報。
type Result struct {
	// Remaining は現在のウィンドウで残っているポイント数。
	Remaining int
	// RetryAfter は現在のウィンドウがリセットされるまでの残り時間。
	RetryAfter time.Duration
}

// Rejection は制限超過を表す型付きの失敗。
// 呼び出し側はRetryAfterをRetry-Afterヘッダーとしてクライアントに返し、
// ガード対象の操作を実行してはならない。
type Rejection struct {
	RetryAfter time.Duration
}

// Error はerrorインターフェースを実装する。
func (r *Rejection) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", r.RetryAfter)
}

// bucket はキーごとの消費状態。初回消費時に遅延生成される。
type bucket struct {
	points       int
	windowStart  time.Time
	blockedUntil time.Time
	penalties    int
	lastAccess   time.Time
}

// Limiter は固定ウィンドウのポイントバケットをキーごとに管理する。
// 複数goroutineから安全に使用できる。
type Limiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once

	// now はテストで時刻を差し替えるためのフック。
	now func() time.Time
}

// New はLimiterを生成する。
// CleanupIntervalが正の場合はジャニターgoroutineを起動する。
func New(cfg Config) *Limiter {
	l := &Limiter{
		config:  cfg,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}

	if cfg.CleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Stop はジャニターgoroutineを停止する。冪等。
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

// Consume はキーのバケットからポイントを消費する。
// 成功時はResultを、超過時は*Rejectionを返す。
// 失敗の条件:
//   - ブロック期間中: ポイントに触れず即座に拒否する。
//   - ウィンドウ内の残りポイント不足: 拒否し、Blockが設定されていれば
//     連続ペナルティ回数に応じたブロックを課す。
func (l *Limiter) Consume(key string, points int) (*Result, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}
	b.lastAccess = now

	// ブロック中は消費を試みず即時拒否
	if now.Before(b.blockedUntil) {
		return nil, &Rejection{RetryAfter: b.blockedUntil.Sub(now)}
	}

	// ウィンドウ境界を越えていたらポイントをリセット
	if !now.Before(b.windowStart.Add(l.config.Window)) {
		b.points = 0
		b.windowStart = now
	}

	windowEnd := b.windowStart.Add(l.config.Window)

	if b.points+points > l.config.Points {
		retryAfter := windowEnd.Sub(now)

		// ブロックを課す場合は、ブロック期間が次に試行可能になるまでの時間を支配する
		if l.config.Block != nil {
			b.penalties++
			blockFor := l.config.Block(b.penalties)
			b.blockedUntil = now.Add(blockFor)
			retryAfter = blockFor
		}

		return nil, &Rejection{RetryAfter: retryAfter}
	}

	b.points += points
	b.penalties = 0

	return &Result{
		Remaining:  l.config.Points - b.points,
		RetryAfter: windowEnd.Sub(now),
	}, nil
}

// Len は現在管理されているバケット数を返す。テストおよびメトリクス用。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// cleanupLoop はバックグラウンドでアイドルバケットを定期的に回収する。
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup は最終アクセスがCleanupIntervalの2倍を超えた、
// かつブロック期間も終了したバケットを削除する。
func (l *Limiter) cleanup() {
	ttl := l.config.CleanupInterval * 2
	now := l.now()

	l.mu.Lock()
	for key, b := range l.buckets {
		if now.Sub(b.lastAccess) > ttl && !now.Before(b.blockedUntil) {
			delete(l.buckets, key)
		}
	}
	l.mu.Unlock()
}

// Bursty は高速バケットとバーストバケットを重ねた2段構成のリミッター。
// 短いウィンドウの小さな制限（例: 5秒で2回）と、長いウィンドウの
// 大きな制限（例: 60秒で20回）の両方が許可した場合のみ消費が成功する。
type Bursty struct {
	fast  *Limiter
	burst *Limiter
}

// NewBursty はBurstyを生成する。
func NewBursty(fast, burst *Limiter) *Bursty {
	return &Bursty{fast: fast, burst: burst}
}

// Consume は高速側、バースト側の順にポイントを消費する。
// 先に拒否した側のRetryAfterをそのまま返し、もう一方には触れない。
// 高速側だけ消費された後にバースト側が拒否するケースは、
// 制限を厳しくする方向の誤差として許容する。
func (b *Bursty) Consume(key string, points int) (*Result, error) {
	fastRes, err := b.fast.Consume(key, points)
	if err != nil {
		return nil, err
	}

	burstRes, err := b.burst.Consume(key, points)
	if err != nil {
		return nil, err
	}

	// 残量が少ない方（より厳しい方）の情報を返す
	res := fastRes
	if burstRes.Remaining < fastRes.Remaining {
		res = burstRes
	}
	return res, nil
}

// Stop は両方のジャニターを停止する。
func (b *Bursty) Stop() {
	b.fast.Stop()
	b.burst.Stop()
}
