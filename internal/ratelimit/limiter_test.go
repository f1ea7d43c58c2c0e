package ratelimit

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock はテスト用の手動進行クロック。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := newFakeClock()
	l := New(cfg)
	l.now = clock.Now
	return l, clock
}

func TestLimiter_ExactlyNConsumptionsPerWindow(t *testing.T) {
	l, _ := newTestLimiter(Config{Points: 5, Window: 10 * time.Second})
	defer l.Stop()

	// ちょうどN回は成功する
	for i := 0; i < 5; i++ {
		res, err := l.Consume("user-1", 1)
		if err != nil {
			t.Fatalf("consumption %d should succeed: %v", i+1, err)
		}
		if res.Remaining != 5-(i+1) {
			t.Errorf("consumption %d: Remaining = %d, want %d", i+1, res.Remaining, 5-(i+1))
		}
	}

	// N+1回目は正のRetryAfterで拒否される
	_, err := l.Consume("user-1", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("6th consumption should be rejected, got %v", err)
	}
	if rej.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rej.RetryAfter)
	}
}

func TestLimiter_WindowResetRestoresPoints(t *testing.T) {
	l, clock := newTestLimiter(Config{Points: 2, Window: 5 * time.Second})
	defer l.Stop()

	l.Consume("k", 1)
	l.Consume("k", 1)

	if _, err := l.Consume("k", 1); err == nil {
		t.Fatal("3rd consumption within window should be rejected")
	}

	clock.Advance(5 * time.Second)

	if _, err := l.Consume("k", 1); err != nil {
		t.Errorf("consumption after window reset should succeed: %v", err)
	}
}

func TestLimiter_SixthRejectedThenSucceedsAfterWait(t *testing.T) {
	// 5消費/5秒ウィンドウのバケットで6回目が拒否され、
	// RetryAfterぶん待機（シミュレート）すると7回目が成功する。
	l, clock := newTestLimiter(Config{Points: 5, Window: 5 * time.Second})
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if _, err := l.Consume("user-1", 1); err != nil {
			t.Fatalf("consumption %d failed: %v", i+1, err)
		}
	}

	_, err := l.Consume("user-1", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("6th consumption should be rejected, got %v", err)
	}
	if rej.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want > 0", rej.RetryAfter)
	}

	clock.Advance(rej.RetryAfter)

	if _, err := l.Consume("user-1", 1); err != nil {
		t.Errorf("7th consumption after waiting should succeed: %v", err)
	}
}

func TestLimiter_KeysAreIsolated(t *testing.T) {
	l, _ := newTestLimiter(Config{Points: 1, Window: 10 * time.Second})
	defer l.Stop()

	if _, err := l.Consume("user-A", 1); err != nil {
		t.Fatalf("user-A first consumption failed: %v", err)
	}
	if _, err := l.Consume("user-A", 1); err == nil {
		t.Error("user-A second consumption should be rejected")
	}

	// 別キーは影響を受けない
	if _, err := l.Consume("user-B", 1); err != nil {
		t.Errorf("user-B should not be affected by user-A: %v", err)
	}
}

func TestLimiter_MultiPointConsumption(t *testing.T) {
	l, _ := newTestLimiter(Config{Points: 10, Window: time.Minute})
	defer l.Stop()

	res, err := l.Consume("k", 7)
	if err != nil {
		t.Fatalf("Consume(7) failed: %v", err)
	}
	if res.Remaining != 3 {
		t.Errorf("Remaining = %d, want 3", res.Remaining)
	}

	// 残り3に対して4は拒否
	if _, err := l.Consume("k", 4); err == nil {
		t.Error("Consume(4) with 3 remaining should be rejected")
	}

	// 残り3に対して3は成功
	if _, err := l.Consume("k", 3); err != nil {
		t.Errorf("Consume(3) with 3 remaining should succeed: %v", err)
	}
}

func TestLimiter_BlockedKeyShortCircuits(t *testing.T) {
	l, clock := newTestLimiter(Config{
		Points: 1,
		Window: time.Second,
		Block:  func(penalties int) time.Duration { return 30 * time.Second },
	})
	defer l.Stop()

	l.Consume("k", 1)
	if _, err := l.Consume("k", 1); err == nil {
		t.Fatal("should be rejected and blocked")
	}

	// ウィンドウを越えてもブロック期間中は拒否され、ポイントには触れない
	clock.Advance(2 * time.Second)

	_, err := l.Consume("k", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatal("blocked key should be rejected")
	}
	if rej.RetryAfter <= 0 || rej.RetryAfter > 30*time.Second {
		t.Errorf("RetryAfter = %v, want within block duration", rej.RetryAfter)
	}

	// ブロック解除後は成功する
	clock.Advance(30 * time.Second)
	if _, err := l.Consume("k", 1); err != nil {
		t.Errorf("consumption after block expiry should succeed: %v", err)
	}
}

func TestLimiter_QuadraticBlockEscalation(t *testing.T) {
	unit := time.Second
	block := QuadraticBlock(unit)

	// blockDuration = unit * penalties^2
	cases := []struct {
		penalties int
		want      time.Duration
	}{
		{1, 1 * time.Second},
		{2, 4 * time.Second},
		{3, 9 * time.Second},
		{5, 25 * time.Second},
	}
	for _, tc := range cases {
		if got := block(tc.penalties); got != tc.want {
			t.Errorf("block(%d) = %v, want %v", tc.penalties, got, tc.want)
		}
	}
}

func TestLimiter_RepeatOffenderFacesLongerBlocks(t *testing.T) {
	// 長いウィンドウの中でブロックが明けるたびに再超過するキーは、
	// ペナルティ回数の2乗でブロックが伸びていく。
	l, clock := newTestLimiter(Config{
		Points: 1,
		Window: time.Minute,
		Block:  QuadraticBlock(time.Second),
	})
	defer l.Stop()

	if _, err := l.Consume("k", 1); err != nil {
		t.Fatalf("initial consumption failed: %v", err)
	}

	want := []time.Duration{1 * time.Second, 4 * time.Second, 9 * time.Second}
	for i, blockFor := range want {
		_, err := l.Consume("k", 1)
		var rej *Rejection
		if !errors.As(err, &rej) {
			t.Fatalf("violation %d should be rejected, got %v", i+1, err)
		}
		if rej.RetryAfter != blockFor {
			t.Errorf("violation %d: RetryAfter = %v, want %v", i+1, rej.RetryAfter, blockFor)
		}
		// ブロックが明けた直後はまだ同一ウィンドウ内でポイントは満杯のまま
		clock.Advance(rej.RetryAfter + time.Millisecond)
	}
}

func TestLimiter_PenaltiesResetAfterSuccessfulConsume(t *testing.T) {
	l, clock := newTestLimiter(Config{
		Points: 1,
		Window: time.Second,
		Block:  QuadraticBlock(time.Second),
	})
	defer l.Stop()

	l.Consume("k", 1)

	_, err := l.Consume("k", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatal("violation should be rejected")
	}
	if rej.RetryAfter != time.Second {
		t.Fatalf("first block = %v, want 1s", rej.RetryAfter)
	}

	// ブロックとウィンドウの両方が明けると消費が成功し、ペナルティが戻る
	clock.Advance(2 * time.Second)
	if _, err := l.Consume("k", 1); err != nil {
		t.Fatalf("consumption after block should succeed: %v", err)
	}

	_, err = l.Consume("k", 1)
	if !errors.As(err, &rej) {
		t.Fatal("violation should be rejected")
	}
	if rej.RetryAfter != time.Second {
		t.Errorf("block after reset = %v, want 1s (penalty count restarted)", rej.RetryAfter)
	}
}

func TestBursty_BothTiersMustAllow(t *testing.T) {
	fastClock := newFakeClock()
	fast := New(Config{Points: 2, Window: 5 * time.Second})
	fast.now = fastClock.Now
	burst := New(Config{Points: 3, Window: 60 * time.Second})
	burst.now = fastClock.Now

	b := NewBursty(fast, burst)
	defer b.Stop()

	// 高速側の2回は成功
	for i := 0; i < 2; i++ {
		if _, err := b.Consume("k", 1); err != nil {
			t.Fatalf("consumption %d failed: %v", i+1, err)
		}
	}

	// 3回目は高速側で拒否
	if _, err := b.Consume("k", 1); err == nil {
		t.Fatal("3rd consumption should be rejected by fast tier")
	}

	// 高速ウィンドウが明けてもバースト側（60秒で3回、うち2回消費済み）が先に尽きる
	fastClock.Advance(5 * time.Second)
	if _, err := b.Consume("k", 1); err != nil {
		t.Fatalf("3rd overall consumption should pass burst tier: %v", err)
	}

	fastClock.Advance(5 * time.Second)
	_, err := b.Consume("k", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatal("4th overall consumption should be rejected by burst tier")
	}
	// バースト側のリセットまでの待機時間が返る
	if rej.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rej.RetryAfter)
	}
}

// 高速側で拒否された場合は高速側のRetryAfterが返り、バースト側は消費されないことを検証
func TestBursty_FastTierRejectionLeavesBurstUntouched(t *testing.T) {
	clock := newFakeClock()
	fast := New(Config{Points: 1, Window: 5 * time.Second})
	fast.now = clock.Now
	burst := New(Config{Points: 10, Window: 60 * time.Second})
	burst.now = clock.Now

	b := NewBursty(fast, burst)
	defer b.Stop()

	if _, err := b.Consume("k", 1); err != nil {
		t.Fatalf("1st consumption failed: %v", err)
	}

	clock.Advance(2 * time.Second)

	_, err := b.Consume("k", 1)
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("2nd consumption should be rejected by fast tier, got %v", err)
	}
	// 高速ウィンドウの残り時間（5秒 - 経過2秒）が返る
	if rej.RetryAfter != 3*time.Second {
		t.Errorf("RetryAfter = %v, want 3s (fast window remainder)", rej.RetryAfter)
	}

	// バースト側は1回目の消費のみ。拒否時には消費されない。
	if res, err := burst.Consume("k", 1); err != nil {
		t.Fatalf("burst tier consumption failed: %v", err)
	} else if res.Remaining != 8 {
		t.Errorf("burst Remaining = %d, want 8（拒否時に消費されていれば7になる）", res.Remaining)
	}
}

func TestLimiter_CleanupRemovesIdleBuckets(t *testing.T) {
	l := New(Config{
		Points:          5,
		Window:          10 * time.Millisecond,
		CleanupInterval: 20 * time.Millisecond,
	})
	defer l.Stop()

	l.Consume("idle-user", 1)

	if l.Len() == 0 {
		t.Fatal("expected at least one bucket")
	}

	// CleanupIntervalの2倍 + マージンを待つとジャニターが回収する
	time.Sleep(100 * time.Millisecond)

	if count := l.Len(); count != 0 {
		t.Errorf("bucket count after cleanup = %d, want 0", count)
	}
}

func TestLimiter_ConcurrentConsume(t *testing.T) {
	l := New(Config{Points: 1000, Window: time.Minute})
	defer l.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Consume("shared", 1)
			}
		}()
	}
	wg.Wait()

	// 800消費済みなので残り200。201ポイントの消費は拒否される
	if _, err := l.Consume("shared", 201); err == nil {
		t.Error("expected rejection: concurrent consumes should all be counted")
	}
	if _, err := l.Consume("shared", 200); err != nil {
		t.Errorf("expected success for exactly the remaining points: %v", err)
	}
}
