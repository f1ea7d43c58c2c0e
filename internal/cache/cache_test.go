package cache

import (
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

// newTestCache はスイープなし・フェイククロックのキャッシュを生成する。
func newTestCache[V any](stdTTL time.Duration) (*Cache[V], *fakeClock) {
	clock := newFakeClock()
	c := New[V](Config{StdTTL: stdTTL})
	c.now = clock.Now
	return c, clock
}

func TestCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache[string](time.Minute)

	c.Set("k1", "v1")

	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit immediately after set")
	}
	if got != "v1" {
		t.Errorf("Get(k1) = %q, want %q", got, "v1")
	}
}

func TestCache_GetMissingKey(t *testing.T) {
	c, _ := newTestCache[string](time.Minute)

	if _, ok := c.Get("never-set"); ok {
		t.Error("expected miss for a key that was never set")
	}
}

func TestCache_LazyExpiryWithoutSweep(t *testing.T) {
	// スイープgoroutineを一切起動せず、読み取り時の遅延失効だけで
	// ミスになることを検証する。
	c, clock := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	clock.Advance(time.Minute + time.Second)

	if _, ok := c.Get("k1"); ok {
		t.Error("expected miss after TTL elapsed, even without a sweep")
	}
}

func TestCache_GetJustBeforeExpiry(t *testing.T) {
	c, clock := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	clock.Advance(59 * time.Second)

	if _, ok := c.Get("k1"); !ok {
		t.Error("expected hit just before TTL boundary")
	}
}

func TestCache_SetWithTTLOverridesDefault(t *testing.T) {
	c, clock := newTestCache[string](time.Minute)

	c.SetWithTTL("short", "v", 10*time.Second)
	c.Set("long", "v")

	clock.Advance(11 * time.Second)

	if _, ok := c.Get("short"); ok {
		t.Error("short TTL entry should be gone")
	}
	if _, ok := c.Get("long"); !ok {
		t.Error("default TTL entry should still be alive")
	}
}

func TestCache_OverwriteResetsExpiry(t *testing.T) {
	c, clock := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	clock.Advance(50 * time.Second)
	c.Set("k1", "v2")
	clock.Advance(50 * time.Second)

	// 最初のSetから100秒経過しているが、上書きで失効がリセットされている
	got, ok := c.Get("k1")
	if !ok {
		t.Fatal("expected hit: overwrite should reset expiry")
	}
	if got != "v2" {
		t.Errorf("Get(k1) = %q, want %q", got, "v2")
	}
}

func TestCache_TakeConsumesExactlyOnce(t *testing.T) {
	c, _ := newTestCache[int](time.Minute)

	c.Set("once", 42)

	got, ok := c.Take("once")
	if !ok || got != 42 {
		t.Fatalf("Take = (%d, %v), want (42, true)", got, ok)
	}

	if _, ok := c.Take("once"); ok {
		t.Error("second Take should miss")
	}
	if _, ok := c.Get("once"); ok {
		t.Error("Get after Take should miss")
	}
}

func TestCache_TakeExpiredEntry(t *testing.T) {
	c, clock := newTestCache[int](time.Minute)

	c.Set("k", 1)
	clock.Advance(2 * time.Minute)

	if _, ok := c.Take("k"); ok {
		t.Error("Take of an expired entry should miss")
	}
}

func TestCache_DeleteIsIdempotent(t *testing.T) {
	c, _ := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	c.Delete("k1")
	c.Delete("k1") // 存在しないキーの削除は何もしない

	if _, ok := c.Get("k1"); ok {
		t.Error("expected miss after delete")
	}
}

func TestCache_MGetOmitsMissesSilently(t *testing.T) {
	c, _ := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	c.Set("k3", "v3")

	got := c.MGet([]string{"k1", "k2", "k3"})

	if len(got) != 2 {
		t.Fatalf("MGet returned %d entries, want 2", len(got))
	}
	if got["k1"] != "v1" || got["k3"] != "v3" {
		t.Errorf("MGet = %v, want k1/k3 only", got)
	}
	if _, ok := got["k2"]; ok {
		t.Error("MGet should not include a placeholder for missing keys")
	}
}

func TestCache_MSet(t *testing.T) {
	c, clock := newTestCache[int](time.Minute)

	c.MSet(map[string]int{"a": 1, "b": 2})

	got := c.MGet([]string{"a", "b"})
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("MGet after MSet = %v", got)
	}

	clock.Advance(2 * time.Minute)
	if got := c.MGet([]string{"a", "b"}); len(got) != 0 {
		t.Errorf("MGet after expiry = %v, want empty", got)
	}
}

func TestCache_FlushAll(t *testing.T) {
	c, _ := newTestCache[string](time.Minute)

	c.Set("k1", "v1")
	c.Set("k2", "v2")
	c.FlushAll()

	if c.Len() != 0 {
		t.Errorf("Len after FlushAll = %d, want 0", c.Len())
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c, clock := newTestCache[string](0)

	c.Set("k", "v")
	clock.Advance(365 * 24 * time.Hour)

	if _, ok := c.Get("k"); !ok {
		t.Error("entry with no TTL should never expire")
	}
}

func TestCache_SweepRemovesExpiredEntries(t *testing.T) {
	// 実時間の短い周期でスイープが物理削除を行うことを検証する。
	c := New[string](Config{StdTTL: 20 * time.Millisecond, CheckPeriod: 10 * time.Millisecond})
	defer c.Stop()

	c.Set("k1", "v1")
	time.Sleep(60 * time.Millisecond)

	c.mu.Lock()
	physical := len(c.entries)
	c.mu.Unlock()

	if physical != 0 {
		t.Errorf("physical entry count after sweep = %d, want 0", physical)
	}
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New[string](Config{StdTTL: time.Minute, CheckPeriod: time.Minute})
	c.Stop()
	c.Stop() // 2回目のStopでpanicしないこと
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](Config{StdTTL: time.Minute})
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Set("shared", n)
				c.Get("shared")
				c.MGet([]string{"shared", "missing"})
			}
		}(i)
	}
	wg.Wait()

	if _, ok := c.Get("shared"); !ok {
		t.Error("expected hit after concurrent writes")
	}
}
