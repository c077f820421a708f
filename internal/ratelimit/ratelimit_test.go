package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestLimiter creates a limiter with a short TTL and cancellable context for tests.
// Returns the limiter and a cancel func to stop the cleanup goroutine.
func newTestLimiter(opts ...Option) (*KeyLimiter, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	defaults := []Option{
		WithRate(10, 5), // 10/sec, burst of 5 - small burst makes tests fast
		WithTTL(100 * time.Millisecond),
	}
	l := New(ctx, append(defaults, opts...)...)
	return l, cancel
}

func TestAllow_BurstThenReject(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 5))
	defer cancel()

	key := "/content/site/page/jcr:content/ec"

	for i := 0; i < 5; i++ {
		if !l.Allow(key) {
			t.Fatalf("event %d should be allowed (within burst)", i+1)
		}
	}
	if l.Allow(key) {
		t.Fatal("event 6 should be denied (burst exhausted)")
	}
}

func TestAllow_SeparateKeysGetSeparateBuckets(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 3))
	defer cancel()

	for i := 0; i < 3; i++ {
		l.Allow("/content/a")
	}
	if l.Allow("/content/a") {
		t.Fatal("key a should be denied after burst")
	}
	if !l.Allow("/content/b") {
		t.Fatal("key b should be allowed (separate bucket)")
	}
}

func TestAllow_RefillAfterTime(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 1))
	defer cancel()

	if !l.Allow("k") {
		t.Fatal("first event should be allowed")
	}
	if l.Allow("k") {
		t.Fatal("should be denied with empty bucket")
	}

	// at 100/sec, 20ms is 2 tokens
	time.Sleep(20 * time.Millisecond)

	if !l.Allow("k") {
		t.Fatal("should be allowed after refill")
	}
}

func TestOnFirstDenied_CalledOnce(t *testing.T) {
	var firstCount atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 2),
		WithOnFirstDenied(func(string) { firstCount.Add(1) }),
	)
	defer cancel()

	for i := 0; i < 12; i++ {
		l.Allow("k")
	}

	if got := firstCount.Load(); got != 1 {
		t.Fatalf("OnFirstDenied called %d times, want 1", got)
	}
}

func TestOnDenied_CalledEveryDenial(t *testing.T) {
	var denied atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 2),
		WithOnDenied(func(string) { denied.Add(1) }),
	)
	defer cancel()

	for i := 0; i < 7; i++ {
		l.Allow("k")
	}

	if got := denied.Load(); got != 5 {
		t.Fatalf("OnDenied called %d times, want 5", got)
	}
}

func TestCleanup_EvictsIdleKeys(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1), WithTTL(50*time.Millisecond))
	defer cancel()

	l.Allow("k")
	if l.Len() != 1 {
		t.Fatal("key should be tracked immediately after Allow")
	}

	// TTL + cleanup interval (TTL/2) + buffer
	time.Sleep(120 * time.Millisecond)

	if l.Len() != 0 {
		t.Fatal("key should be evicted after TTL")
	}
}

func TestCleanup_ActiveKeyNotEvicted(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 100), WithTTL(80*time.Millisecond))
	defer cancel()

	for i := 0; i < 5; i++ {
		l.Allow("k")
		time.Sleep(30 * time.Millisecond)
	}

	l.mu.Lock()
	_, exists := l.entries["k"]
	l.mu.Unlock()
	if !exists {
		t.Fatal("active key should not be evicted")
	}
}

func TestCleanup_StopsOnCancel(t *testing.T) {
	l, cancel := newTestLimiter(WithTTL(10 * time.Millisecond))

	cancel()
	time.Sleep(30 * time.Millisecond)

	l.Allow("k")
	time.Sleep(30 * time.Millisecond)

	if l.Len() != 1 {
		t.Fatal("key should persist when cleanup goroutine is stopped")
	}
}

func TestCleanup_OnFirstDenied_ResetsAfterEviction(t *testing.T) {
	var firstCount atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(1, 1),
		WithTTL(50*time.Millisecond),
		WithOnFirstDenied(func(string) { firstCount.Add(1) }),
	)
	defer cancel()

	l.Allow("k")
	l.Allow("k")
	if got := firstCount.Load(); got != 1 {
		t.Fatalf("after first denial: OnFirstDenied = %d, want 1", got)
	}

	time.Sleep(120 * time.Millisecond)

	l.Allow("k")
	l.Allow("k")
	if got := firstCount.Load(); got != 2 {
		t.Fatalf("after re-entry: OnFirstDenied = %d, want 2", got)
	}
}

func TestDefaults(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(ctx)

	if l.perSecond != 1 {
		t.Errorf("default perSecond = %v, want 1", l.perSecond)
	}
	if l.burst != 5 {
		t.Errorf("default burst = %d, want 5", l.burst)
	}
	if l.ttl != 10*time.Minute {
		t.Errorf("default ttl = %v, want 10m", l.ttl)
	}
	if l.maxKeys != 10000 {
		t.Errorf("default maxKeys = %d, want 10000", l.maxKeys)
	}
}

func TestNilCallbacks_NoPanic(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1), WithMaxKeys(1))
	defer cancel()

	l.Allow("a")
	l.Allow("a")
	l.Allow("b")
}

func TestMaxKeys_NewKeyAllowedUntrackedAtCapacity(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(1, 1), WithMaxKeys(2))
	defer cancel()

	l.Allow("a")
	l.Allow("b")

	// untracked keys are never limited
	for i := 0; i < 3; i++ {
		if !l.Allow("c") {
			t.Fatalf("untracked key denied on event %d", i+1)
		}
	}
	if l.Len() != 2 {
		t.Fatalf("tracked keys = %d, want 2", l.Len())
	}
	if l.Allow("a") {
		t.Fatal("tracked key should still be rate limited at capacity")
	}
}

func TestMaxKeys_OnCapacityFiredOnce(t *testing.T) {
	var capCount atomic.Int32
	l, cancel := newTestLimiter(
		WithRate(100, 100),
		WithMaxKeys(2),
		WithOnCapacity(func() { capCount.Add(1) }),
	)
	defer cancel()

	l.Allow("a")
	l.Allow("b")
	l.Allow("c")
	l.Allow("d")
	l.Allow("e")

	if got := capCount.Load(); got != 1 {
		t.Fatalf("OnCapacity count = %d, want 1", got)
	}
}

func TestMaxKeys_EvictionFreesCapacity(t *testing.T) {
	l, cancel := newTestLimiter(
		WithRate(1, 1),
		WithMaxKeys(1),
		WithTTL(50*time.Millisecond),
	)
	defer cancel()

	l.Allow("a")
	l.Allow("b")
	if l.Len() != 1 {
		t.Fatalf("tracked keys = %d, want 1", l.Len())
	}

	time.Sleep(120 * time.Millisecond)

	l.Allow("b")
	if l.Allow("b") {
		t.Fatal("b should be tracked and limited after eviction freed capacity")
	}
}

func TestMaxKeys_ZeroDisablesLimit(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(100, 100), WithMaxKeys(0))
	defer cancel()

	for i := 0; i < 100; i++ {
		l.Allow(fmt.Sprintf("/content/%d", i))
	}
	if l.Len() != 100 {
		t.Fatalf("tracked keys = %d, want 100", l.Len())
	}
}

func TestAllow_ConcurrentAccess(t *testing.T) {
	l, cancel := newTestLimiter(WithRate(0.001, 1), WithMaxKeys(0))
	defer cancel()

	var wg sync.WaitGroup
	var allowed atomic.Int32
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if l.Allow(fmt.Sprintf("k%d", n%50)) {
				allowed.Add(1)
			}
		}(i)
	}
	wg.Wait()

	// one token per key, refill is negligible
	if got := allowed.Load(); got != 50 {
		t.Fatalf("allowed = %d, want 50", got)
	}
}
