package limiter

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestAllowEnforcesBurst(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Allow("key-1", 3) {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d of 10 burst requests with maxRPS=3, want 3", allowed)
	}
}

func TestAllowZeroDisablesLimiting(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	for i := 0; i < 100; i++ {
		if !l.Allow("key-1", 0) {
			t.Fatal("maxRPS=0 must never reject")
		}
	}
}

func TestAllowIsolatesKeys(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("hot", 1)
	}
	if !l.Allow("cold", 1) {
		t.Error("exhausting one key's bucket must not affect another")
	}
}

func TestAllowRebuildsBucketOnLimitChange(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("key-1", 2)
	}
	if l.Allow("key-1", 2) {
		t.Fatal("bucket should be drained")
	}

	// A raised limit takes effect immediately with a fresh bucket.
	if !l.Allow("key-1", 10) {
		t.Error("limit change must rebuild the bucket")
	}
}

func TestForgetDropsBucket(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	for i := 0; i < 5; i++ {
		l.Allow("key-1", 1)
	}
	l.Forget("key-1")
	if !l.Allow("key-1", 1) {
		t.Error("forgotten key must start with a full bucket")
	}
}

func TestEvictIdleDropsStaleBuckets(t *testing.T) {
	l := New(zaptest.NewLogger(t))
	defer l.Stop()

	l.Allow("stale", 5)
	l.Allow("fresh", 5)

	s := l.shardFor("stale")
	s.mu.Lock()
	s.buckets["stale"].lastSeen = time.Now().Add(-idleEviction - time.Second)
	s.mu.Unlock()

	l.evictIdle(time.Now())

	s.mu.Lock()
	_, staleOK := s.buckets["stale"]
	s.mu.Unlock()
	if staleOK {
		t.Error("idle bucket should be evicted")
	}

	fs := l.shardFor("fresh")
	fs.mu.Lock()
	_, freshOK := fs.buckets["fresh"]
	fs.mu.Unlock()
	if !freshOK {
		t.Error("fresh bucket should survive eviction")
	}
}

func TestQuotaExhausted(t *testing.T) {
	cases := []struct {
		daily, limit int64
		want         bool
	}{
		{1, 10, false},
		{10, 10, false},
		{11, 10, true},
		{1_000_000, 0, false},
	}
	for _, c := range cases {
		if got := QuotaExhausted(c.daily, c.limit); got != c.want {
			t.Errorf("QuotaExhausted(%d, %d) = %v, want %v", c.daily, c.limit, got, c.want)
		}
	}
}
