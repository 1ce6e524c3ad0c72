// Package limiter enforces the per-app request-per-second cap with
// lazily created token buckets. Daily quota accounting lives in the
// store; this package only owns the in-process RPS axis.
package limiter

import (
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	shardCount = 16
	// Buckets idle past this long are dropped by the cleanup loop so
	// rotated or abandoned keys do not pin memory.
	idleEviction    = 10 * time.Minute
	cleanupInterval = time.Minute
)

type bucket struct {
	lim      *rate.Limiter
	maxRPS   int
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter holds one token bucket per API key, sharded to keep lock
// contention off the hot path.
type Limiter struct {
	shards   [shardCount]*shard
	logger   *zap.Logger
	shutdown chan struct{}
	done     chan struct{}
}

// New creates a limiter and starts its idle-eviction loop.
func New(logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Limiter{
		logger:   logger,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	go l.cleanupLoop()
	return l
}

// Stop terminates the eviction loop.
func (l *Limiter) Stop() {
	close(l.shutdown)
	<-l.done
}

func (l *Limiter) shardFor(apiKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(apiKey))
	return l.shards[h.Sum32()%shardCount]
}

// Allow reports whether a request under apiKey may proceed given the
// app's maxRPS. A maxRPS of zero disables the RPS axis entirely. The
// bucket is rebuilt in place when the configured limit changes, so
// admin PATCHes take effect on the next request.
func (l *Limiter) Allow(apiKey string, maxRPS int) bool {
	if maxRPS <= 0 {
		return true
	}

	s := l.shardFor(apiKey)
	s.mu.Lock()
	b, ok := s.buckets[apiKey]
	if !ok || b.maxRPS != maxRPS {
		b = &bucket{
			lim:    rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
			maxRPS: maxRPS,
		}
		s.buckets[apiKey] = b
	}
	b.lastSeen = time.Now()
	lim := b.lim
	s.mu.Unlock()

	return lim.Allow()
}

// Forget drops the bucket for apiKey immediately; used when a key is
// regenerated so the stale bucket cannot outlive the key.
func (l *Limiter) Forget(apiKey string) {
	s := l.shardFor(apiKey)
	s.mu.Lock()
	delete(s.buckets, apiKey)
	s.mu.Unlock()
}

func (l *Limiter) cleanupLoop() {
	defer close(l.done)
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.shutdown:
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	evicted := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			if now.Sub(b.lastSeen) > idleEviction {
				delete(s.buckets, key)
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		l.logger.Debug("evicted idle rate limit buckets", zap.Int("count", evicted))
	}
}

// QuotaExhausted reports whether a post-increment daily counter has
// passed its quota, meaning the increment that produced it must be
// compensated. A limit of zero disables the daily axis.
func QuotaExhausted(dailyRequests, limit int64) bool {
	return limit > 0 && dailyRequests > limit
}
