// Package middleware provides transport-level middleware shared by the
// request executor's HTTP entry point and its TCP listener.
//
// This file implements a token-bucket rate limiter used for admission
// control ahead of the executor's single-writer work queue:
//   - Per-key limiting (per peer on the executor's TCP listener;
//     RateLimitMiddleware applies the same check to an HTTP handler)
//   - Global limiting (whole-instance ceiling)
//   - Concurrent-safe via sync.Map and atomic operations
//   - On-demand refill, no background goroutines
//
// Algorithm:
//   - Tokens refill at a constant rate (refillRate tokens/second)
//   - Max tokens = bucketSize (burst capacity)
//   - Each admitted request consumes one token
//   - A request with no token available is refused admission; on the TCP
//     path the refusal is a normal reply envelope, never a dropped channel
//
// Invariants:
//   - Allow() is O(1) amortized and lock-free on the hot path
//   - Per-key state is never cleaned implicitly; call EvictStaleKeys from a
//     periodic sweep to bound memory on long-lived instances
package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// TokenBucket is a per-key plus global token-bucket limiter.
//
// Example:
//
//	// 500 admissions per second, burst of 100
//	limiter := NewTokenBucket(500, 100)
//	if limiter.Allow(clientIP) { enqueue(task) }
type TokenBucket struct {
	refillRate float64
	bucketSize int64

	// Per-key buckets. Key: string, value: *bucket.
	buckets sync.Map

	globalBucket *bucket
}

type bucket struct {
	tokens     int64 // atomic
	lastRefill int64 // atomic, ns
	maxTokens  int64
	refillRate float64
}

// NewTokenBucket creates a limiter that refills refillRate tokens per
// second into buckets of bucketSize capacity.
func NewTokenBucket(refillRate float64, bucketSize int64) *TokenBucket {
	if refillRate <= 0 {
		panic("refillRate must be positive")
	}
	if bucketSize <= 0 {
		panic("bucketSize must be positive")
	}
	return &TokenBucket{
		refillRate: refillRate,
		bucketSize: bucketSize,
		globalBucket: &bucket{
			tokens:     bucketSize,
			lastRefill: time.Now().UnixNano(),
			maxTokens:  bucketSize,
			refillRate: refillRate,
		},
	}
}

// Allow reports whether one request for key is admitted.
func (tb *TokenBucket) Allow(key string) bool {
	if key == "" {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(1)
}

// AllowGlobal checks a request against the whole-instance ceiling,
// regardless of key.
func (tb *TokenBucket) AllowGlobal() bool {
	return tb.globalBucket.tryConsume(1)
}

// AllowN admits a variable-cost request consuming n tokens (e.g. a batched
// invalidation covering n paths).
func (tb *TokenBucket) AllowN(key string, n int) bool {
	if key == "" || n <= 0 {
		return false
	}
	return tb.getOrCreateBucket(key).tryConsume(int64(n))
}

func (tb *TokenBucket) getOrCreateBucket(key string) *bucket {
	if b, ok := tb.buckets.Load(key); ok {
		return b.(*bucket)
	}
	newBucket := &bucket{
		tokens:     tb.bucketSize,
		lastRefill: time.Now().UnixNano(),
		maxTokens:  tb.bucketSize,
		refillRate: tb.refillRate,
	}
	actual, _ := tb.buckets.LoadOrStore(key, newBucket)
	return actual.(*bucket)
}

// tryConsume attempts to take n tokens, refilling lazily from elapsed time.
// Lock-free: CAS on the token count, retry on contention.
func (b *bucket) tryConsume(n int64) bool {
	now := time.Now().UnixNano()

	for {
		currentTokens := atomic.LoadInt64(&b.tokens)
		lastRefill := atomic.LoadInt64(&b.lastRefill)

		elapsed := time.Duration(now - lastRefill)
		tokensToAdd := int64(b.refillRate * elapsed.Seconds())

		newTokens := currentTokens + tokensToAdd
		if newTokens > b.maxTokens {
			newTokens = b.maxTokens
		}
		if newTokens < n {
			return false
		}
		if atomic.CompareAndSwapInt64(&b.tokens, currentTokens, newTokens-n) {
			// Best-effort; losing this race only delays the next refill.
			atomic.StoreInt64(&b.lastRefill, now)
			return true
		}
	}
}

// Reset restores the bucket to full capacity.
func (b *bucket) Reset() {
	atomic.StoreInt64(&b.tokens, b.maxTokens)
	atomic.StoreInt64(&b.lastRefill, time.Now().UnixNano())
}

// CurrentTokens returns an approximate token count snapshot.
func (b *bucket) CurrentTokens() int64 {
	b.tryConsume(0) // trigger refill
	return atomic.LoadInt64(&b.tokens)
}

// RateLimitMiddleware wraps an HTTP handler with per-key admission.
//
// Note the asymmetry with the executor's envelope contract: a refused
// request here never produced an envelope, so 429 is correct — the
// always-200 rule applies only once an envelope exists.
func RateLimitMiddleware(
	next http.Handler,
	limiter *TokenBucket,
	keyFunc func(*http.Request) string,
) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := keyFunc(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow(key) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// KeyByIP extracts the client IP for rate limiting, preferring proxy
// headers over the socket address.
func KeyByIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return r.RemoteAddr
}

// KeyByHeader keys admission on a header value, e.g. the invoker identity
// the client sends in its envelope-adjacent headers.
func KeyByHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// Stats is a snapshot of limiter state for the monitoring service.
type Stats struct {
	TotalKeys      int
	GlobalTokens   int64
	SampleKeyStats []KeyStats
}

type KeyStats struct {
	Key    string
	Tokens int64
}

// GetStats walks every key; fine at the executor's key cardinality (one per
// client host), slow if keyed by something unbounded.
func (tb *TokenBucket) GetStats() Stats {
	stats := Stats{
		GlobalTokens:   tb.globalBucket.CurrentTokens(),
		SampleKeyStats: make([]KeyStats, 0, 10),
	}

	count := 0
	tb.buckets.Range(func(key, value interface{}) bool {
		count++
		if len(stats.SampleKeyStats) < 10 {
			b := value.(*bucket)
			stats.SampleKeyStats = append(stats.SampleKeyStats, KeyStats{
				Key:    key.(string),
				Tokens: b.CurrentTokens(),
			})
		}
		return true
	})

	stats.TotalKeys = count
	return stats
}

// EvictStaleKeys removes keys idle longer than staleDuration, bounding
// memory on a long-lived instance. Walks every key.
func (tb *TokenBucket) EvictStaleKeys(staleDuration time.Duration) int {
	staleThreshold := time.Now().Add(-staleDuration).UnixNano()
	evicted := 0

	tb.buckets.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		if atomic.LoadInt64(&b.lastRefill) < staleThreshold {
			tb.buckets.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

func (tb *TokenBucket) String() string {
	return fmt.Sprintf("TokenBucket{rate=%.1f/s, burst=%d}", tb.refillRate, tb.bucketSize)
}
