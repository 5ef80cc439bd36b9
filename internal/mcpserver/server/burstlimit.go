package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TokenBucket implements a token bucket rate limiter. Tokens refill
// continuously at refillRate per second, up to capacity.
type TokenBucket struct {
	tokens     float64
	capacity   float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a token bucket with the given capacity and refill rate.
func NewTokenBucket(capacity int, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow checks whether a token is available and consumes one if so.
// Returns (allowed, tokensRemaining, nextTokenTime, fullResetTime).
func (tb *TokenBucket) Allow() (bool, int, time.Time, time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	tokensNeeded := tb.capacity - tb.tokens
	fullResetTime := now.Add(time.Duration(tokensNeeded/tb.refillRate) * time.Second)

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true, int(tb.tokens), now, fullResetTime
	}

	tokensUntilNext := 1.0 - tb.tokens
	secondsUntilNext := tokensUntilNext / tb.refillRate
	nextTokenTime := now.Add(time.Duration(secondsUntilNext) * time.Second)

	return false, 0, nextTokenTime, fullResetTime
}

// BurstLimitConfig configures a per-tenant token bucket.
type BurstLimitConfig struct {
	WindowSeconds int
	MaxRequests   int
	Burst         int
}

// BurstLimiter enforces a per-tenant token bucket ahead of the quota
// accountant. It exists to absorb short request bursts cheaply, in memory,
// before a tenant's calls reach the monthly quota check — the quota
// accountant answers "has this tenant paid for this month", the burst
// limiter answers "is this tenant hammering us right now".
type BurstLimiter struct {
	buckets map[string]*TokenBucket
	config  BurstLimitConfig
	mu      sync.RWMutex
}

// NewBurstLimiter creates a limiter with the given configuration and starts
// its idle-bucket cleanup loop.
func NewBurstLimiter(config BurstLimitConfig) *BurstLimiter {
	bl := &BurstLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
	}
	go bl.cleanupLoop()
	return bl
}

func (bl *BurstLimiter) getBucket(tenantID string) *TokenBucket {
	bl.mu.RLock()
	bucket, exists := bl.buckets[tenantID]
	bl.mu.RUnlock()
	if exists {
		return bucket
	}

	bl.mu.Lock()
	defer bl.mu.Unlock()
	if bucket, exists := bl.buckets[tenantID]; exists {
		return bucket
	}

	refillRate := float64(bl.config.MaxRequests) / float64(bl.config.WindowSeconds)
	bucket = NewTokenBucket(bl.config.Burst, refillRate)
	bl.buckets[tenantID] = bucket
	return bucket
}

// Allow checks whether tenantID may make a request right now.
func (bl *BurstLimiter) Allow(tenantID string) (bool, int, time.Time, time.Time) {
	return bl.getBucket(tenantID).Allow()
}

func (bl *BurstLimiter) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		bl.mu.Lock()
		for tenantID, bucket := range bl.buckets {
			bucket.mu.Lock()
			if time.Since(bucket.lastRefill) > time.Hour {
				delete(bl.buckets, tenantID)
			}
			bucket.mu.Unlock()
		}
		bl.mu.Unlock()
	}
}

// Middleware enforces the burst limit for the tenant bound to the request
// context by an earlier authentication step. It must run after whatever
// sets the tenant identity in context; requests with no tenant identity
// pass through untouched, since authentication itself will reject them
// downstream.
func (bl *BurstLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := TenantIDFromContext(r.Context())
		if tenantID == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, remaining, nextTokenTime, fullResetTime := bl.Allow(tenantID)

		// X-Burst-* rather than X-RateLimit-*: those names are reserved for
		// the quota accountant's monthly decision, rendered separately by
		// the pipeline's HTTP layer.
		w.Header().Set("X-Burst-Limit", strconv.Itoa(bl.config.MaxRequests))
		w.Header().Set("X-Burst-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-Burst-Reset", strconv.FormatInt(fullResetTime.Unix(), 10))
		w.Header().Set("X-Burst-Burst", strconv.Itoa(bl.config.Burst))

		if !allowed {
			retryAfter := int(time.Until(nextTokenTime).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))

			log.Warn().
				Str("tenant_id", tenantID).
				Str("path", r.URL.Path).
				Int("retry_after", retryAfter).
				Msg("burst limit exceeded")

			http.Error(w, "burst rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
