// Package ratelimit provides per-tenant request rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Limit is the rate applied to one tenant.
type Limit struct {
	// RequestsPerMinute is the sustained request rate. Zero or negative
	// means unlimited.
	RequestsPerMinute int
	// Burst is the number of requests allowed above the sustained rate.
	// Defaults to RequestsPerMinute when unset.
	Burst int
}

// Unlimited reports whether the limit imposes no cap.
func (l Limit) Unlimited() bool {
	return l.RequestsPerMinute <= 0
}

// bucket is a token bucket refilled continuously at the limit's rate.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newBucket(limit Limit) *bucket {
	burst := limit.Burst
	if burst <= 0 {
		burst = limit.RequestsPerMinute
	}
	return &bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: float64(limit.RequestsPerMinute) / 60.0,
		lastRefill: time.Now(),
	}
}

func (b *bucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// refill must be called with the lock held.
func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

func (b *bucket) waitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	needed := 1 - b.tokens
	return time.Duration(needed / b.refillRate * float64(time.Second))
}

// TenantLimiter applies a default limit to every tenant, with per-tenant
// overrides. Tenants with an unlimited limit bypass bucket accounting
// entirely.
type TenantLimiter struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	overrides map[string]Limit
	fallback  Limit
}

// NewTenantLimiter builds a limiter with the given default limit.
func NewTenantLimiter(fallback Limit, overrides map[string]Limit) *TenantLimiter {
	if overrides == nil {
		overrides = map[string]Limit{}
	}
	return &TenantLimiter{
		buckets:   make(map[string]*bucket),
		overrides: overrides,
		fallback:  fallback,
	}
}

// LimitFor returns the limit in effect for a tenant.
func (t *TenantLimiter) LimitFor(tenant string) Limit {
	if limit, ok := t.overrides[tenant]; ok {
		return limit
	}
	return t.fallback
}

// Allow consumes one request from the tenant's budget. It reports
// whether the request may proceed and, when denied, how long to wait
// before retrying.
func (t *TenantLimiter) Allow(tenant string) (bool, time.Duration) {
	limit := t.LimitFor(tenant)
	if limit.Unlimited() {
		return true, 0
	}

	b := t.getBucket(tenant, limit)
	if b.allow() {
		return true, 0
	}
	return false, b.waitTime()
}

func (t *TenantLimiter) getBucket(tenant string, limit Limit) *bucket {
	t.mu.RLock()
	b, ok := t.buckets[tenant]
	t.mu.RUnlock()
	if ok {
		return b
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok = t.buckets[tenant]; ok {
		return b
	}
	b = newBucket(limit)
	t.buckets[tenant] = b
	return b
}

// Reset discards the tenant's bucket, restoring its full burst.
func (t *TenantLimiter) Reset(tenant string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, tenant)
}
