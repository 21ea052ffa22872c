package ratelimit

import (
	"testing"
	"time"
)

func TestTenantLimiterAllowsBurst(t *testing.T) {
	limiter := NewTenantLimiter(Limit{RequestsPerMinute: 60, Burst: 3}, nil)

	for i := 0; i < 3; i++ {
		ok, _ := limiter.Allow("acme")
		if !ok {
			t.Errorf("request %d should be allowed", i)
		}
	}

	ok, wait := limiter.Allow("acme")
	if ok {
		t.Error("request after burst should be denied")
	}
	if wait <= 0 {
		t.Errorf("denied request should report a wait time, got %v", wait)
	}
}

func TestTenantLimiterIsolatesTenants(t *testing.T) {
	limiter := NewTenantLimiter(Limit{RequestsPerMinute: 60, Burst: 1}, nil)

	if ok, _ := limiter.Allow("acme"); !ok {
		t.Fatal("acme first request should be allowed")
	}
	if ok, _ := limiter.Allow("acme"); ok {
		t.Error("acme should be limited")
	}
	if ok, _ := limiter.Allow("globex"); !ok {
		t.Error("globex should have its own budget")
	}
}

func TestTenantLimiterOverrides(t *testing.T) {
	limiter := NewTenantLimiter(
		Limit{RequestsPerMinute: 60, Burst: 1},
		map[string]Limit{"premium": {RequestsPerMinute: 600, Burst: 5}},
	)

	for i := 0; i < 5; i++ {
		if ok, _ := limiter.Allow("premium"); !ok {
			t.Errorf("premium request %d should be allowed", i)
		}
	}
	if got := limiter.LimitFor("premium").RequestsPerMinute; got != 600 {
		t.Errorf("premium limit = %d", got)
	}
	if got := limiter.LimitFor("other").RequestsPerMinute; got != 60 {
		t.Errorf("fallback limit = %d", got)
	}
}

func TestTenantLimiterUnlimited(t *testing.T) {
	limiter := NewTenantLimiter(Limit{}, nil)

	for i := 0; i < 100; i++ {
		if ok, _ := limiter.Allow("acme"); !ok {
			t.Fatal("unlimited tenant should never be denied")
		}
	}
}

func TestTenantLimiterRefill(t *testing.T) {
	// 6000 rpm refills 100 tokens per second.
	limiter := NewTenantLimiter(Limit{RequestsPerMinute: 6000, Burst: 1}, nil)

	limiter.Allow("acme")
	if ok, _ := limiter.Allow("acme"); ok {
		t.Fatal("should be denied after exhausting burst")
	}

	time.Sleep(50 * time.Millisecond)

	if ok, _ := limiter.Allow("acme"); !ok {
		t.Error("should be allowed after refill")
	}
}

func TestTenantLimiterReset(t *testing.T) {
	limiter := NewTenantLimiter(Limit{RequestsPerMinute: 60, Burst: 1}, nil)

	limiter.Allow("acme")
	if ok, _ := limiter.Allow("acme"); ok {
		t.Fatal("should be limited")
	}

	limiter.Reset("acme")

	if ok, _ := limiter.Allow("acme"); !ok {
		t.Error("should be allowed after reset")
	}
}

func TestBucketDefaultsBurstToRate(t *testing.T) {
	b := newBucket(Limit{RequestsPerMinute: 5})
	if b.maxTokens != 5 {
		t.Errorf("maxTokens = %v, want 5", b.maxTokens)
	}
}
