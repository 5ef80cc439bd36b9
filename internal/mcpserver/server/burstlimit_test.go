package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTokenBucket_AllowsUpToCapacityThenDenies(t *testing.T) {
	tb := NewTokenBucket(3, 1)

	for i := 0; i < 3; i++ {
		allowed, _, _, _ := tb.Allow()
		if !allowed {
			t.Fatalf("request %d: expected allowed, got denied", i)
		}
	}

	allowed, remaining, _, _ := tb.Allow()
	if allowed {
		t.Error("expected the 4th request to be denied once the bucket is empty")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}
}

func TestTokenBucket_RefillsOverTime(t *testing.T) {
	tb := NewTokenBucket(1, 100) // refills a full token in 10ms

	allowed, _, _, _ := tb.Allow()
	if !allowed {
		t.Fatal("expected the first request to be allowed")
	}
	allowed, _, _, _ = tb.Allow()
	if allowed {
		t.Fatal("expected the bucket to be empty immediately after")
	}

	time.Sleep(30 * time.Millisecond)

	allowed, _, _, _ = tb.Allow()
	if !allowed {
		t.Error("expected a token to have refilled after waiting")
	}
}

func TestBurstLimiter_PerTenantIsolation(t *testing.T) {
	bl := NewBurstLimiter(BurstLimitConfig{WindowSeconds: 60, MaxRequests: 60, Burst: 1})

	allowedA, _, _, _ := bl.Allow("tenant-a")
	if !allowedA {
		t.Fatal("tenant-a's first request should be allowed")
	}
	deniedA, _, _, _ := bl.Allow("tenant-a")
	if deniedA {
		t.Fatal("tenant-a's second request should be denied (burst of 1 exhausted)")
	}

	allowedB, _, _, _ := bl.Allow("tenant-b")
	if !allowedB {
		t.Error("tenant-b should have its own bucket, unaffected by tenant-a's usage")
	}
}

func TestBurstLimiter_Middleware_SetsBurstHeaders(t *testing.T) {
	bl := NewBurstLimiter(BurstLimitConfig{WindowSeconds: 60, MaxRequests: 60, Burst: 5})
	handler := bl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req = req.WithContext(WithTenantIdentity(req.Context(), identity("tenant-a", "free")))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Burst-Limit") != "60" {
		t.Errorf("X-Burst-Limit = %q, want 60", rec.Header().Get("X-Burst-Limit"))
	}
	if rec.Header().Get("X-Burst-Burst") != "5" {
		t.Errorf("X-Burst-Burst = %q, want 5", rec.Header().Get("X-Burst-Burst"))
	}
	if rec.Header().Get("X-Burst-Remaining") == "" {
		t.Error("X-Burst-Remaining header missing")
	}
}

func TestBurstLimiter_Middleware_DeniesWithRetryAfter(t *testing.T) {
	bl := NewBurstLimiter(BurstLimitConfig{WindowSeconds: 60, MaxRequests: 60, Burst: 1})
	handler := bl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	ctx := WithTenantIdentity(httptest.NewRequest(http.MethodPost, "/mcp", nil).Context(), identity("tenant-a", "free"))

	req1 := httptest.NewRequest(http.MethodPost, "/mcp", nil).WithContext(ctx)
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/mcp", nil).WithContext(ctx)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
	if rec2.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on a 429 response")
	}
}

func TestBurstLimiter_Middleware_PassesThroughWithoutTenantIdentity(t *testing.T) {
	bl := NewBurstLimiter(BurstLimitConfig{WindowSeconds: 60, MaxRequests: 60, Burst: 0})
	handler := bl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (no tenant identity means auth hasn't run yet)", rec.Code)
	}
}
