package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	l := NewLimiter(limit, window)
	l.clock = clock
	return l, clock
}

func TestAllow_WithinLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		res, ok := l.Allow("1.2.3.4")
		if !ok {
			t.Fatalf("request %d rejected", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("request %d remaining = %d", i+1, res.Remaining)
		}
	}

	res, ok := l.Allow("1.2.3.4")
	if ok {
		t.Fatal("fourth request allowed")
	}
	if res.RetryIn != time.Minute {
		t.Errorf("RetryIn = %v, want 1m", res.RetryIn)
	}
}

func TestAllow_WindowResets(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	if _, ok := l.Allow("a"); !ok {
		t.Fatal("first request rejected")
	}
	clock.now = clock.now.Add(30 * time.Second)
	res, ok := l.Allow("a")
	if ok {
		t.Fatal("second request in window allowed")
	}
	if res.RetryIn != 30*time.Second {
		t.Errorf("RetryIn = %v", res.RetryIn)
	}

	clock.now = clock.now.Add(30 * time.Second)
	if _, ok := l.Allow("a"); !ok {
		t.Fatal("request after window rejected")
	}
}

func TestAllow_ClientsIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	if _, ok := l.Allow("a"); !ok {
		t.Fatal("a rejected")
	}
	if _, ok := l.Allow("b"); !ok {
		t.Fatal("b rejected after a used its allowance")
	}
}

func TestCleanup(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)
	l.Allow("a")
	clock.now = clock.now.Add(30 * time.Second)
	l.Allow("b")

	clock.now = clock.now.Add(45 * time.Second)
	l.Cleanup()
	if l.Len() != 1 {
		t.Fatalf("Len = %d, want 1", l.Len())
	}
	if _, ok := l.clients["b"]; !ok {
		t.Error("live window for b was dropped")
	}
}

func TestMiddleware(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/previews", nil)
	req.RemoteAddr = "10.1.1.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("remaining header = %q", rec.Header().Get("X-RateLimit-Remaining"))
	}

	// Same IP from another port shares the window.
	req.RemoteAddr = "10.1.1.1:6666"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rec.Header().Get("Retry-After"))
	}
}
