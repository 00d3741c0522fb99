// Package ratelimit throttles inbound requests per client with a fixed
// window counter.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Result contains rate limit status for a request.
type Result struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
	RetryIn   time.Duration
}

type window struct {
	count   int
	startAt time.Time
}

// Limiter allows limit calls per client in each window.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string]*window
	clock   Clock
}

func NewLimiter(limit int, windowLen time.Duration) *Limiter {
	return &Limiter{
		limit:   limit,
		window:  windowLen,
		clients: make(map[string]*window),
		clock:   realClock{},
	}
}

// Allow counts one call from client and reports whether it fits the window.
func (l *Limiter) Allow(client string) (Result, bool) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.clients[client]
	if !ok || now.Sub(w.startAt) >= l.window {
		w = &window{startAt: now}
		l.clients[client] = w
	}

	res := Result{Limit: l.limit, ResetAt: w.startAt.Add(l.window)}
	if w.count >= l.limit {
		res.RetryIn = res.ResetAt.Sub(now)
		return res, false
	}
	w.count++
	res.Remaining = l.limit - w.count
	return res, true
}

// Cleanup drops clients whose window has passed.
func (l *Limiter) Cleanup() {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for client, w := range l.clients {
		if now.Sub(w.startAt) >= l.window {
			delete(l.clients, client)
		}
	}
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware rejects requests over the limit with 429. Clients are keyed by
// RemoteAddr, so it belongs after middleware.RealIP.
func Middleware(l *Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res, ok := l.Allow(clientIP(r.RemoteAddr))

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

			if !ok {
				h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryIn.Seconds()))))
				h.Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "RATE_LIMITED",
						"message": "Too many requests, retry later",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}
