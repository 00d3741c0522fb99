package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/handler"
	"github.com/enzyme/linkpreview/internal/quota"
	"github.com/enzyme/linkpreview/internal/ratelimit"
)

type stubPreviews struct{}

func (stubPreviews) PreviewIDForText(_ context.Context, text string) (string, bool) {
	if strings.Contains(text, "http") {
		return "01STUB", true
	}
	return "", false
}

func (stubPreviews) Get(_ context.Context, id string) (*cache.Record, error) {
	if id != "01STUB" {
		return nil, cache.ErrNotFound
	}
	return &cache.Record{ID: id, NormalizedURL: "https://example.com", Source: cache.SourceFallbackLibrary}, nil
}

type stubQuota struct{}

func (stubQuota) Current(context.Context) (quota.Usage, error) {
	return quota.Usage{Year: 2026, Month: time.May, Count: 3, Limit: 10}, nil
}

func newTestRouter(limiter *ratelimit.Limiter, origins []string) http.Handler {
	h := handler.New(handler.Dependencies{Previews: stubPreviews{}, Quota: stubQuota{}})
	return NewRouter(h, limiter, origins)
}

func serve(r http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Routes(t *testing.T) {
	r := newTestRouter(nil, nil)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodPost, "/api/previews", `{"text":"https://example.com"}`, http.StatusOK},
		{http.MethodGet, "/api/previews/01STUB", "", http.StatusOK},
		{http.MethodGet, "/api/previews/nope", "", http.StatusNotFound},
		{http.MethodGet, "/api/quota", "", http.StatusOK},
		{http.MethodGet, "/api/image-proxy/not-a-url", "", http.StatusBadRequest},
		{http.MethodGet, "/api/unknown", "", http.StatusNotFound},
		{http.MethodDelete, "/api/previews/01STUB", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := serve(r, tt.method, tt.path, tt.body, nil)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRouter_RateLimitsCreateOnly(t *testing.T) {
	r := newTestRouter(ratelimit.NewLimiter(1, time.Minute), nil)
	hdr := map[string]string{"X-Real-IP": "203.0.113.9"}

	if rec := serve(r, http.MethodPost, "/api/previews", `{"text":"x"}`, hdr); rec.Code != http.StatusOK {
		t.Fatalf("first create = %d", rec.Code)
	}
	rec := serve(r, http.MethodPost, "/api/previews", `{"text":"x"}`, hdr)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create = %d", rec.Code)
	}
	var body handler.ApiErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Error.Code != "RATE_LIMITED" {
		t.Fatalf("body = %s (%v)", rec.Body.String(), err)
	}

	// Reads are not limited.
	for i := 0; i < 3; i++ {
		if rec := serve(r, http.MethodGet, "/api/quota", "", hdr); rec.Code != http.StatusOK {
			t.Fatalf("quota read %d = %d", i, rec.Code)
		}
	}

	// A different client has its own window.
	other := map[string]string{"X-Real-IP": "203.0.113.10"}
	if rec := serve(r, http.MethodPost, "/api/previews", `{"text":"x"}`, other); rec.Code != http.StatusOK {
		t.Fatalf("other client create = %d", rec.Code)
	}
}

func TestRouter_CORS(t *testing.T) {
	r := newTestRouter(nil, []string{"https://app.example.com"})

	rec := serve(r, http.MethodOptions, "/api/previews", "", map[string]string{
		"Origin":                        "https://app.example.com",
		"Access-Control-Request-Method": "POST",
	})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	rec = serve(r, http.MethodGet, "/api/quota", "", map[string]string{"Origin": "https://evil.example.com"})
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected Allow-Origin %q for foreign origin", got)
	}
}

func TestRouter_RecoversPanics(t *testing.T) {
	h := handler.New(handler.Dependencies{Previews: stubPreviews{}})
	// A nil quota reader panics inside the handler.
	r := NewRouter(h, nil, nil)
	rec := serve(r, http.MethodGet, "/api/quota", "", nil)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}
