package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/enzyme/linkpreview/internal/ssrf"
	"github.com/enzyme/linkpreview/internal/testutil"
)

func newTestProber(t *testing.T, maxRedirects int) *Prober {
	t.Helper()
	return New(testutil.LoopbackGuard(t), Options{Timeout: 2 * time.Second, MaxRedirects: maxRedirects})
}

func TestProbe_FollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/middle", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/middle", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final?x=1", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method = %s, want HEAD", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := testutil.Server(t, mux)

	res, err := newTestProber(t, 5).Probe(context.Background(), srv.URL+"/short")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.FinalURL != srv.URL+"/final?x=1" {
		t.Errorf("FinalURL = %q", res.FinalURL)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
}

func TestProbe_GetOn405(t *testing.T) {
	var heads, gets atomic.Int32
	srv := testutil.Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			heads.Add(1)
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			gets.Add(1)
			fmt.Fprint(w, "ok")
		}
	}))

	res, err := newTestProber(t, 5).Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if heads.Load() != 1 || gets.Load() != 1 {
		t.Errorf("heads=%d gets=%d, want 1 each", heads.Load(), gets.Load())
	}
}

func TestProbe_NoGetRetryOnOtherErrors(t *testing.T) {
	var gets atomic.Int32
	srv := testutil.Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			gets.Add(1)
		}
		w.WriteHeader(http.StatusNotFound)
	}))

	res, err := newTestProber(t, 5).Probe(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if res.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d", res.StatusCode)
	}
	if gets.Load() != 0 {
		t.Errorf("GET issued %d times on 404", gets.Load())
	}
}

func TestProbe_RedirectLoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	srv := testutil.Server(t, mux)

	_, err := newTestProber(t, 10).Probe(context.Background(), srv.URL+"/a")
	if !errors.Is(err, ErrRedirectLoop) {
		t.Errorf("err = %v, want ErrRedirectLoop", err)
	}
}

func TestProbe_TooManyHops(t *testing.T) {
	var n atomic.Int32
	srv := testutil.Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, fmt.Sprintf("/hop%d", n.Add(1)), http.StatusFound)
	}))

	_, err := newTestProber(t, 3).Probe(context.Background(), srv.URL)
	if !errors.Is(err, ErrRedirectLoop) {
		t.Errorf("err = %v, want ErrRedirectLoop", err)
	}
}

func TestProbe_UnsafeURL(t *testing.T) {
	guard, err := ssrf.New()
	if err != nil {
		t.Fatal(err)
	}
	p := New(guard, Options{Timeout: time.Second})

	_, err = p.Probe(context.Background(), "http://127.0.0.1:1/")
	if !errors.Is(err, ssrf.ErrUnsafeURL) {
		t.Errorf("err = %v, want ErrUnsafeURL", err)
	}
}

func TestProbe_RedirectToBlockedHost(t *testing.T) {
	srv := testutil.Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://10.0.0.1/internal", http.StatusFound)
	}))

	_, err := newTestProber(t, 5).Probe(context.Background(), srv.URL)
	if !errors.Is(err, ssrf.ErrUnsafeURL) {
		t.Errorf("err = %v, want ErrUnsafeURL", err)
	}
}

func TestProbe_Timeout(t *testing.T) {
	srv := testutil.Server(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))

	p := New(testutil.LoopbackGuard(t), Options{Timeout: 100 * time.Millisecond})
	start := time.Now()
	if _, err := p.Probe(context.Background(), srv.URL); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("probe took %v, want bounded by timeout", elapsed)
	}
}
