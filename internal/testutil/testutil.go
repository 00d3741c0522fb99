package testutil

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/enzyme/linkpreview/internal/database"
	"github.com/enzyme/linkpreview/internal/ssrf"
	"github.com/enzyme/linkpreview/internal/urlnorm"
)

// TestDB creates an in-memory SQLite database with migrations applied.
// The database is automatically closed when the test completes.
func TestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := database.Open(":memory:", database.Options{})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}

	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("running migrations: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db.DB
}

// Resolver maps hostnames to fixed addresses. Unknown hosts fail to resolve.
type Resolver map[string][]string

func (r Resolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
	}
	addrs := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return addrs, nil
}

// LoopbackGuard returns an SSRF guard that allows 127.0.0.0/8 so that
// httptest servers are reachable. hosts are resolved to 127.0.0.1.
func LoopbackGuard(t *testing.T, hosts ...string) *ssrf.Guard {
	t.Helper()

	r := Resolver{}
	for _, h := range hosts {
		r[h] = []string{"127.0.0.1"}
	}
	g, err := ssrf.New(ssrf.WithResolver(r), ssrf.WithExemptNets("127.0.0.0/8"))
	if err != nil {
		t.Fatalf("creating guard: %v", err)
	}
	return g
}

// Server starts an httptest server closed at the end of the test.
func Server(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// TestPreview is a preview row inserted directly for tests.
type TestPreview struct {
	ID            string
	NormalizedURL string
	Host          string
	CreatedAt     time.Time
}

// CreateTestPreview inserts a preview for rawURL without going through the
// cache package. createdAt orders candidates in batch queries.
func CreateTestPreview(t *testing.T, db *sql.DB, rawURL, title string, createdAt time.Time) *TestPreview {
	t.Helper()

	id := ulid.Make().String()
	normalized := urlnorm.Normalize(rawURL)
	ts := createdAt.UTC().Format("2006-01-02T15:04:05.000000Z")

	_, err := db.ExecContext(context.Background(), `
		INSERT INTO link_previews (id, normalized_url, url_hash, host, title, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'fallback_library', ?, ?)
	`, id, normalized, urlnorm.Hash(normalized), urlnorm.Host(normalized), title, ts, ts)
	if err != nil {
		t.Fatalf("creating test preview: %v", err)
	}

	return &TestPreview{
		ID:            id,
		NormalizedURL: normalized,
		Host:          urlnorm.Host(normalized),
		CreatedAt:     createdAt,
	}
}
