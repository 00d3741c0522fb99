package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/enzyme/linkpreview/internal/testutil"
	"github.com/enzyme/linkpreview/internal/urlnorm"
)

func TestRepository_CreateAndFind(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	normalized := urlnorm.Normalize("https://www.Example.com/article?utm_source=x")
	id, err := repo.Create(ctx, normalized, Fields{
		Title:       "Example Title",
		Description: "Example description",
		ImageURL:    "https://example.com/image.png",
		SiteName:    "Example",
		Source:      SourcePrimaryAPI,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rec, err := repo.FindByHash(ctx, urlnorm.Hash(normalized))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if rec == nil {
		t.Fatal("expected record, got nil")
	}
	if rec.ID != id {
		t.Errorf("ID = %q, want %q", rec.ID, id)
	}
	if rec.Host != "example.com" {
		t.Errorf("Host = %q, want %q", rec.Host, "example.com")
	}
	if rec.Title != "Example Title" {
		t.Errorf("Title = %q, want %q", rec.Title, "Example Title")
	}
	if rec.Source != SourcePrimaryAPI {
		t.Errorf("Source = %q, want %q", rec.Source, SourcePrimaryAPI)
	}
	if rec.ResolveFailedAt != nil {
		t.Errorf("ResolveFailedAt = %v, want nil", rec.ResolveFailedAt)
	}

	byID, err := repo.FindByID(ctx, id)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if byID.NormalizedURL != normalized {
		t.Errorf("NormalizedURL = %q, want %q", byID.NormalizedURL, normalized)
	}
}

func TestRepository_FindMissing(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	rec, err := repo.FindByHash(ctx, urlnorm.Hash("https://nope.example"))
	if err != nil {
		t.Fatalf("FindByHash: %v", err)
	}
	if rec != nil {
		t.Errorf("expected nil, got %+v", rec)
	}

	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindByID err = %v, want ErrNotFound", err)
	}
}

func TestRepository_CreateDuplicate(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	normalized := urlnorm.Normalize("https://example.com/a")
	if _, err := repo.Create(ctx, normalized, Fields{Source: SourceFallbackLibrary}); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := repo.Create(ctx, normalized, Fields{Source: SourceFallbackLibrary})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Create err = %v, want ErrDuplicate", err)
	}
}

func TestRepository_UpdateFields(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	id, err := repo.Create(ctx, "https://example.com/a", Fields{Title: "Old", Source: SourceFallbackLibrary})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := repo.UpdateFields(ctx, id, Fields{Title: "New", Source: SourcePlatformSpecific}); err != nil {
		t.Fatalf("UpdateFields: %v", err)
	}
	rec, _ := repo.FindByID(ctx, id)
	if rec.Title != "New" || rec.Source != SourcePlatformSpecific {
		t.Errorf("got title=%q source=%q", rec.Title, rec.Source)
	}

	if err := repo.UpdateFields(ctx, "missing", Fields{Source: SourcePrimaryAPI}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateFields missing err = %v, want ErrNotFound", err)
	}
}

func TestRepository_RewriteURL(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	id, err := repo.Create(ctx, "https://bit.ly/abc", Fields{Source: SourceFallbackLibrary})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := repo.MarkResolveFailed(ctx, id, time.Now()); err != nil {
		t.Fatalf("MarkResolveFailed: %v", err)
	}

	target := urlnorm.Normalize("https://example.com/landing")
	if err := repo.RewriteURL(ctx, id, target); err != nil {
		t.Fatalf("RewriteURL: %v", err)
	}

	rec, _ := repo.FindByID(ctx, id)
	if rec.NormalizedURL != target {
		t.Errorf("NormalizedURL = %q, want %q", rec.NormalizedURL, target)
	}
	if rec.URLHash != urlnorm.Hash(target) {
		t.Errorf("URLHash not recomputed")
	}
	if rec.Host != "example.com" {
		t.Errorf("Host = %q, want example.com", rec.Host)
	}
	if rec.ResolveFailedAt != nil {
		t.Errorf("ResolveFailedAt should be cleared")
	}
}

func TestRepository_RewriteURLDuplicate(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	target := urlnorm.Normalize("https://example.com/landing")
	if _, err := repo.Create(ctx, target, Fields{Source: SourceFallbackLibrary}); err != nil {
		t.Fatalf("Create target: %v", err)
	}
	short, err := repo.Create(ctx, "https://bit.ly/abc", Fields{Source: SourceFallbackLibrary})
	if err != nil {
		t.Fatalf("Create short: %v", err)
	}

	if err := repo.RewriteURL(ctx, short, target); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("RewriteURL err = %v, want ErrDuplicate", err)
	}

	rec, _ := repo.FindByID(ctx, short)
	if rec.NormalizedURL != "https://bit.ly/abc" {
		t.Errorf("short record changed to %q", rec.NormalizedURL)
	}
}

func TestRepository_ListByHosts(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	fresh := testutil.CreateTestPreview(t, db, "https://bit.ly/fresh", "", base.Add(3*time.Hour))
	oldFail := testutil.CreateTestPreview(t, db, "https://t.co/old", "", base)
	recentFail := testutil.CreateTestPreview(t, db, "https://t.co/recent", "", base.Add(time.Hour))
	testutil.CreateTestPreview(t, db, "https://example.com/other", "", base)

	now := base.Add(48 * time.Hour)
	if err := repo.MarkResolveFailed(ctx, oldFail.ID, now.Add(-30*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := repo.MarkResolveFailed(ctx, recentFail.ID, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	got, err := repo.ListByHosts(ctx, []string{"bit.ly", "t.co"}, now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("ListByHosts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].ID != fresh.ID {
		t.Errorf("first = %q, want never-failed %q", got[0].ID, fresh.ID)
	}
	if got[1].ID != oldFail.ID {
		t.Errorf("second = %q, want old failure %q", got[1].ID, oldFail.ID)
	}

	limited, err := repo.ListByHosts(ctx, []string{"bit.ly", "t.co"}, now.Add(-24*time.Hour), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestRepository_Health(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	p := testutil.CreateTestPreview(t, db, "https://example.com/a", "A", time.Now())

	h, err := repo.GetHealth(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if h != nil {
		t.Fatalf("expected no health row, got %+v", h)
	}

	checked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err = repo.SaveHealth(ctx, &Health{
		PreviewID:           p.ID,
		HTTPStatusCode:      404,
		ErrorType:           ErrorHTTP,
		ErrorMessage:        "HTTP 404",
		ConsecutiveFailures: 1,
		LastCheckedAt:       &checked,
	})
	if err != nil {
		t.Fatalf("SaveHealth: %v", err)
	}

	later := checked.Add(time.Hour)
	err = repo.SaveHealth(ctx, &Health{
		PreviewID:           p.ID,
		HTTPStatusCode:      404,
		ErrorType:           ErrorHTTP,
		ErrorMessage:        "HTTP 404",
		ConsecutiveFailures: 2,
		LastCheckedAt:       &later,
		IsBroken:            true,
	})
	if err != nil {
		t.Fatalf("SaveHealth update: %v", err)
	}

	h, err = repo.GetHealth(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetHealth: %v", err)
	}
	if h.ConsecutiveFailures != 2 || !h.IsBroken {
		t.Errorf("got failures=%d broken=%v", h.ConsecutiveFailures, h.IsBroken)
	}
	if h.LastCheckedAt == nil || !h.LastCheckedAt.Equal(later) {
		t.Errorf("LastCheckedAt = %v, want %v", h.LastCheckedAt, later)
	}
	if h.LastHealthyAt != nil {
		t.Errorf("LastHealthyAt = %v, want nil", h.LastHealthyAt)
	}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM link_health WHERE preview_id = ?`, p.ID).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("health rows = %d, want 1", rows)
	}
}

func TestRepository_ListStaleAndBroken(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	never := testutil.CreateTestPreview(t, db, "https://example.com/never", "", base.Add(time.Hour))
	old := testutil.CreateTestPreview(t, db, "https://example.com/old", "", base)
	recent := testutil.CreateTestPreview(t, db, "https://example.com/recent", "", base)

	oldCheck := base.Add(24 * time.Hour)
	recentCheck := base.Add(48 * time.Hour)
	if err := repo.SaveHealth(ctx, &Health{PreviewID: old.ID, LastCheckedAt: &oldCheck, IsBroken: true, ConsecutiveFailures: 3, ErrorType: ErrorTimeout}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SaveHealth(ctx, &Health{PreviewID: recent.ID, LastCheckedAt: &recentCheck, LastHealthyAt: &recentCheck}); err != nil {
		t.Fatal(err)
	}

	stale, err := repo.ListStale(ctx, 10)
	if err != nil {
		t.Fatalf("ListStale: %v", err)
	}
	want := []string{never.ID, old.ID, recent.ID}
	if len(stale) != len(want) {
		t.Fatalf("got %d stale, want %d", len(stale), len(want))
	}
	for i, id := range want {
		if stale[i].ID != id {
			t.Errorf("stale[%d] = %q, want %q", i, stale[i].ID, id)
		}
	}
	if stale[0].Health != nil {
		t.Errorf("never-checked record should have nil health")
	}
	if stale[1].Health == nil || stale[1].Health.ErrorType != ErrorTimeout {
		t.Errorf("old record health not loaded: %+v", stale[1].Health)
	}

	broken, err := repo.ListBroken(ctx, 10)
	if err != nil {
		t.Fatalf("ListBroken: %v", err)
	}
	if len(broken) != 1 || broken[0].ID != old.ID {
		t.Errorf("ListBroken = %v, want only %q", broken, old.ID)
	}
}

func TestRepository_HealthCascadeDelete(t *testing.T) {
	db := testutil.TestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()

	p := testutil.CreateTestPreview(t, db, "https://example.com/a", "", time.Now())
	now := time.Now()
	if err := repo.SaveHealth(ctx, &Health{PreviewID: p.ID, LastCheckedAt: &now}); err != nil {
		t.Fatal(err)
	}

	if _, err := db.Exec(`DELETE FROM link_previews WHERE id = ?`, p.ID); err != nil {
		t.Fatal(err)
	}
	h, err := repo.GetHealth(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if h != nil {
		t.Errorf("health row survived preview delete")
	}
}
