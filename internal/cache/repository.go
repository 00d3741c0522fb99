package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/enzyme/linkpreview/internal/urlnorm"
)

var (
	// ErrDuplicate means another record already owns the URL hash.
	ErrDuplicate = errors.New("cache: url hash already exists")
	// ErrNotFound means no record has the requested id.
	ErrNotFound = errors.New("cache: record not found")
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

const recordColumns = `p.id, p.normalized_url, p.url_hash, p.host, p.title, p.description, p.image_url,
	p.site_name, p.raw_metadata, p.source, p.resolve_failed_at, p.created_at, p.updated_at`

const healthColumns = `h.preview_id, h.http_status_code, h.error_type, h.error_message, h.consecutive_failures,
	h.last_checked_at, h.last_healthy_at, h.is_broken, h.created_at, h.updated_at`

// Repository handles preview cache persistence.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository creates a new Repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// FindByHash returns the record owning hash, or nil if there is none.
func (r *Repository) FindByHash(ctx context.Context, hash string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM link_previews p WHERE p.url_hash = ?`, hash)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding preview by hash: %w", err)
	}
	return rec, nil
}

// FindByID returns the record with id, or ErrNotFound.
func (r *Repository) FindByID(ctx context.Context, id string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM link_previews p WHERE p.id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("finding preview by id: %w", err)
	}
	return rec, nil
}

// Create inserts a record for normalizedURL and returns its id. If another
// record already owns the hash, ErrDuplicate is returned and the caller
// should re-read.
func (r *Repository) Create(ctx context.Context, normalizedURL string, f Fields) (string, error) {
	id := ulid.Make().String()
	now := r.now().Format(timeLayout)

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO link_previews (id, normalized_url, url_hash, host, title, description, image_url, site_name,
			raw_metadata, source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, normalizedURL, urlnorm.Hash(normalizedURL), urlnorm.Host(normalizedURL),
		nullString(f.Title), nullString(f.Description), nullString(f.ImageURL), nullString(f.SiteName),
		nullString(f.RawMetadata), string(f.Source), now, now)
	if isUniqueViolation(err) {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("creating preview: %w", err)
	}
	return id, nil
}

// UpdateFields replaces the content fields of a record.
func (r *Repository) UpdateFields(ctx context.Context, id string, f Fields) error {
	return r.exec(ctx, "updating preview fields", `
		UPDATE link_previews
		SET title = ?, description = ?, image_url = ?, site_name = ?, raw_metadata = ?, source = ?, updated_at = ?
		WHERE id = ?
	`, nullString(f.Title), nullString(f.Description), nullString(f.ImageURL), nullString(f.SiteName),
		nullString(f.RawMetadata), string(f.Source), r.now().Format(timeLayout), id)
}

// RewriteURL points a record at a new normalized URL, recomputing hash and
// host, and clears its resolve failure. ErrDuplicate is returned if the new
// hash is taken.
func (r *Repository) RewriteURL(ctx context.Context, id, normalizedURL string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE link_previews
		SET normalized_url = ?, url_hash = ?, host = ?, resolve_failed_at = NULL, updated_at = ?
		WHERE id = ?
	`, normalizedURL, urlnorm.Hash(normalizedURL), urlnorm.Host(normalizedURL), r.now().Format(timeLayout), id)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("rewriting preview url: %w", err)
	}
	return requireRow(res)
}

// UpdateImageURL replaces a record's image URL.
func (r *Repository) UpdateImageURL(ctx context.Context, id, imageURL string) error {
	return r.exec(ctx, "updating preview image", `
		UPDATE link_previews SET image_url = ?, updated_at = ? WHERE id = ?
	`, nullString(imageURL), r.now().Format(timeLayout), id)
}

// MarkResolveFailed stamps the last short-link expansion failure.
func (r *Repository) MarkResolveFailed(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "marking resolve failure", `
		UPDATE link_previews SET resolve_failed_at = ?, updated_at = ? WHERE id = ?
	`, at.UTC().Format(timeLayout), r.now().Format(timeLayout), id)
}

// ClearResolveFailed removes the failure stamp.
func (r *Repository) ClearResolveFailed(ctx context.Context, id string) error {
	return r.exec(ctx, "clearing resolve failure", `
		UPDATE link_previews SET resolve_failed_at = NULL, updated_at = ? WHERE id = ?
	`, r.now().Format(timeLayout), id)
}

// ListByHosts returns up to limit records whose host is in hosts. Records
// that never failed come first, then the oldest failures; records that
// failed at or after retryBefore are skipped.
func (r *Repository) ListByHosts(ctx context.Context, hosts []string, retryBefore time.Time, limit int) ([]*Record, error) {
	if len(hosts) == 0 || limit <= 0 {
		return nil, nil
	}

	placeholders := make([]string, len(hosts))
	args := make([]interface{}, 0, len(hosts)+2)
	for i, h := range hosts {
		placeholders[i] = "?"
		args = append(args, h)
	}
	args = append(args, retryBefore.UTC().Format(timeLayout), limit)

	query := `
		SELECT ` + recordColumns + `
		FROM link_previews p
		WHERE p.host IN (` + strings.Join(placeholders, ",") + `)
		  AND (p.resolve_failed_at IS NULL OR p.resolve_failed_at < ?)
		ORDER BY p.resolve_failed_at IS NOT NULL, p.resolve_failed_at, p.created_at
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing shortener candidates: %w", err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning shortener candidate: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ListStale returns up to limit records with their health, never-checked
// records first and then the least recently checked.
func (r *Repository) ListStale(ctx context.Context, limit int) ([]*Record, error) {
	return r.listWithHealth(ctx, "listing stale previews", `
		SELECT `+recordColumns+`, `+healthColumns+`
		FROM link_previews p
		LEFT JOIN link_health h ON h.preview_id = p.id
		ORDER BY h.last_checked_at IS NOT NULL, h.last_checked_at, p.created_at
		LIMIT ?`, limit)
}

// ListBroken returns up to limit records flagged broken, least recently
// checked first.
func (r *Repository) ListBroken(ctx context.Context, limit int) ([]*Record, error) {
	return r.listWithHealth(ctx, "listing broken previews", `
		SELECT `+recordColumns+`, `+healthColumns+`
		FROM link_previews p
		JOIN link_health h ON h.preview_id = p.id
		WHERE h.is_broken = 1
		ORDER BY h.last_checked_at, p.created_at
		LIMIT ?`, limit)
}

func (r *Repository) listWithHealth(ctx context.Context, op, query string, limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []*Record
	for rows.Next() {
		rec, err := scanRecordWithHealth(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// GetHealth returns the health row for a record, or nil if it was never
// checked.
func (r *Repository) GetHealth(ctx context.Context, previewID string) (*Health, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+healthColumns+` FROM link_health h WHERE h.preview_id = ?`, previewID)
	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting link health: %w", err)
	}
	return h, nil
}

// SaveHealth creates or replaces the health row for h.PreviewID.
func (r *Repository) SaveHealth(ctx context.Context, h *Health) error {
	now := r.now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	if h.ErrorType == "" {
		h.ErrorType = ErrorNone
	}

	var status sql.NullInt64
	if h.HTTPStatusCode != 0 {
		status = sql.NullInt64{Int64: int64(h.HTTPStatusCode), Valid: true}
	}

	return r.exec(ctx, "saving link health", `
		INSERT INTO link_health (preview_id, http_status_code, error_type, error_message, consecutive_failures,
			last_checked_at, last_healthy_at, is_broken, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (preview_id) DO UPDATE SET
			http_status_code = excluded.http_status_code,
			error_type = excluded.error_type,
			error_message = excluded.error_message,
			consecutive_failures = excluded.consecutive_failures,
			last_checked_at = excluded.last_checked_at,
			last_healthy_at = excluded.last_healthy_at,
			is_broken = excluded.is_broken,
			updated_at = excluded.updated_at
	`, h.PreviewID, status, string(h.ErrorType), nullString(h.ErrorMessage), h.ConsecutiveFailures,
		nullTime(h.LastCheckedAt), nullTime(h.LastHealthyAt), boolInt(h.IsBroken),
		h.CreatedAt.Format(timeLayout), h.UpdatedAt.Format(timeLayout))
}

func (r *Repository) exec(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

type recordScan struct {
	rec                                                     Record
	title, description, imageURL, siteName, rawMeta, failed sql.NullString
	source, createdAt, updatedAt                            string
}

func (s *recordScan) dest() []interface{} {
	return []interface{}{&s.rec.ID, &s.rec.NormalizedURL, &s.rec.URLHash, &s.rec.Host, &s.title, &s.description,
		&s.imageURL, &s.siteName, &s.rawMeta, &s.source, &s.failed, &s.createdAt, &s.updatedAt}
}

func (s *recordScan) record() *Record {
	rec := s.rec
	rec.Title = s.title.String
	rec.Description = s.description.String
	rec.ImageURL = s.imageURL.String
	rec.SiteName = s.siteName.String
	rec.RawMetadata = s.rawMeta.String
	rec.Source = Source(s.source)
	rec.ResolveFailedAt = parseNullTime(s.failed)
	rec.CreatedAt = parseTime(s.createdAt)
	rec.UpdatedAt = parseTime(s.updatedAt)
	return &rec
}

type healthScan struct {
	previewID, errorType, errorMessage, lastChecked, lastHealthy, createdAt, updatedAt sql.NullString
	status, failures, broken                                                           sql.NullInt64
}

func (s *healthScan) dest() []interface{} {
	return []interface{}{&s.previewID, &s.status, &s.errorType, &s.errorMessage, &s.failures,
		&s.lastChecked, &s.lastHealthy, &s.broken, &s.createdAt, &s.updatedAt}
}

func (s *healthScan) health() *Health {
	if !s.previewID.Valid {
		return nil
	}
	return &Health{
		PreviewID:           s.previewID.String,
		HTTPStatusCode:      int(s.status.Int64),
		ErrorType:           ErrorType(s.errorType.String),
		ErrorMessage:        s.errorMessage.String,
		ConsecutiveFailures: int(s.failures.Int64),
		LastCheckedAt:       parseNullTime(s.lastChecked),
		LastHealthyAt:       parseNullTime(s.lastHealthy),
		IsBroken:            s.broken.Int64 == 1,
		CreatedAt:           parseTime(s.createdAt.String),
		UpdatedAt:           parseTime(s.updatedAt.String),
	}
}

func scanRecord(row scanner) (*Record, error) {
	var s recordScan
	if err := row.Scan(s.dest()...); err != nil {
		return nil, err
	}
	return s.record(), nil
}

func scanRecordWithHealth(row scanner) (*Record, error) {
	var rs recordScan
	var hs healthScan
	if err := row.Scan(append(rs.dest(), hs.dest()...)...); err != nil {
		return nil, err
	}
	rec := rs.record()
	rec.Health = hs.health()
	return rec, nil
}

func scanHealth(row scanner) (*Health, error) {
	var hs healthScan
	if err := row.Scan(hs.dest()...); err != nil {
		return nil, err
	}
	return hs.health(), nil
}

// isUniqueViolation reports whether err is a SQLite unique or primary key
// constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// nullString returns sql.NullString for optional text fields.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil || t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
