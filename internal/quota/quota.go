// Package quota counts calls to the paid metadata provider per calendar
// month and switches it off once the monthly ceiling is reached.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	timeLayout = "2006-01-02T15:04:05.000000Z"

	stampTimeout     = 5 * time.Second
	notifyTimeout    = 30 * time.Second
	notifyAttempts   = 3
	notifyRetryDelay = 5 * time.Second
)

// Clock abstracts time for testing.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Notice describes the month whose ceiling was just reached.
type Notice struct {
	Year      int
	Month     time.Month
	Limit     int
	Count     int
	ReachedAt time.Time
}

// Notifier delivers the one-time operator notification.
type Notifier interface {
	NotifyQuotaReached(ctx context.Context, n Notice) error
}

// Usage is the quota row for one month.
type Usage struct {
	Year             int        `json:"year"`
	Month            time.Month `json:"month"`
	Count            int        `json:"count"`
	Limit            int        `json:"limit"`
	LimitReachedAt   *time.Time `json:"limit_reached_at,omitempty"`
	NotificationSent bool       `json:"notification_sent"`
}

// Remaining returns how many calls are left this month.
func (u Usage) Remaining() int {
	if u.Count >= u.Limit {
		return 0
	}
	return u.Limit - u.Count
}

// Tracker enforces the monthly ceiling. It is safe for concurrent use; the
// counter and stamps live in the database so separate processes agree.
type Tracker struct {
	db       *sql.DB
	limit    int
	notifier Notifier
	clock    Clock
	logger   *slog.Logger
	requests metric.Int64Counter

	// Notifications are delivered in the background; wg tracks them.
	wg            sync.WaitGroup
	notifyTimeout time.Duration
	retryDelay    time.Duration
}

// NewTracker creates a Tracker. notifier may be nil.
func NewTracker(db *sql.DB, limit int, notifier Notifier) *Tracker {
	requests, _ := otel.Meter("github.com/enzyme/linkpreview/internal/quota").Int64Counter(
		"linkpreview.quota.requests",
		metric.WithDescription("Primary provider calls counted against the monthly quota"),
	)
	return &Tracker{
		db:       db,
		limit:    limit,
		notifier: notifier,
		clock:    realClock{},
		logger:   slog.Default().With("component", "quota"),
		requests: requests,

		notifyTimeout: notifyTimeout,
		retryDelay:    notifyRetryDelay,
	}
}

// Limit returns the configured monthly ceiling.
func (t *Tracker) Limit() int {
	return t.limit
}

// CanUse reports whether the current month still has capacity. Storage
// failures report false.
func (t *Tracker) CanUse(ctx context.Context) bool {
	u, err := t.Current(ctx)
	if err != nil {
		t.logger.Error("failed to read quota", "error", err)
		return false
	}
	return u.Count < t.limit
}

// Increment counts one successful primary call. It returns false when the
// count has reached the ceiling, including for the call that reached it.
// The first call to reach the ceiling in a month sends the notification.
func (t *Tracker) Increment(ctx context.Context) bool {
	now := t.clock.Now().UTC()
	year, month := now.Year(), now.Month()
	ts := now.Format(timeLayout)

	var count int
	err := t.db.QueryRowContext(ctx, `
		INSERT INTO api_quota (year, month, request_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT (year, month) DO UPDATE SET
			request_count = request_count + 1,
			updated_at = excluded.updated_at
		RETURNING request_count
	`, year, int(month), ts, ts).Scan(&count)
	if err != nil {
		t.logger.Error("failed to increment quota", "error", err)
		return false
	}

	if t.requests != nil {
		t.requests.Add(ctx, 1, metric.WithAttributes(attribute.Int("year", year), attribute.Int("month", int(month))))
	}

	if count < t.limit {
		return true
	}

	// The stamps must land even when the calling request is out of time.
	stampCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stampTimeout)
	defer cancel()
	if err := t.reachLimit(stampCtx, year, month, count, now); err != nil {
		t.logger.Error("failed to record quota limit", "error", err, "year", year, "month", int(month))
	}
	return false
}

// reachLimit stamps the month and sends the notification if this caller is
// the one that flipped notification_sent.
func (t *Tracker) reachLimit(ctx context.Context, year int, month time.Month, count int, now time.Time) error {
	ts := now.Format(timeLayout)

	if _, err := t.db.ExecContext(ctx, `
		UPDATE api_quota SET limit_reached_at = ?, updated_at = ?
		WHERE year = ? AND month = ? AND limit_reached_at IS NULL
	`, ts, ts, year, int(month)); err != nil {
		return fmt.Errorf("stamping limit_reached_at: %w", err)
	}

	res, err := t.db.ExecContext(ctx, `
		UPDATE api_quota SET notification_sent = 1, updated_at = ?
		WHERE year = ? AND month = ? AND notification_sent = 0
	`, ts, year, int(month))
	if err != nil {
		return fmt.Errorf("stamping notification_sent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return nil
	}

	t.logger.Warn("monthly quota reached", "year", year, "month", int(month), "limit", t.limit, "count", count)

	if t.notifier == nil {
		return nil
	}
	t.dispatch(ctx, Notice{Year: year, Month: month, Limit: t.limit, Count: count, ReachedAt: now})
	return nil
}

// dispatch delivers the notice off the caller's path. The caller's deadline
// belongs to a preview request, so delivery runs on a detached context with
// its own timeout and a few retries. Failures are logged; notification_sent
// stays stamped either way.
func (t *Tracker) dispatch(parent context.Context, notice Notice) {
	base := context.WithoutCancel(parent)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		delay := t.retryDelay
		for attempt := 1; ; attempt++ {
			ctx, cancel := context.WithTimeout(base, t.notifyTimeout)
			err := t.notifier.NotifyQuotaReached(ctx, notice)
			cancel()
			if err == nil {
				t.logger.Info("quota notification sent", "year", notice.Year, "month", int(notice.Month))
				return
			}
			if attempt == notifyAttempts {
				t.logger.Error("failed to send quota notification",
					"error", err, "year", notice.Year, "month", int(notice.Month), "attempts", attempt)
				return
			}
			t.logger.Warn("quota notification attempt failed", "error", err, "attempt", attempt)
			time.Sleep(delay)
			delay *= 2
		}
	}()
}

// Wait blocks until pending notifications finish or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Current returns the current month's usage. A month with no calls yet
// returns a zero count.
func (t *Tracker) Current(ctx context.Context) (Usage, error) {
	now := t.clock.Now().UTC()
	u := Usage{Year: now.Year(), Month: now.Month(), Limit: t.limit}

	var reached sql.NullString
	var sent int
	err := t.db.QueryRowContext(ctx, `
		SELECT request_count, limit_reached_at, notification_sent
		FROM api_quota WHERE year = ? AND month = ?
	`, u.Year, int(u.Month)).Scan(&u.Count, &reached, &sent)
	if errors.Is(err, sql.ErrNoRows) {
		return u, nil
	}
	if err != nil {
		return u, fmt.Errorf("reading quota: %w", err)
	}

	if reached.Valid {
		if ts, err := time.Parse(timeLayout, reached.String); err == nil {
			u.LimitReachedAt = &ts
		}
	}
	u.NotificationSent = sent == 1
	return u, nil
}
