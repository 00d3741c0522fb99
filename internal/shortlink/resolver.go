package shortlink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/enzyme/linkpreview/internal/batch"
	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/probe"
	"github.com/enzyme/linkpreview/internal/urlnorm"
)

// Prober resolves a URL through redirects.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (probe.Result, error)
}

// Options tunes a Resolver.
type Options struct {
	// Delay is the minimum spacing between outbound calls.
	Delay time.Duration
	// Timeout is the per-call budget; it also sizes the run deadline.
	Timeout time.Duration
	// RetryAfter keeps recently failed records out of the batch.
	RetryAfter time.Duration
}

// Summary counts the outcomes of one run.
type Summary struct {
	Processed  int `json:"processed"`
	Resolved   int `json:"resolved"`
	Unchanged  int `json:"unchanged"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`
	Errors     int `json:"errors"`
}

// Resolver rewrites shortener records to their destination URL.
type Resolver struct {
	repo       *cache.Repository
	prober     Prober
	job        *batch.Job
	retryAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(repo *cache.Repository, prober Prober, opts Options) *Resolver {
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 24 * time.Hour
	}
	return &Resolver{
		repo:       repo,
		prober:     prober,
		job:        batch.NewJob("shortlink", opts.Delay, opts.Timeout),
		retryAfter: opts.RetryAfter,
		now:        func() time.Time { return time.Now().UTC() },
		logger:     slog.Default().With("component", "shortlink"),
	}
}

// Run processes up to batchSize shortener records. Per-record failures are
// counted in the summary; only a failure to select the batch is returned.
func (r *Resolver) Run(ctx context.Context, batchSize int) (Summary, error) {
	var sum Summary
	ctx, done := r.job.Start(ctx, batchSize)
	defer done()

	records, err := r.repo.ListByHosts(ctx, Hosts(), r.now().Add(-r.retryAfter), batchSize)
	if err != nil {
		return sum, fmt.Errorf("selecting shortener batch: %w", err)
	}

	for _, rec := range records {
		if err := r.job.Wait(ctx); err != nil {
			r.logger.Warn("run budget exhausted", "remaining", len(records)-sum.Processed)
			break
		}
		sum.Processed++

		outcome, err := r.job.Do(ctx, func(ctx context.Context) (string, error) {
			return r.resolve(ctx, rec)
		})
		switch outcome {
		case "resolved":
			sum.Resolved++
		case "unchanged":
			sum.Unchanged++
		case "duplicate":
			sum.Duplicates++
		case "failed":
			sum.Failed++
		default:
			sum.Errors++
		}
		if err != nil {
			r.logger.Error("failed to resolve short link", "id", rec.ID, "url", rec.NormalizedURL, "error", err)
		}
	}

	r.logger.Info("short-link run finished",
		"processed", sum.Processed, "resolved", sum.Resolved, "unchanged", sum.Unchanged,
		"duplicates", sum.Duplicates, "failed", sum.Failed, "errors", sum.Errors)
	return sum, nil
}

func (r *Resolver) resolve(ctx context.Context, rec *cache.Record) (string, error) {
	res, err := r.prober.Probe(ctx, rec.NormalizedURL)
	if err == nil && res.StatusCode >= http.StatusBadRequest {
		err = fmt.Errorf("HTTP %d", res.StatusCode)
	}
	if err != nil {
		r.logger.Debug("short link did not resolve", "id", rec.ID, "url", rec.NormalizedURL, "error", err)
		if err := r.repo.MarkResolveFailed(ctx, rec.ID, r.now()); err != nil {
			return "error", err
		}
		return "failed", nil
	}

	final := urlnorm.Normalize(res.FinalURL)
	if final == rec.NormalizedURL {
		if err := r.repo.ClearResolveFailed(ctx, rec.ID); err != nil {
			return "error", err
		}
		return "unchanged", nil
	}

	owner, err := r.repo.FindByHash(ctx, urlnorm.Hash(final))
	if err != nil {
		return "error", err
	}
	if owner != nil && owner.ID != rec.ID {
		return r.duplicate(ctx, rec, owner.ID, final)
	}

	err = r.repo.RewriteURL(ctx, rec.ID, final)
	if errors.Is(err, cache.ErrDuplicate) {
		return r.duplicate(ctx, rec, "", final)
	}
	if err != nil {
		return "error", err
	}
	r.logger.Info("resolved short link", "id", rec.ID, "from", rec.NormalizedURL, "to", final)

	r.resolveImage(ctx, rec)
	return "resolved", nil
}

// duplicate leaves rec untouched apart from the failure stamp, which keeps
// it from being reselected on every run.
func (r *Resolver) duplicate(ctx context.Context, rec *cache.Record, ownerID, final string) (string, error) {
	r.logger.Warn("short link target already cached",
		"id", rec.ID, "owner_id", ownerID, "url", rec.NormalizedURL, "target", final)
	if err := r.repo.MarkResolveFailed(ctx, rec.ID, r.now()); err != nil {
		return "error", err
	}
	return "duplicate", nil
}

// resolveImage expands the record's image URL when it is itself a short link.
// Failures are logged only.
func (r *Resolver) resolveImage(ctx context.Context, rec *cache.Record) {
	if rec.ImageURL == "" || !IsShortener(urlnorm.Host(rec.ImageURL)) {
		return
	}
	if err := r.job.Wait(ctx); err != nil {
		return
	}

	res, err := r.prober.Probe(ctx, rec.ImageURL)
	if err != nil || res.StatusCode >= http.StatusBadRequest || res.FinalURL == rec.ImageURL {
		r.logger.Debug("image short link not resolved", "id", rec.ID, "image_url", rec.ImageURL, "error", err)
		return
	}
	if err := r.repo.UpdateImageURL(ctx, rec.ID, res.FinalURL); err != nil {
		r.logger.Error("failed to update image url", "id", rec.ID, "error", err)
	}
}
