package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/enzyme/linkpreview/internal/batch"
	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/probe"
)

// Prober checks a URL.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (probe.Result, error)
}

// Options tunes a Monitor.
type Options struct {
	Delay   time.Duration
	Timeout time.Duration
	// FailureThreshold is the consecutive failure count that marks a link
	// broken.
	FailureThreshold int
}

// Summary counts the outcomes of one run. Recovered is a subset of Healthy
// and NewlyBroken a subset of Failed.
type Summary struct {
	Processed   int `json:"processed"`
	Healthy     int `json:"healthy"`
	Failed      int `json:"failed"`
	NewlyBroken int `json:"newly_broken"`
	Recovered   int `json:"recovered"`
	Errors      int `json:"errors"`
}

// Monitor runs the full scan and the broken-only recheck.
type Monitor struct {
	repo      *cache.Repository
	prober    Prober
	full      *batch.Job
	broken    *batch.Job
	threshold int
	now       func() time.Time
	logger    *slog.Logger
}

// NewMonitor creates a Monitor.
func NewMonitor(repo *cache.Repository, prober Prober, opts Options) *Monitor {
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = 3
	}
	return &Monitor{
		repo:      repo,
		prober:    prober,
		full:      batch.NewJob("health", opts.Delay, opts.Timeout),
		broken:    batch.NewJob("health_broken", opts.Delay, opts.Timeout),
		threshold: opts.FailureThreshold,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "health"),
	}
}

// RunFull checks up to batchSize records, never-checked and least recently
// checked first.
func (m *Monitor) RunFull(ctx context.Context, batchSize int) (Summary, error) {
	return m.run(ctx, m.full, batchSize, m.repo.ListStale)
}

// RecheckBroken checks up to batchSize records already flagged broken.
func (m *Monitor) RecheckBroken(ctx context.Context, batchSize int) (Summary, error) {
	return m.run(ctx, m.broken, batchSize, m.repo.ListBroken)
}

func (m *Monitor) run(ctx context.Context, job *batch.Job, batchSize int,
	list func(context.Context, int) ([]*cache.Record, error)) (Summary, error) {
	var sum Summary
	ctx, done := job.Start(ctx, batchSize)
	defer done()

	records, err := list(ctx, batchSize)
	if err != nil {
		return sum, fmt.Errorf("selecting %s batch: %w", job.Name(), err)
	}

	for _, rec := range records {
		if err := job.Wait(ctx); err != nil {
			m.logger.Warn("run budget exhausted", "job", job.Name(), "remaining", len(records)-sum.Processed)
			break
		}
		sum.Processed++

		outcome, err := job.Do(ctx, func(ctx context.Context) (string, error) {
			return m.check(ctx, rec)
		})
		switch outcome {
		case "healthy":
			sum.Healthy++
		case "recovered":
			sum.Healthy++
			sum.Recovered++
		case "failed":
			sum.Failed++
		case "newly_broken":
			sum.Failed++
			sum.NewlyBroken++
		default:
			sum.Errors++
		}
		if err != nil {
			m.logger.Error("failed to check link", "id", rec.ID, "url", rec.NormalizedURL, "error", err)
		}
	}

	m.logger.Info("health run finished", "job", job.Name(),
		"processed", sum.Processed, "healthy", sum.Healthy, "failed", sum.Failed,
		"newly_broken", sum.NewlyBroken, "recovered", sum.Recovered, "errors", sum.Errors)
	return sum, nil
}

func (m *Monitor) check(ctx context.Context, rec *cache.Record) (string, error) {
	res, probeErr := m.prober.Probe(ctx, rec.NormalizedURL)
	now := m.now()

	h := cache.Health{PreviewID: rec.ID}
	if rec.Health != nil {
		h = *rec.Health
	}
	h.LastCheckedAt = &now
	h.HTTPStatusCode = res.StatusCode

	errType, msg := Classify(probeErr, res.StatusCode)
	var outcome string
	if errType == cache.ErrorNone {
		outcome = "healthy"
		if h.IsBroken {
			outcome = "recovered"
		}
		h.ConsecutiveFailures = 0
		h.LastHealthyAt = &now
		h.IsBroken = false
		h.ErrorType = cache.ErrorNone
		h.ErrorMessage = ""
	} else {
		outcome = "failed"
		h.ConsecutiveFailures++
		h.ErrorType = errType
		h.ErrorMessage = msg
		if h.ConsecutiveFailures >= m.threshold {
			if !h.IsBroken {
				outcome = "newly_broken"
			}
			h.IsBroken = true
		}
	}

	if err := m.repo.SaveHealth(ctx, &h); err != nil {
		return "error", err
	}

	switch outcome {
	case "recovered":
		m.logger.Info("link recovered", "id", rec.ID, "url", rec.NormalizedURL)
	case "newly_broken":
		m.logger.Warn("link marked broken", "id", rec.ID, "url", rec.NormalizedURL,
			"error_type", errType, "failures", h.ConsecutiveFailures)
	}
	return outcome, nil
}
