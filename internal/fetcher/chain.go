package fetcher

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/enzyme/linkpreview/internal/cache"
)

const instrumentationName = "github.com/enzyme/linkpreview/internal/fetcher"

// Source is one metadata provider.
type Source interface {
	Name() cache.Source
	// Supports reports whether the source should be tried for rawURL.
	Supports(ctx context.Context, rawURL string) bool
	Fetch(ctx context.Context, rawURL string) (*Metadata, error)
}

// Chain tries sources in order.
type Chain struct {
	sources  []Source
	attempt  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
}

// NewChain creates a Chain over sources, tried in the given order. Each
// attempt gets its own attemptTimeout so a hung source cannot starve the
// ones after it. Zero leaves attempts bounded only by the caller's context.
func NewChain(attemptTimeout time.Duration, sources ...Source) *Chain {
	attempts, _ := otel.Meter(instrumentationName).Int64Counter(
		"linkpreview.fetch.source",
		metric.WithDescription("Metadata source attempts by outcome"),
	)
	return &Chain{
		sources:  sources,
		attempt:  attemptTimeout,
		logger:   slog.Default().With("component", "fetcher"),
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
	}
}

// Fetch returns sanitized metadata from the first source whose result passes
// IsValid, or nil. Source errors are logged and never returned.
func (c *Chain) Fetch(ctx context.Context, rawURL string) *Metadata {
	for _, src := range c.sources {
		if ctx.Err() != nil {
			return nil
		}
		if !src.Supports(ctx, rawURL) {
			c.record(ctx, src.Name(), "skipped")
			continue
		}
		if m := c.try(ctx, src, rawURL); m != nil {
			return m
		}
	}
	return nil
}

// Budget is the longest a full pass over every source can take.
func (c *Chain) Budget() time.Duration {
	return c.attempt * time.Duration(len(c.sources))
}

func (c *Chain) try(ctx context.Context, src Source, rawURL string) *Metadata {
	if c.attempt > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.attempt)
		defer cancel()
	}
	ctx, span := c.tracer.Start(ctx, "fetcher."+string(src.Name()),
		trace.WithAttributes(attribute.String("url.full", rawURL)))
	defer span.End()

	m, err := src.Fetch(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.record(ctx, src.Name(), "error")
		c.logger.Debug("source failed", "source", src.Name(), "url", rawURL, "error", err)
		return nil
	}

	m = Sanitize(m)
	if !IsValid(m) {
		c.record(ctx, src.Name(), "rejected")
		c.logger.Debug("source result rejected", "source", src.Name(), "url", rawURL)
		return nil
	}

	m.Source = src.Name()
	c.record(ctx, src.Name(), "ok")
	return m
}

func (c *Chain) record(ctx context.Context, source cache.Source, outcome string) {
	if c.attempts == nil {
		return
	}
	c.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", string(source)),
		attribute.String("outcome", outcome),
	))
}
