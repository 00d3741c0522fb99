// Package batch holds the throttling and accounting shared by the
// scheduled jobs.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/enzyme/linkpreview/internal/batch"

// Job throttles one job's outbound calls and records per-item outcomes.
type Job struct {
	name    string
	delay   time.Duration
	timeout time.Duration
	limiter *rate.Limiter
	tracer  trace.Tracer
	items   metric.Int64Counter
}

// NewJob creates a Job that allows one item per delay. timeout is the
// per-item network budget used to size the run deadline.
func NewJob(name string, delay, timeout time.Duration) *Job {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	items, _ := otel.Meter(instrumentationName).Int64Counter(
		"linkpreview.job.items",
		metric.WithDescription("Batch job items by outcome"),
	)
	return &Job{
		name:    name,
		delay:   delay,
		timeout: timeout,
		limiter: rate.NewLimiter(limit, 1),
		tracer:  otel.Tracer(instrumentationName),
		items:   items,
	}
}

// Name returns the job name.
func (j *Job) Name() string { return j.name }

// Budget is the wall-clock limit for a run over batchSize items.
func (j *Job) Budget(batchSize int) time.Duration {
	per := j.timeout + j.delay
	if per <= 0 {
		per = time.Second
	}
	return time.Duration(batchSize) * per
}

// Start bounds ctx by the run budget and opens the run span.
func (j *Job) Start(ctx context.Context, batchSize int) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, j.Budget(batchSize))
	ctx, span := j.tracer.Start(ctx, j.name+".run",
		trace.WithAttributes(attribute.Int("batch.size", batchSize)))
	return ctx, func() {
		span.End()
		cancel()
	}
}

// Wait blocks until the next item may run.
func (j *Job) Wait(ctx context.Context) error {
	return j.limiter.Wait(ctx)
}

// Do runs fn for one item, turning a panic into an error, and records the
// outcome fn reports.
func (j *Job) Do(ctx context.Context, fn func(ctx context.Context) (string, error)) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome = "error"
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
		j.Record(ctx, outcome)
	}()
	return fn(ctx)
}

// Record counts one item with the given outcome.
func (j *Job) Record(ctx context.Context, outcome string) {
	if j.items == nil || outcome == "" {
		return
	}
	j.items.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job", j.name),
		attribute.String("outcome", outcome),
	))
}
