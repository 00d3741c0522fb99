package app

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrJobRunning is returned when a job is triggered while a previous run is
// still in progress.
var ErrJobRunning = errors.New("job already running")

// job is a periodic task whose runs never overlap.
type job struct {
	name     string
	interval time.Duration
	mu       sync.Mutex
	run      func(ctx context.Context) error
}

// tryRun runs the job unless it is already running.
func (j *job) tryRun(ctx context.Context) error {
	if !j.mu.TryLock() {
		return ErrJobRunning
	}
	defer j.mu.Unlock()
	return j.run(ctx)
}

// scheduler ticks each job on its own interval. Jobs with a zero interval
// are never scheduled but can still be run on demand.
type scheduler struct {
	jobs   []*job
	wg     sync.WaitGroup
	logger *slog.Logger
}

func newScheduler(jobs ...*job) *scheduler {
	return &scheduler{jobs: jobs, logger: slog.Default().With("component", "scheduler")}
}

func (s *scheduler) start(ctx context.Context) {
	for _, j := range s.jobs {
		if j.interval <= 0 {
			s.logger.Info("job schedule disabled", "job", j.name)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
}

func (s *scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				err := j.tryRun(ctx)
				switch {
				case errors.Is(err, ErrJobRunning):
					s.logger.Warn("skipping tick, previous run still in progress", "job", j.name)
				case err != nil:
					s.logger.Error("scheduled run failed", "job", j.name, "error", err)
				}
			}()
		}
	}
}

// wait blocks until every loop and in-flight run has returned or ctx ends.
func (s *scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
