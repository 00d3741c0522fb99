// Package linkpreview is the on-demand path: given user text or a URL it
// returns the id of a cached preview, fetching and storing one on a miss.
package linkpreview

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/fetcher"
	"github.com/enzyme/linkpreview/internal/urlnorm"
)

const (
	defaultTimeout          = 15 * time.Second
	defaultFailureTTL       = 10 * time.Minute
	defaultFailureCacheSize = 4096
)

// Fetcher returns acceptable metadata for a URL, or nil.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) *fetcher.Metadata
}

// Guard validates URLs before any outbound call.
type Guard interface {
	Check(ctx context.Context, rawURL string) error
}

// Options tunes a Service.
type Options struct {
	// Timeout bounds one fetch-and-store across all sources. It should cover
	// every source's attempt; see fetcher.Chain.Budget.
	Timeout time.Duration
	// FailureTTL is how long a URL with no acceptable metadata is not
	// refetched.
	FailureTTL       time.Duration
	FailureCacheSize int
}

// Service resolves preview ids. Its methods never return errors; any
// failure means "no preview".
type Service struct {
	repo     *cache.Repository
	guard    Guard
	fetcher  Fetcher
	timeout  time.Duration
	group    singleflight.Group
	failures *expirable.LRU[string, struct{}]
	logger   *slog.Logger
}

// NewService creates a Service.
func NewService(repo *cache.Repository, guard Guard, f Fetcher, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = defaultFailureTTL
	}
	if opts.FailureCacheSize <= 0 {
		opts.FailureCacheSize = defaultFailureCacheSize
	}
	return &Service{
		repo:     repo,
		guard:    guard,
		fetcher:  f,
		timeout:  opts.Timeout,
		failures: expirable.NewLRU[string, struct{}](opts.FailureCacheSize, nil, opts.FailureTTL),
		logger:   slog.Default().With("component", "linkpreview"),
	}
}

// PreviewIDForText extracts the first URL from text and returns its preview
// id. ok is false when there is no URL or no preview could be produced.
func (s *Service) PreviewIDForText(ctx context.Context, text string) (id string, ok bool) {
	rawURL := urlnorm.ExtractFirstURL(text)
	if rawURL == "" {
		return "", false
	}
	return s.PreviewIDForURL(ctx, rawURL)
}

// PreviewIDForURL returns the preview id for rawURL, fetching it on a miss.
func (s *Service) PreviewIDForURL(ctx context.Context, rawURL string) (id string, ok bool) {
	normalized := urlnorm.Normalize(rawURL)
	hash := urlnorm.Hash(normalized)

	rec, err := s.repo.FindByHash(ctx, hash)
	if err != nil {
		s.logger.Error("failed to read preview cache", "error", err, "url", normalized)
		return "", false
	}
	if rec != nil {
		return rec.ID, true
	}

	if _, failed := s.failures.Get(hash); failed {
		return "", false
	}

	if err := s.guard.Check(ctx, normalized); err != nil {
		s.logger.Debug("rejected unsafe url", "url", normalized, "error", err)
		return "", false
	}

	v, err, _ := s.group.Do(hash, func() (interface{}, error) {
		// Detached so one caller going away does not fail the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.fetchAndStore(fetchCtx, normalized, hash)
	})
	if err != nil {
		s.logger.Error("failed to store preview", "error", err, "url", normalized)
		return "", false
	}

	id = v.(string)
	return id, id != ""
}

func (s *Service) fetchAndStore(ctx context.Context, normalized, hash string) (string, error) {
	// Another process may have stored it while we were waiting.
	if rec, err := s.repo.FindByHash(ctx, hash); err != nil {
		return "", err
	} else if rec != nil {
		return rec.ID, nil
	}

	m := s.fetcher.Fetch(ctx, normalized)
	if m == nil {
		s.failures.Add(hash, struct{}{})
		s.logger.Debug("no acceptable metadata", "url", normalized)
		return "", nil
	}

	id, err := s.repo.Create(ctx, normalized, m.Fields())
	if errors.Is(err, cache.ErrDuplicate) {
		rec, err := s.repo.FindByHash(ctx, hash)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return "", errors.New("duplicate preview vanished")
		}
		return rec.ID, nil
	}
	if err != nil {
		return "", err
	}

	s.logger.Info("stored preview", "id", id, "url", normalized, "source", m.Source)
	return id, nil
}

// Get returns a stored preview with its health, or cache.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*cache.Record, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.repo.GetHealth(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Health = h
	return rec, nil
}
