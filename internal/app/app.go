package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/enzyme/linkpreview/internal/cache"
	"github.com/enzyme/linkpreview/internal/config"
	"github.com/enzyme/linkpreview/internal/database"
	"github.com/enzyme/linkpreview/internal/email"
	"github.com/enzyme/linkpreview/internal/fetcher"
	"github.com/enzyme/linkpreview/internal/handler"
	"github.com/enzyme/linkpreview/internal/health"
	"github.com/enzyme/linkpreview/internal/imageproxy"
	"github.com/enzyme/linkpreview/internal/linkpreview"
	"github.com/enzyme/linkpreview/internal/probe"
	"github.com/enzyme/linkpreview/internal/quota"
	"github.com/enzyme/linkpreview/internal/ratelimit"
	"github.com/enzyme/linkpreview/internal/server"
	"github.com/enzyme/linkpreview/internal/shortlink"
	"github.com/enzyme/linkpreview/internal/ssrf"
)

const (
	maxFetchRedirects      = 5
	rateLimitCleanupPeriod = 10 * time.Minute
	closeGrace             = 10 * time.Second
	shortlinkJob           = "shortlink"
	healthJob              = "health"
	healthBrokenJob        = "health_broken"
)

type App struct {
	Config      *config.Config
	DB          *database.DB
	Server      *server.Server
	Previews    *linkpreview.Service
	Quota       *quota.Tracker
	Resolver    *shortlink.Resolver
	Monitor     *health.Monitor
	RateLimiter *ratelimit.Limiter

	jobs      map[string]*job
	scheduler *scheduler
}

func New(cfg *config.Config) (*App, error) {
	db, err := database.Open(cfg.Database.Path, database.Options{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}

	emailService, err := email.NewService(cfg.Email)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	guard, err := ssrf.New()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating ssrf guard: %w", err)
	}

	if cfg.Server.ImageSigningSecret == "" {
		secret, err := loadOrCreateSecret(filepath.Join(filepath.Dir(cfg.Database.Path), ".image_signing_secret"))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		cfg.Server.ImageSigningSecret = secret
	}

	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")

	repo := cache.NewRepository(db.DB)
	tracker := quota.NewTracker(db.DB, cfg.Quota.MonthlyLimit, emailService)

	// Page fetches follow user-supplied URLs and go through the guard. The
	// primary and platform endpoints are operator-configured.
	pageHTTP := fetcher.HTTPOptions{
		Client: ssrf.NewClient(guard, ssrf.ClientOptions{
			Timeout:      cfg.Fetch.Timeout,
			MaxRedirects: maxFetchRedirects,
		}),
		UserAgent:   cfg.Fetch.UserAgent,
		MaxBodySize: cfg.Fetch.MaxBodySize,
	}
	apiHTTP := fetcher.HTTPOptions{
		Client: &http.Client{
			Timeout:   cfg.Fetch.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		UserAgent:   cfg.Fetch.UserAgent,
		MaxBodySize: cfg.Fetch.MaxBodySize,
	}
	chain := fetcher.NewChain(cfg.Fetch.Timeout,
		fetcher.NewPrimary(cfg.Primary.Endpoint, cfg.Primary.APIKey, tracker, apiHTTP),
		fetcher.NewPlatform(cfg.Platform.OEmbedEndpoint, cfg.Platform.FeedBaseURL, apiHTTP),
		fetcher.NewFallback(pageHTTP),
	)

	previews := linkpreview.NewService(repo, guard, chain, linkpreview.Options{
		// One attempt per source plus headroom for the cache writes.
		Timeout:          chain.Budget() + time.Second,
		FailureTTL:       cfg.Fetch.FailureTTL,
		FailureCacheSize: cfg.Fetch.FailureCacheSize,
	})

	resolver := shortlink.NewResolver(repo,
		probe.New(guard, probe.Options{Timeout: cfg.Shortlink.Timeout, UserAgent: cfg.Fetch.UserAgent}),
		shortlink.Options{
			Delay:      cfg.Shortlink.Delay,
			Timeout:    cfg.Shortlink.Timeout,
			RetryAfter: cfg.Shortlink.RetryAfter,
		})
	monitor := health.NewMonitor(repo,
		probe.New(guard, probe.Options{Timeout: cfg.Health.Timeout, UserAgent: cfg.Fetch.UserAgent}),
		health.Options{
			Delay:            cfg.Health.Delay,
			Timeout:          cfg.Health.Timeout,
			FailureThreshold: cfg.Health.FailureThreshold,
		})

	// Build rate limiter (nil if disabled)
	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(cfg.RateLimit.Previews.Limit, cfg.RateLimit.Previews.Window)
	}

	h := handler.New(handler.Dependencies{
		Previews: previews,
		Quota:    tracker,
		Guard:    guard,
		ImageClient: ssrf.NewClient(guard, ssrf.ClientOptions{
			Timeout:      cfg.Fetch.Timeout,
			MaxRedirects: maxFetchRedirects,
		}),
		Images:    imageproxy.NewSigner(cfg.Server.ImageSigningSecret),
		PublicURL: cfg.Server.PublicURL,
		UserAgent: cfg.Fetch.UserAgent,
	})
	router := server.NewRouter(h, limiter, cfg.Server.AllowedOrigins)

	tlsOpts := server.TLSOptions{
		Mode:     cfg.Server.TLS.Mode,
		CertFile: cfg.Server.TLS.CertFile,
		KeyFile:  cfg.Server.TLS.KeyFile,
		Domain:   cfg.Server.TLS.Auto.Domain,
		Email:    cfg.Server.TLS.Auto.Email,
		CacheDir: cfg.Server.TLS.Auto.CacheDir,
	}
	if tlsOpts.Mode == "auto" {
		if err := os.MkdirAll(tlsOpts.CacheDir, 0700); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating TLS cache directory: %w", err)
		}
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, router, tlsOpts)

	a := &App{
		Config:      cfg,
		DB:          db,
		Server:      srv,
		Previews:    previews,
		Quota:       tracker,
		Resolver:    resolver,
		Monitor:     monitor,
		RateLimiter: limiter,
	}
	a.jobs = map[string]*job{
		shortlinkJob: {name: shortlinkJob, interval: cfg.Shortlink.Interval, run: func(ctx context.Context) error {
			_, err := resolver.Run(ctx, cfg.Shortlink.BatchSize)
			return err
		}},
		healthJob: {name: healthJob, interval: cfg.Health.Interval, run: func(ctx context.Context) error {
			_, err := monitor.RunFull(ctx, cfg.Health.BatchSize)
			return err
		}},
		healthBrokenJob: {name: healthBrokenJob, interval: cfg.Health.BrokenInterval, run: func(ctx context.Context) error {
			_, err := monitor.RecheckBroken(ctx, cfg.Health.BrokenBatchSize)
			return err
		}},
	}
	a.scheduler = newScheduler(a.jobs[shortlinkJob], a.jobs[healthJob], a.jobs[healthBrokenJob])
	return a, nil
}

// loadOrCreateSecret reads the image signing key kept next to the database,
// generating it on first start so proxy URLs stay valid across restarts.
func loadOrCreateSecret(path string) (string, error) {
	if data, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	secret := imageproxy.NewSecret()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing image signing secret: %w", err)
	}
	slog.Info("generated image signing secret", "path", path)
	return secret, nil
}

// ResolveShortlinks runs one short-link pass now. It fails with
// ErrJobRunning when a scheduled pass is in progress.
func (a *App) ResolveShortlinks(ctx context.Context, batchSize int) (shortlink.Summary, error) {
	var sum shortlink.Summary
	err := a.runNow(ctx, shortlinkJob, func(ctx context.Context) error {
		var err error
		sum, err = a.Resolver.Run(ctx, batchSize)
		return err
	})
	return sum, err
}

// CheckLinks runs one health pass now, either the full scan or the
// broken-only recheck.
func (a *App) CheckLinks(ctx context.Context, brokenOnly bool, batchSize int) (health.Summary, error) {
	var sum health.Summary
	name, run := healthJob, a.Monitor.RunFull
	if brokenOnly {
		name, run = healthBrokenJob, a.Monitor.RecheckBroken
	}
	err := a.runNow(ctx, name, func(ctx context.Context) error {
		var err error
		sum, err = run(ctx, batchSize)
		return err
	})
	return sum, err
}

func (a *App) runNow(ctx context.Context, name string, fn func(context.Context) error) error {
	j := a.jobs[name]
	if !j.mu.TryLock() {
		return ErrJobRunning
	}
	defer j.mu.Unlock()
	return fn(ctx)
}

// Start launches the schedulers and blocks serving HTTP.
func (a *App) Start(ctx context.Context) error {
	a.scheduler.start(ctx)

	if a.RateLimiter != nil {
		go func() {
			ticker := time.NewTicker(rateLimitCleanupPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					a.RateLimiter.Cleanup()
				}
			}
		}()
	}

	slog.Info("starting link preview service",
		"addr", a.Server.Addr(),
		"database", a.Config.Database.Path,
		"tls", a.Server.TLSMode(),
		"primary", a.Config.Primary.Endpoint != "" && a.Config.Primary.APIKey != "",
		"quota", a.Config.Quota.MonthlyLimit,
		"email", a.Config.Email.Enabled,
	)

	return a.Server.Start()
}

// Shutdown stops the server, waits for in-flight job runs, and closes the
// database. The caller cancels the Start context first.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down server: %w", err))
	}
	if err := a.scheduler.wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for jobs: %w", err))
	}
	if err := a.Quota.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for quota notification: %w", err))
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing database: %w", err))
	}
	return errors.Join(errs...)
}

// Close releases the database for commands that never call Start. A quota
// notification still in flight gets a short grace period.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := a.Quota.Wait(ctx); err != nil {
		slog.Warn("quota notification still pending at exit", "error", err)
	}
	return a.DB.Close()
}
