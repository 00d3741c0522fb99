package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

const (
	minTimeout = 100 * time.Millisecond
	maxTimeout = 60 * time.Second

	minSigningSecret = 32
)

func Validate(cfg *Config) error {
	var errs []error

	// Server validation
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535"))
	}
	if cfg.Server.PublicURL != "" {
		u, err := url.Parse(cfg.Server.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url %q is not a valid URL with scheme", cfg.Server.PublicURL))
		}
	}

	if s := cfg.Server.ImageSigningSecret; s != "" && len(s) < minSigningSecret {
		errs = append(errs, fmt.Errorf("server.image_signing_secret must be at least %d characters", minSigningSecret))
	}

	for i, origin := range cfg.Server.AllowedOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.allowed_origins[%d] %q is not a valid URL with scheme", i, origin))
		}
	}

	switch cfg.Server.TLS.Mode {
	case "", "off":
	case "auto":
		if cfg.Server.TLS.Auto.Domain == "" {
			errs = append(errs, fmt.Errorf("server.tls.auto.domain is required when tls mode is auto"))
		}
		if cfg.Server.TLS.Auto.CacheDir == "" {
			errs = append(errs, fmt.Errorf("server.tls.auto.cache_dir is required when tls mode is auto"))
		}
	case "manual":
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, fmt.Errorf("server.tls.cert_file is required when tls mode is manual"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, fmt.Errorf("server.tls.key_file is required when tls mode is manual"))
		}
	default:
		errs = append(errs, fmt.Errorf("server.tls.mode must be off, auto, or manual"))
	}

	if cfg.Database.Path == "" {
		errs = append(errs, fmt.Errorf("database.path is required"))
	}
	if cfg.Database.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("database.max_open_conns must be at least 1"))
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error"))
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json"))
	}

	if cfg.Telemetry.Enabled {
		if cfg.Telemetry.Endpoint == "" {
			errs = append(errs, fmt.Errorf("telemetry.endpoint is required when telemetry is enabled"))
		}
		if cfg.Telemetry.Protocol != "grpc" && cfg.Telemetry.Protocol != "http" {
			errs = append(errs, fmt.Errorf("telemetry.protocol must be grpc or http"))
		}
	}

	// Email validation (only if enabled)
	if cfg.Email.Enabled {
		if cfg.Email.Host == "" {
			errs = append(errs, fmt.Errorf("email.host is required when email is enabled"))
		}
		if cfg.Email.From == "" {
			errs = append(errs, fmt.Errorf("email.from is required when email is enabled"))
		}
		if cfg.Email.Operator == "" {
			errs = append(errs, fmt.Errorf("email.operator is required when email is enabled"))
		}
		if cfg.Email.Port < 1 || cfg.Email.Port > 65535 {
			errs = append(errs, fmt.Errorf("email.port must be between 1 and 65535"))
		}
	}

	if cfg.Fetch.MaxBodySize < 1024 {
		errs = append(errs, fmt.Errorf("fetch.max_body_size must be at least 1KB"))
	}
	if cfg.Fetch.FailureCacheSize < 1 {
		errs = append(errs, fmt.Errorf("fetch.failure_cache_size must be at least 1"))
	}
	if cfg.Primary.Endpoint != "" {
		u, err := url.Parse(cfg.Primary.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("primary.endpoint %q is not a valid http(s) URL", cfg.Primary.Endpoint))
		}
	}

	if cfg.Quota.MonthlyLimit < 1 {
		errs = append(errs, fmt.Errorf("quota.monthly_limit must be at least 1"))
	}

	if cfg.Shortlink.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("shortlink.batch_size must be at least 1"))
	}
	if cfg.Health.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("health.batch_size must be at least 1"))
	}
	if cfg.Health.BrokenBatchSize < 1 {
		errs = append(errs, fmt.Errorf("health.broken_batch_size must be at least 1"))
	}
	if cfg.Health.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("health.failure_threshold must be at least 1"))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"fetch.timeout", cfg.Fetch.Timeout},
		{"shortlink.timeout", cfg.Shortlink.Timeout},
		{"health.timeout", cfg.Health.Timeout},
	} {
		if d.value < minTimeout || d.value > maxTimeout {
			errs = append(errs, fmt.Errorf("%s must be between %s and %s", d.name, minTimeout, maxTimeout))
		}
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"shortlink.delay", cfg.Shortlink.Delay},
		{"health.delay", cfg.Health.Delay},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	// A zero interval disables the schedule.
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"shortlink.interval", cfg.Shortlink.Interval},
		{"health.interval", cfg.Health.Interval},
		{"health.broken_interval", cfg.Health.BrokenInterval},
	} {
		if d.value != 0 && d.value < time.Minute {
			errs = append(errs, fmt.Errorf("%s must be 0 or at least 1m", d.name))
		}
	}

	// Rate limit validation (only when enabled)
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.Previews.Limit < 1 {
			errs = append(errs, fmt.Errorf("rate_limit.previews.limit must be at least 1"))
		}
		if cfg.RateLimit.Previews.Window < time.Second {
			errs = append(errs, fmt.Errorf("rate_limit.previews.window must be at least 1s"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
