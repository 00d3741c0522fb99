package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const envPrefix = "LINKPREVIEW_"

func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	// 1. Load defaults
	defaults := Defaults()
	if err := k.Load(defaultsProvider(defaults), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// 2. Load from config file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	} else {
		for _, path := range []string{"config.yaml", "config.yml"} {
			if _, err := os.Stat(path); err == nil {
				if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
					return nil, fmt.Errorf("loading config file: %w", err)
				}
				break
			}
		}
	}

	// 3. Load from environment variables (LINKPREVIEW_ prefix)
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper(k.Keys())), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	// 4. Load from CLI flags
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, fmt.Errorf("loading flags: %w", err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envKeyMapper resolves env names against the known keys, so
// LINKPREVIEW_QUOTA_MONTHLY_LIMIT becomes quota.monthly_limit rather than
// quota.monthly.limit. Unknown names fall back to splitting on every
// underscore.
func envKeyMapper(keys []string) func(string) string {
	known := make(map[string]string, len(keys))
	for _, key := range keys {
		known[strings.ReplaceAll(key, ".", "_")] = key
	}
	return func(s string) string {
		name := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if key, ok := known[name]; ok {
			return key
		}
		return strings.ReplaceAll(name, "_", ".")
	}
}

type defaultsProviderStruct struct {
	defaults *Config
}

func defaultsProvider(defaults *Config) *defaultsProviderStruct {
	return &defaultsProviderStruct{defaults: defaults}
}

func (d *defaultsProviderStruct) ReadBytes() ([]byte, error) {
	return nil, nil
}

func (d *defaultsProviderStruct) Read() (map[string]interface{}, error) {
	c := d.defaults
	return map[string]interface{}{
		"server": map[string]interface{}{
			"host":                 c.Server.Host,
			"port":                 c.Server.Port,
			"public_url":           c.Server.PublicURL,
			"allowed_origins":      c.Server.AllowedOrigins,
			"image_signing_secret": c.Server.ImageSigningSecret,
			"tls": map[string]interface{}{
				"mode":      c.Server.TLS.Mode,
				"cert_file": c.Server.TLS.CertFile,
				"key_file":  c.Server.TLS.KeyFile,
				"auto": map[string]interface{}{
					"domain":    c.Server.TLS.Auto.Domain,
					"email":     c.Server.TLS.Auto.Email,
					"cache_dir": c.Server.TLS.Auto.CacheDir,
				},
			},
		},
		"database": map[string]interface{}{
			"path":           c.Database.Path,
			"max_open_conns": c.Database.MaxOpenConns,
			"busy_timeout":   c.Database.BusyTimeout.String(),
		},
		"log": map[string]interface{}{
			"level":  c.Log.Level,
			"format": c.Log.Format,
		},
		"telemetry": map[string]interface{}{
			"enabled":      c.Telemetry.Enabled,
			"endpoint":     c.Telemetry.Endpoint,
			"protocol":     c.Telemetry.Protocol,
			"insecure":     c.Telemetry.Insecure,
			"service_name": c.Telemetry.ServiceName,
		},
		"email": map[string]interface{}{
			"enabled":  c.Email.Enabled,
			"host":     c.Email.Host,
			"port":     c.Email.Port,
			"username": c.Email.Username,
			"password": c.Email.Password,
			"from":     c.Email.From,
			"operator": c.Email.Operator,
		},
		"fetch": map[string]interface{}{
			"timeout":            c.Fetch.Timeout.String(),
			"max_body_size":      c.Fetch.MaxBodySize,
			"user_agent":         c.Fetch.UserAgent,
			"failure_ttl":        c.Fetch.FailureTTL.String(),
			"failure_cache_size": c.Fetch.FailureCacheSize,
		},
		"primary": map[string]interface{}{
			"endpoint": c.Primary.Endpoint,
			"api_key":  c.Primary.APIKey,
		},
		"platform": map[string]interface{}{
			"oembed_endpoint": c.Platform.OEmbedEndpoint,
			"feed_base_url":   c.Platform.FeedBaseURL,
		},
		"quota": map[string]interface{}{
			"monthly_limit": c.Quota.MonthlyLimit,
		},
		"shortlink": map[string]interface{}{
			"batch_size":  c.Shortlink.BatchSize,
			"delay":       c.Shortlink.Delay.String(),
			"timeout":     c.Shortlink.Timeout.String(),
			"retry_after": c.Shortlink.RetryAfter.String(),
			"interval":    c.Shortlink.Interval.String(),
		},
		"health": map[string]interface{}{
			"batch_size":        c.Health.BatchSize,
			"broken_batch_size": c.Health.BrokenBatchSize,
			"delay":             c.Health.Delay.String(),
			"timeout":           c.Health.Timeout.String(),
			"failure_threshold": c.Health.FailureThreshold,
			"interval":          c.Health.Interval.String(),
			"broken_interval":   c.Health.BrokenInterval.String(),
		},
		"rate_limit": map[string]interface{}{
			"enabled": c.RateLimit.Enabled,
			"previews": map[string]interface{}{
				"limit":  c.RateLimit.Previews.Limit,
				"window": c.RateLimit.Previews.Window.String(),
			},
		},
	}, nil
}

func SetupFlags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("linkpreview", pflag.ContinueOnError)
	flags.String("config", "", "Path to config file")
	flags.String("server.host", "", "Server host")
	flags.Int("server.port", 0, "Server port")
	flags.String("server.public_url", "", "Public URL")
	flags.StringSlice("server.allowed_origins", nil, "Allowed CORS origins")
	flags.String("server.tls.mode", "", "TLS mode: off, auto, or manual")
	flags.String("server.tls.cert_file", "", "TLS certificate file (manual mode)")
	flags.String("server.tls.key_file", "", "TLS key file (manual mode)")
	flags.String("server.tls.auto.domain", "", "Domain for automatic TLS (auto mode)")
	flags.String("server.tls.auto.email", "", "Contact email for Let's Encrypt (auto mode)")
	flags.String("server.tls.auto.cache_dir", "", "Certificate cache directory (auto mode)")
	flags.String("database.path", "", "Database path")
	flags.String("log.level", "", "Log level: debug, info, warn, or error")
	flags.String("log.format", "", "Log format: text or json")
	flags.Bool("telemetry.enabled", false, "Export traces, metrics, and logs over OTLP")
	flags.String("primary.endpoint", "", "Primary metadata API endpoint")
	flags.Int("quota.monthly_limit", 0, "Primary API calls allowed per calendar month")
	flags.Bool("email.enabled", false, "Enable email sending")
	return flags
}
