package config

import "time"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Email     EmailConfig     `koanf:"email"`
	Fetch     FetchConfig     `koanf:"fetch"`
	Primary   PrimaryConfig   `koanf:"primary"`
	Platform  PlatformConfig  `koanf:"platform"`
	Quota     QuotaConfig     `koanf:"quota"`
	Shortlink ShortlinkConfig `koanf:"shortlink"`
	Health    HealthConfig    `koanf:"health"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

type ServerConfig struct {
	Host           string    `koanf:"host"`
	Port           int       `koanf:"port"`
	PublicURL      string    `koanf:"public_url"`
	AllowedOrigins []string  `koanf:"allowed_origins"`
	TLS            TLSConfig `koanf:"tls"`
	// ImageSigningSecret keys the image proxy tokens. Generated and kept
	// next to the database when empty.
	ImageSigningSecret string `koanf:"image_signing_secret"`
}

type TLSConfig struct {
	Mode     string        `koanf:"mode"` // off, auto, manual
	CertFile string        `koanf:"cert_file"`
	KeyFile  string        `koanf:"key_file"`
	Auto     AutoTLSConfig `koanf:"auto"`
}

type AutoTLSConfig struct {
	Domain   string `koanf:"domain"`
	Email    string `koanf:"email"`
	CacheDir string `koanf:"cache_dir"`
}

type DatabaseConfig struct {
	Path         string        `koanf:"path"`
	MaxOpenConns int           `koanf:"max_open_conns"`
	BusyTimeout  time.Duration `koanf:"busy_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	Protocol    string `koanf:"protocol"` // grpc or http
	Insecure    bool   `koanf:"insecure"`
	ServiceName string `koanf:"service_name"`
}

type EmailConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	From     string `koanf:"from"`
	// Operator receives quota notices.
	Operator string `koanf:"operator"`
}

type FetchConfig struct {
	Timeout          time.Duration `koanf:"timeout"`
	MaxBodySize      int64         `koanf:"max_body_size"`
	UserAgent        string        `koanf:"user_agent"`
	FailureTTL       time.Duration `koanf:"failure_ttl"`
	FailureCacheSize int           `koanf:"failure_cache_size"`
}

type PrimaryConfig struct {
	Endpoint string `koanf:"endpoint"`
	APIKey   string `koanf:"api_key"`
}

type PlatformConfig struct {
	OEmbedEndpoint string `koanf:"oembed_endpoint"`
	FeedBaseURL    string `koanf:"feed_base_url"`
}

type QuotaConfig struct {
	MonthlyLimit int `koanf:"monthly_limit"`
}

type ShortlinkConfig struct {
	BatchSize  int           `koanf:"batch_size"`
	Delay      time.Duration `koanf:"delay"`
	Timeout    time.Duration `koanf:"timeout"`
	RetryAfter time.Duration `koanf:"retry_after"`
	Interval   time.Duration `koanf:"interval"`
}

type HealthConfig struct {
	BatchSize        int           `koanf:"batch_size"`
	BrokenBatchSize  int           `koanf:"broken_batch_size"`
	Delay            time.Duration `koanf:"delay"`
	Timeout          time.Duration `koanf:"timeout"`
	FailureThreshold int           `koanf:"failure_threshold"`
	Interval         time.Duration `koanf:"interval"`
	BrokenInterval   time.Duration `koanf:"broken_interval"`
}

type RateLimitConfig struct {
	Enabled  bool              `koanf:"enabled"`
	Previews RateLimitEndpoint `koanf:"previews"`
}

type RateLimitEndpoint struct {
	Limit  int           `koanf:"limit"`
	Window time.Duration `koanf:"window"`
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			PublicURL: "http://localhost:8080",
			TLS: TLSConfig{
				Mode: "off",
				Auto: AutoTLSConfig{CacheDir: "./data/certs"},
			},
		},
		Database: DatabaseConfig{
			Path:         "./data/linkpreview.db",
			MaxOpenConns: 4,
			BusyTimeout:  5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			ServiceName: "linkpreview",
		},
		Email: EmailConfig{
			Enabled: false,
			Port:    587,
		},
		Fetch: FetchConfig{
			Timeout:          5 * time.Second,
			MaxBodySize:      1 << 20, // 1MB
			UserAgent:        "LinkPreviewBot/1.0",
			FailureTTL:       10 * time.Minute,
			FailureCacheSize: 4096,
		},
		Platform: PlatformConfig{
			OEmbedEndpoint: "https://medium.com/oembed",
			FeedBaseURL:    "https://medium.com/feed",
		},
		Quota: QuotaConfig{
			MonthlyLimit: 1000,
		},
		Shortlink: ShortlinkConfig{
			BatchSize:  100,
			Delay:      500 * time.Millisecond,
			Timeout:    10 * time.Second,
			RetryAfter: 24 * time.Hour,
			Interval:   time.Hour,
		},
		Health: HealthConfig{
			BatchSize:        200,
			BrokenBatchSize:  50,
			Delay:            500 * time.Millisecond,
			Timeout:          10 * time.Second,
			FailureThreshold: 3,
			Interval:         24 * time.Hour,
			BrokenInterval:   6 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Previews: RateLimitEndpoint{Limit: 60, Window: time.Minute},
		},
	}
}
