package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the single structured configuration blob, loaded once at startup.
type Config struct {
	Server      Server      `envPrefix:"SERVER_"`
	Security    Security    `envPrefix:"SECURITY_"`
	KV          KV          `envPrefix:"KV_"`
	Upstream    Upstream    `envPrefix:"UPSTREAM_"`
	Proxy       Proxy       `envPrefix:"PROXY_"`
	Performance Performance `envPrefix:"PERF_"`
	System      System      `envPrefix:"SYSTEM_"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// UsageDBPath is where the usage recorder keeps token-accounting events.
	UsageDBPath string `env:"USAGE_DB_PATH" envDefault:"./claude-mux-usage.db"`
}

type Server struct {
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"3000"`
}

type Security struct {
	JWTSecret     string `env:"JWT_SECRET"`
	EncryptionKey string `env:"ENCRYPTION_KEY"` // 32 bytes
	APIKeyPrefix  string `env:"API_KEY_PREFIX" envDefault:"cr_"`
}

type KV struct {
	Host     string `env:"HOST" envDefault:"127.0.0.1"`
	Port     int    `env:"PORT" envDefault:"6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	PoolSize int    `env:"POOL" envDefault:"20"`
}

func (k KV) Addr() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

type Upstream struct {
	URL           string `env:"URL" envDefault:"https://api.anthropic.com/v1/messages"`
	APIVersion    string `env:"API_VERSION" envDefault:"2023-06-01"`
	BetaHeader    string `env:"BETA_HEADER" envDefault:"claude-code-20250219,oauth-2025-04-20,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"`
	OAuthTokenURL string `env:"OAUTH_TOKEN_URL" envDefault:"https://console.anthropic.com/v1/oauth/token"`
	OAuthClientID string `env:"OAUTH_CLIENT_ID" envDefault:"9d1c250a-e61b-44d9-88ed-5944d1962f5e"`

	// SystemPrompt is an operator-configured extra system prompt appended
	// after normalization. Empty disables it.
	SystemPrompt string `env:"SYSTEM_PROMPT"`

	// UsageOffsetEnabled subtracts 14 from reported input_tokens. The
	// upstream bills a preamble of that size; whether the subtraction
	// should apply to every persona is an open product question, so it is
	// a flag rather than a rule.
	UsageOffsetEnabled bool `env:"USAGE_OFFSET_ENABLED" envDefault:"true"`
}

type Proxy struct {
	TimeoutMS  int `env:"TIMEOUT_MS" envDefault:"60000"`
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
}

func (p Proxy) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

type Performance struct {
	KeyCache    CacheOpts       `envPrefix:"KEY_CACHE_"`
	Dedup       DedupOpts       `envPrefix:"DEDUP_"`
	Compression CompressionOpts `envPrefix:"COMPRESSION_"`
	Batch       BatchOpts       `envPrefix:"BATCH_"`
}

type CacheOpts struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	TTLMS   int  `env:"TTL_MS" envDefault:"60000"`
	Max     int  `env:"MAX" envDefault:"1000"`
}

func (c CacheOpts) TTL() time.Duration {
	return time.Duration(c.TTLMS) * time.Millisecond
}

type DedupOpts struct {
	Enabled  bool `env:"ENABLED" envDefault:"true"`
	WindowMS int  `env:"WINDOW_MS" envDefault:"2000"`
	Max      int  `env:"MAX" envDefault:"5000"`
}

func (d DedupOpts) Window() time.Duration {
	return time.Duration(d.WindowMS) * time.Millisecond
}

type CompressionOpts struct {
	Enabled   bool `env:"ENABLED" envDefault:"true"`
	Level     int  `env:"LEVEL" envDefault:"6"`
	Threshold int  `env:"THRESHOLD" envDefault:"1024"`
}

type BatchOpts struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	Size    int  `env:"SIZE" envDefault:"100"`
	FlushMS int  `env:"FLUSH_MS" envDefault:"5000"`
}

func (b BatchOpts) FlushInterval() time.Duration {
	return time.Duration(b.FlushMS) * time.Millisecond
}

type System struct {
	CleanupIntervalMS     int   `env:"CLEANUP_INTERVAL_MS" envDefault:"300000"`
	TokenUsageRetentionMS int64 `env:"TOKEN_USAGE_RETENTION_MS" envDefault:"2592000000"`
	HealthCheckIntervalMS int   `env:"HEALTH_CHECK_INTERVAL_MS" envDefault:"60000"`
}

func (s System) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalMS) * time.Millisecond
}

func (s System) TokenUsageRetention() time.Duration {
	return time.Duration(s.TokenUsageRetentionMS) * time.Millisecond
}

func (s System) HealthCheckInterval() time.Duration {
	return time.Duration(s.HealthCheckIntervalMS) * time.Millisecond
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}
	return cfg, nil
}

// Validate enforces the invariants the rest of the system assumes.
func (c *Config) Validate() error {
	if len(c.Security.EncryptionKey) != 32 {
		return fmt.Errorf("SECURITY_ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.Security.EncryptionKey))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.Server.Port)
	}
	if c.Proxy.MaxRetries < 1 {
		return fmt.Errorf("PROXY_MAX_RETRIES must be at least 1")
	}
	return nil
}

func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
