package pipedrive

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "PIPEDRIVE_"

// Config is the environment-driven client configuration.
type Config struct {
	APIToken string        `env:"API_TOKEN,required"`
	BaseURL  string        `env:"BASE_URL" envDefault:"https://api.pipedrive.com/v1"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"30s"`

	CacheTTL     time.Duration `env:"CACHE_TTL" envDefault:"5m"`
	CacheMaxSize int           `env:"CACHE_MAX_SIZE" envDefault:"1000"`

	RateMaxConcurrent            int           `env:"RATE_MAX_CONCURRENT" envDefault:"10"`
	RateMinTime                  time.Duration `env:"RATE_MIN_TIME" envDefault:"100ms"`
	RateReservoir                int           `env:"RATE_RESERVOIR" envDefault:"100"`
	RateReservoirRefreshAmount   int           `env:"RATE_RESERVOIR_REFRESH_AMOUNT" envDefault:"100"`
	RateReservoirRefreshInterval time.Duration `env:"RATE_RESERVOIR_REFRESH_INTERVAL" envDefault:"10s"`

	RetryMax      int   `env:"RETRY_MAX" envDefault:"3"`
	RetryStatuses []int `env:"RETRY_STATUSES" envSeparator:"," envDefault:"408,429,500,502,503,504"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Debug    bool   `env:"DEBUG" envDefault:"false"`

	// RedisAddr selects the shared Redis cache when set.
	RedisAddr string `env:"REDIS_ADDR"`
}

// LoadConfig reads PIPEDRIVE_* variables from the process environment.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix})
}

// LoadConfigFromMap reads the same variables from vars, for tests and
// embedding hosts. Keys carry the PIPEDRIVE_ prefix.
func LoadConfigFromMap(vars map[string]string) (Config, error) {
	return loadConfig(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("pipedrive: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks value ranges that struct tags cannot express.
func (cfg Config) Validate() error {
	var errs []string
	if strings.TrimSpace(cfg.APIToken) == "" {
		errs = append(errs, "API_TOKEN must not be blank")
	}
	if cfg.CacheMaxSize < 0 {
		errs = append(errs, "CACHE_MAX_SIZE must be non-negative")
	}
	errs = append(errs, cfg.RateLimiter().validate()...)
	errs = append(errs, cfg.Retry().validate()...)
	if len(errs) > 0 {
		return &ClientError{
			Type:    ErrorTypeValidation,
			Kind:    KindTerminal,
			Message: "invalid configuration",
			Cause:   fmt.Errorf("validation errors: %v", errs),
		}
	}
	return nil
}

// RateLimiter returns the limiter part of cfg.
func (cfg Config) RateLimiter() RateLimiterConfig {
	return RateLimiterConfig{
		MaxConcurrent:            cfg.RateMaxConcurrent,
		MinTime:                  cfg.RateMinTime,
		Reservoir:                cfg.RateReservoir,
		ReservoirRefreshAmount:   cfg.RateReservoirRefreshAmount,
		ReservoirRefreshInterval: cfg.RateReservoirRefreshInterval,
	}
}

// Retry returns the retry part of cfg on top of the default backoff curve.
func (cfg Config) Retry() RetryConfig {
	rc := DefaultRetryConfig()
	rc.MaxRetries = cfg.RetryMax
	if len(cfg.RetryStatuses) > 0 {
		rc.RetryableStatuses = cfg.RetryStatuses
	}
	return rc
}

// Options translates cfg into client options. The shared cache is not
// built here because it needs a live Redis client; see rediscache.
func (cfg Config) Options() []Option {
	opts := []Option{
		WithAPIToken(cfg.APIToken),
		WithBaseURL(cfg.BaseURL),
		WithTimeout(cfg.Timeout),
		WithCache(cfg.CacheTTL, cfg.CacheMaxSize),
		WithRateLimiter(cfg.RateLimiter()),
		WithRetryConfig(cfg.Retry()),
		WithLogger(NewConsoleLogger(cfg.LogLevel)),
	}
	if cfg.Debug {
		opts = append(opts, WithDebug())
	}
	return opts
}

// NewFromConfig builds a client from cfg; extra options are applied last
// and win over the configured values.
func NewFromConfig(cfg Config, options ...Option) (*Client, error) {
	return New(append(cfg.Options(), options...)...)
}
