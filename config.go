package securefetch

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "SECUREFETCH_"

// Config is the declarative client configuration. It can be loaded from the
// environment or a YAML file and applied with WithConfig.
type Config struct {
	Logging         bool            `yaml:"logging" env:"LOGGING, default=false"`
	LogLevel        string          `yaml:"logLevel" env:"LOG_LEVEL, default=info"`
	Timeout         time.Duration   `yaml:"timeout" env:"TIMEOUT, default=30s"`
	CredentialsMode CredentialsMode `yaml:"credentialsMode" env:"CREDENTIALS_MODE, default=same-origin"`
	BaseURL         string          `yaml:"baseURL" env:"BASE_URL"`
	Deduplication   bool            `yaml:"deduplication" env:"DEDUPLICATION, default=false"`
	Tracing         bool            `yaml:"tracing" env:"TRACING, default=false"`

	Retry          RetryConfig          `yaml:"retry" env:", prefix=RETRY_"`
	Cache          CacheConfig          `yaml:"cache" env:", prefix=CACHE_"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" env:", prefix=BREAKER_"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" env:", prefix=RATE_LIMIT_"`
	Auth           AuthConfig           `yaml:"auth" env:", prefix=AUTH_"`
}

// DefaultConfig returns the configuration used when nothing is set:
// logging off, 30s timeout, retries on, caching off.
func DefaultConfig() Config {
	cache := DefaultCacheConfig()
	cache.Enabled = false
	return Config{
		LogLevel:        "info",
		Timeout:         30 * time.Second,
		CredentialsMode: CredentialsSameOrigin,
		Retry:           DefaultRetryConfig(),
		Cache:           cache,
		CircuitBreaker:  DefaultCircuitBreakerConfig(),
		RateLimit:       RateLimitConfig{Burst: 1, IdleTTL: 15 * time.Minute},
		Auth:            DefaultAuthConfig(),
	}
}

// LoadConfig reads SECUREFETCH_* variables from the OS environment.
func LoadConfig(ctx context.Context) (Config, error) {
	return loadConfig(ctx, nil)
}

func loadConfig(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	if lookup == nil {
		lookup = envconfig.OsLookuper()
	}

	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookup),
	})
	if err != nil {
		return cfg, fmt.Errorf("load config from environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file. Unset fields keep their
// defaults; retry and cache accept either a boolean or an object.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once as a ConfigurationError.
func (c Config) Validate() error {
	var errs []string
	errs = append(errs, validateRetryConfig(c.Retry)...)
	errs = append(errs, validateCacheConfig(c.Cache)...)
	errs = append(errs, validateCircuitBreakerConfig(c.CircuitBreaker)...)
	errs = append(errs, validateRateLimitConfig(c.RateLimit)...)
	errs = append(errs, validateAuthConfig(c.Auth)...)

	if c.Timeout < 0 {
		errs = append(errs, "timeout must be non-negative")
	}
	if c.CredentialsMode != "" && !c.CredentialsMode.Valid() {
		errs = append(errs, fmt.Sprintf("unknown credentials mode %q", c.CredentialsMode))
	}
	if c.BaseURL != "" && !isAbsoluteURL(c.BaseURL) {
		errs = append(errs, fmt.Sprintf("baseURL %q must be absolute", c.BaseURL))
	}

	if len(errs) > 0 {
		return newConfigurationError("configuration validation failed", fmt.Errorf("validation errors: %v", errs))
	}
	return nil
}

// UnmarshalYAML accepts `retry: true|false` or a retry object. An object
// enables retries unless it says otherwise.
func (c *RetryConfig) UnmarshalYAML(node *yaml.Node) error {
	if enabled, ok, err := decodeBoolNode(node); ok || err != nil {
		if err != nil {
			return err
		}
		*c = DefaultRetryConfig()
		c.Enabled = enabled
		return nil
	}

	type plain RetryConfig
	out := plain(DefaultRetryConfig())
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = RetryConfig(out)
	return nil
}

// UnmarshalYAML accepts `cache: true|false` or a cache object. An object
// enables caching unless it says otherwise.
func (c *CacheConfig) UnmarshalYAML(node *yaml.Node) error {
	if enabled, ok, err := decodeBoolNode(node); ok || err != nil {
		if err != nil {
			return err
		}
		*c = DefaultCacheConfig()
		c.Enabled = enabled
		return nil
	}

	type plain CacheConfig
	out := plain(DefaultCacheConfig())
	if err := node.Decode(&out); err != nil {
		return err
	}
	*c = CacheConfig(out)
	return nil
}

func decodeBoolNode(node *yaml.Node) (bool, bool, error) {
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!bool" {
		return false, false, nil
	}
	var v bool
	if err := node.Decode(&v); err != nil {
		return false, true, err
	}
	return v, true, nil
}
