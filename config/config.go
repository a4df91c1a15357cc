// Package config loads reqflow client settings from the environment or a
// YAML file and turns them into client options.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/fsnotify/fsnotify"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	reqflow "github.com/sparvidata/sparvi-reqflow"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "REQFLOW_"

// Config is the serializable client configuration.
type Config struct {
	BaseURL     string        `env:"BASE_URL" mapstructure:"base_url"`
	Timeout     time.Duration `env:"TIMEOUT" envDefault:"30s" mapstructure:"timeout"`
	BatchLimit  int           `env:"BATCH_LIMIT" envDefault:"0" mapstructure:"batch_limit"`
	RefreshSkew time.Duration `env:"REFRESH_SKEW" envDefault:"30s" mapstructure:"refresh_skew"`

	DefaultTTL         time.Duration `env:"DEFAULT_TTL" envDefault:"30s" mapstructure:"default_ttl"`
	DefaultMinInterval time.Duration `env:"DEFAULT_MIN_INTERVAL" envDefault:"10s" mapstructure:"default_min_interval"`

	Debug   bool `env:"DEBUG" mapstructure:"debug"`
	Metrics bool `env:"METRICS" mapstructure:"metrics"`

	Breaker Breaker `envPrefix:"BREAKER_" mapstructure:"breaker"`
	Session Session `envPrefix:"SESSION_" mapstructure:"session"`

	// Policies are resource family classes. Only YAML can express them.
	Policies []PolicyClass `env:"-" mapstructure:"policies"`
}

// Breaker configures the transport circuit breaker.
type Breaker struct {
	Disabled         bool          `env:"DISABLED" mapstructure:"disabled"`
	FailureThreshold int           `env:"FAILURE_THRESHOLD" envDefault:"5" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `env:"RECOVERY_TIMEOUT" envDefault:"60s" mapstructure:"recovery_timeout"`
	SuccessThreshold int           `env:"SUCCESS_THRESHOLD" envDefault:"2" mapstructure:"success_threshold"`
}

// Session selects where the selected resource id lives. An empty RedisURL
// keeps it in memory.
type Session struct {
	RedisURL string        `env:"REDIS_URL" mapstructure:"redis_url"`
	Prefix   string        `env:"PREFIX" envDefault:"reqflow:session:" mapstructure:"prefix"`
	TTL      time.Duration `env:"TTL" envDefault:"24h" mapstructure:"ttl"`
	Key      string        `env:"KEY" envDefault:"selectedResourceId" mapstructure:"key"`
}

// PolicyClass configures one resource family.
type PolicyClass struct {
	Prefix      string        `mapstructure:"prefix"`
	TTL         time.Duration `mapstructure:"ttl"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	// Envelope names the collection field to unwrap with
	// reqflow.UnwrapEnvelope; "data" strips a single data envelope.
	Envelope string `mapstructure:"envelope"`
}

// FromEnv reads REQFLOW_* variables from the process environment.
func FromEnv() (*Config, error) {
	return parseEnv(env.Options{Prefix: EnvPrefix})
}

// FromEnvMap reads configuration from vars instead of the process
// environment. Keys carry the REQFLOW_ prefix.
func FromEnvMap(vars map[string]string) (*Config, error) {
	return parseEnv(env.Options{Prefix: EnvPrefix, Environment: vars})
}

func parseEnv(opts env.Options) (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads a YAML file. REQFLOW_* environment variables override
// scalar settings from the file.
func FromFile(path string) (*Config, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return decode(v)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeout", reqflow.DefaultTimeout)
	v.SetDefault("batch_limit", reqflow.DefaultBatchLimit)
	v.SetDefault("refresh_skew", reqflow.DefaultRefreshSkew)
	v.SetDefault("default_ttl", reqflow.DefaultTTL)
	v.SetDefault("default_min_interval", reqflow.DefaultMinInterval)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 60*time.Second)
	v.SetDefault("breaker.success_threshold", 2)
	v.SetDefault("session.prefix", "reqflow:session:")
	v.SetDefault("session.ttl", 24*time.Hour)
	v.SetDefault("session.key", reqflow.DefaultSelectionKey)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would produce a broken client.
func (c *Config) Validate() error {
	var errs []error
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if c.BatchLimit < 0 {
		errs = append(errs, errors.New("batch_limit cannot be negative"))
	}
	if c.DefaultTTL <= 0 {
		errs = append(errs, errors.New("default_ttl must be positive"))
	}
	if c.DefaultMinInterval < 0 {
		errs = append(errs, errors.New("default_min_interval cannot be negative"))
	}
	seen := make(map[string]bool)
	for i, p := range c.Policies {
		if p.Prefix == "" {
			errs = append(errs, fmt.Errorf("policies[%d]: prefix is required", i))
			continue
		}
		if seen[p.Prefix] {
			errs = append(errs, fmt.Errorf("policies[%d]: duplicate prefix %q", i, p.Prefix))
		}
		seen[p.Prefix] = true
		if p.TTL < 0 || p.MinInterval < 0 {
			errs = append(errs, fmt.Errorf("policies[%d]: durations cannot be negative", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Policy converts a class into a reqflow.Policy.
func (p PolicyClass) Policy() reqflow.Policy {
	out := reqflow.Policy{TTL: p.TTL, MinInterval: p.MinInterval}
	switch p.Envelope {
	case "":
	case "data":
		out.Normalize = reqflow.UnwrapData
	default:
		out.Normalize = reqflow.UnwrapEnvelope(p.Envelope)
	}
	return out
}

// ApplyPolicies registers every policy class on reg.
func (c *Config) ApplyPolicies(reg *reqflow.PolicyRegistry) {
	for _, p := range c.Policies {
		reg.Register(p.Prefix, p.Policy())
	}
}

// Options turns the configuration into client options. When a Redis URL is
// configured the returned client must be closed by the caller.
func (c *Config) Options() ([]reqflow.Option, *redis.Client, error) {
	opts := []reqflow.Option{
		reqflow.WithBaseURL(c.BaseURL),
		reqflow.WithTimeout(c.Timeout),
		reqflow.WithBatchLimit(c.BatchLimit),
		reqflow.WithRefreshSkew(c.RefreshSkew),
		reqflow.WithDefaultPolicy(reqflow.Policy{TTL: c.DefaultTTL, MinInterval: c.DefaultMinInterval}),
		reqflow.WithSelectionKey(c.Session.Key),
	}
	for _, p := range c.Policies {
		opts = append(opts, reqflow.WithPolicy(p.Prefix, p.Policy()))
	}

	if c.Breaker.Disabled {
		opts = append(opts, reqflow.WithoutCircuitBreaker())
	} else {
		opts = append(opts, reqflow.WithCircuitBreaker(reqflow.CircuitBreakerConfig{
			FailureThreshold: c.Breaker.FailureThreshold,
			RecoveryTimeout:  c.Breaker.RecoveryTimeout,
			SuccessThreshold: c.Breaker.SuccessThreshold,
		}))
	}
	if c.Debug {
		opts = append(opts, reqflow.WithSimpleLogger())
	}
	if c.Metrics {
		opts = append(opts, reqflow.WithMetrics())
	}

	if c.Session.RedisURL == "" {
		return opts, nil, nil
	}
	redisOpts, err := redis.ParseURL(c.Session.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse session redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	opts = append(opts, reqflow.WithSessionStore(reqflow.NewRedisSessionStore(rdb, c.Session.Prefix, c.Session.TTL)))
	return opts, rdb, nil
}

// Watcher reloads a YAML file when it changes on disk.
type Watcher struct {
	v  *viper.Viper
	mu sync.Mutex
	// current is the last configuration that decoded and validated.
	current *Config
	stopped bool
}

// Watch loads path and calls onChange with every later valid revision.
// Invalid revisions are reported to onError (may be nil) and skipped.
func Watch(path string, onChange func(*Config), onError func(error)) (*Watcher, error) {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v, current: cfg}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		w.mu.Lock()
		if w.stopped {
			w.mu.Unlock()
			return
		}
		next, err := decode(w.v)
		if err != nil {
			w.mu.Unlock()
			if onError != nil {
				onError(err)
			}
			return
		}
		w.current = next
		w.mu.Unlock()
		onChange(next)
	})
	v.WatchConfig()
	return w, nil
}

// Current returns the last valid configuration.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop suppresses further change callbacks.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
