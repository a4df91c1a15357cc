package reqflow

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WithBaseURL sets the backend API root, e.g. "https://api.example.com/api".
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = u
	}
}

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMiddleware adds middleware to the HTTP transport
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithCircuitBreaker sets the circuit breaker configuration
func WithCircuitBreaker(config CircuitBreakerConfig) Option {
	return func(c *Client) {
		c.circuitBreaker = NewCircuitBreaker(config)
	}
}

// WithoutCircuitBreaker disables the circuit breaker.
func WithoutCircuitBreaker() Option {
	return func(c *Client) {
		c.circuitBreaker = nil
	}
}

// WithTransport replaces the HTTP transport. Auth handling still wraps it
// when a token provider is configured.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		c.transport = t
	}
}

// WithTokenProvider enables bearer authentication.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) {
		c.tokens = p
	}
}

// WithOnAuthExpired sets the reaction to an unrecoverable auth failure,
// typically a redirect to login.
func WithOnAuthExpired(fn func(error)) Option {
	return func(c *Client) {
		c.onAuthExpired = fn
	}
}

// WithRefreshSkew sets how early a JWT is refreshed before its exp claim.
// A negative value disables proactive refresh.
func WithRefreshSkew(d time.Duration) Option {
	return func(c *Client) {
		c.refreshSkew = d
	}
}

// WithCache sets a custom cache implementation
func WithCache(cache Cache) Option {
	return func(c *Client) {
		c.cache = cache
	}
}

// WithDefaultPolicy sets the policy used for keys with no registered family.
func WithDefaultPolicy(p Policy) Option {
	return func(c *Client) {
		existing := c.policies
		c.policies = NewPolicyRegistry(p)
		if existing != nil {
			existing.mu.RLock()
			for prefix, pp := range existing.policies {
				c.policies.policies[prefix] = pp
			}
			existing.mu.RUnlock()
		}
	}
}

// WithPolicy registers a policy for a resource family prefix.
func WithPolicy(prefix string, p Policy) Option {
	return func(c *Client) {
		c.policies.Register(prefix, p)
	}
}

// WithClock sets the time source for TTL and throttle decisions.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// WithSessionStore sets where the selected resource id is persisted.
func WithSessionStore(store SessionStore) Option {
	return func(c *Client) {
		c.session = store
	}
}

// WithSelectionKey overrides the session key for the selected resource id.
func WithSelectionKey(key string) Option {
	return func(c *Client) {
		c.sessionKey = key
	}
}

// WithBatchLimit caps batch parallelism. Zero means no cap.
func WithBatchLimit(n int) Option {
	return func(c *Client) {
		c.batchLimit = n
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithSimpleLogger enables debug logging with a console logger
func WithSimpleLogger() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
		c.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets a custom function for generating request IDs
func WithRequestIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.RequestIDGen = gen
	}
}

// FetchOption tunes a single Fetch.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	forceFresh           bool
	staleWhileRevalidate bool
	ttl                  time.Duration
	minInterval          time.Duration
}

// ForceFresh bypasses the cache and the throttle and supersedes a pending
// non-forced call for the same key.
func ForceFresh() FetchOption {
	return func(o *fetchOptions) { o.forceFresh = true }
}

// WithTTL overrides the family TTL for this fetch's cache write.
func WithTTL(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.ttl = d }
}

// WithMinInterval overrides the family throttle window.
func WithMinInterval(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.minInterval = d }
}

// StaleWhileRevalidate serves a stale entry immediately and refreshes it in
// the background.
func StaleWhileRevalidate() FetchOption {
	return func(o *fetchOptions) { o.staleWhileRevalidate = true }
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateTransportConfig()...)
	errors = append(errors, c.validateCircuitBreakerConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if c.batchLimit < 0 {
		errors = append(errors, "batchLimit cannot be negative")
	}
	if c.sessionKey == "" {
		errors = append(errors, "selection key cannot be empty")
	}

	if len(errors) > 0 {
		return &ClientError{
			Type:    ErrorTypeConfiguration,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %s", strings.Join(errors, "; ")),
		}
	}

	return nil
}

func (c *Client) validateTransportConfig() []string {
	var errors []string

	if c.transport == nil {
		if c.baseURL == "" {
			errors = append(errors, "base URL must be set unless a custom transport is used")
		}
		if c.httpClient == nil {
			errors = append(errors, "HTTP client cannot be nil")
		}
	}
	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	return errors
}

func (c *Client) validateCircuitBreakerConfig() []string {
	var errors []string

	if c.circuitBreaker != nil {
		if c.circuitBreaker.config.FailureThreshold <= 0 {
			errors = append(errors, "circuitBreaker FailureThreshold must be positive")
		}
		if c.circuitBreaker.config.RecoveryTimeout <= 0 {
			errors = append(errors, "circuitBreaker RecoveryTimeout must be positive")
		}
		if c.circuitBreaker.config.SuccessThreshold <= 0 {
			errors = append(errors, "circuitBreaker SuccessThreshold must be positive")
		}
	}

	return errors
}

func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug != nil && c.debug.Enabled {
		if c.debug.RequestIDGen == nil {
			errors = append(errors, "debug RequestIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateExtremeValues flags values that are legal but almost certainly
// mistakes for an interactive dashboard.
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}
	if c.batchLimit > 256 {
		errors = append(errors, "batchLimit > 256 may overload the backend")
	}
	if c.policies != nil && c.policies.fallback.TTL > 24*time.Hour {
		errors = append(errors, "default TTL > 24h may cause stale data issues")
	}

	return errors
}
