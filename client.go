package reqflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// Client orchestrates every backend call of a dashboard session: it
// authenticates, deduplicates, throttles, caches, applies optimistic
// mutations and aggregates batches. Create one per session and Close it on
// logout. It is safe for concurrent use.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	timeout        time.Duration
	middleware     []Middleware
	circuitBreaker *CircuitBreaker
	transport      Transport

	tokens        TokenProvider
	refreshSkew   time.Duration
	onAuthExpired func(error)

	cache      Cache
	policies   *PolicyRegistry
	throttle   *Throttle
	registry   *Registry
	mutations  *MutationEngine
	session    SessionStore
	sessionKey string
	batchLimit int
	clock      Clock

	metrics *MetricsCollector
	debug   *DebugConfig
	logger  Logger

	pipeline Transport

	rootCtx    context.Context
	rootCancel context.CancelFunc
	closed     atomic.Bool

	validationError error
}

// New constructs a Client using the provided functional options. A best
// effort validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:     &http.Client{},
		timeout:        DefaultTimeout,
		circuitBreaker: NewCircuitBreaker(CircuitBreakerConfig{}),
		middleware:     []Middleware{},
		policies:       NewPolicyRegistry(DefaultPolicy()),
		sessionKey:     DefaultSelectionKey,
		batchLimit:     DefaultBatchLimit,
		clock:          SystemClock,
		debug:          DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	client.wire()
	return client
}

// wire builds the runtime components from the configured options.
func (c *Client) wire() {
	c.rootCtx, c.rootCancel = context.WithCancel(context.Background())

	if c.clock == nil {
		c.clock = SystemClock
	}
	if c.debug == nil {
		c.debug = DefaultDebugConfig()
	}
	if c.cache == nil {
		c.cache = NewInMemoryCacheWithClock(c.clock)
	}
	if c.session == nil {
		c.session = NewMemorySessionStore()
	}
	c.throttle = NewThrottle(c.clock)
	c.registry = NewRegistry(c.rootCtx, c.clock)

	base := c.transport
	if base == nil {
		base = NewHTTPTransport(HTTPTransportConfig{
			BaseURL:        c.baseURL,
			HTTPClient:     c.httpClient,
			Timeout:        c.timeout,
			Middleware:     c.middleware,
			CircuitBreaker: c.circuitBreaker,
			Metrics:        c.metrics,
			Logger:         c.logger,
			Debug:          c.debug,
		})
	}
	c.pipeline = base
	if c.tokens != nil {
		c.pipeline = NewAuthInterceptor(base, c.tokens, AuthConfig{
			Skew:          c.refreshSkew,
			OnAuthExpired: c.onAuthExpired,
			Logger:        c.logger,
			Debug:         c.debug,
			Metrics:       c.metrics,
			Clock:         c.clock,
		})
	}

	c.mutations = NewMutationEngine(c.cache, c.registry, c.pipeline, c.policies, c.clock)
	c.mutations.metrics = c.metrics
	c.mutations.logger = c.logger
	c.mutations.debug = c.debug
	c.mutations.onInvalidate = c.throttle.Forget
}

// Fetch returns the data for req. A fresh cached value is served without a
// network call; otherwise the call is issued (or joined, when one is already
// pending for the same key) unless the throttle window is still open, in
// which case the stale value is served. On failure the last cached value,
// if any, is returned together with the error.
func (c *Client) Fetch(ctx context.Context, req Request, opts ...FetchOption) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if ctx.Err() != nil {
		return nil, contextFailure(ctx, req, c.clock.Now())
	}

	o := fetchOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	key := req.Key()
	policy, family := c.policies.Lookup(key)
	if o.ttl > 0 {
		policy.TTL = o.ttl
	}
	if o.minInterval > 0 {
		policy.MinInterval = o.minInterval
	}

	entry, hasCached := c.cache.Get(key)
	if hasCached && entry.Fresh && !o.forceFresh {
		c.metrics.RecordCacheHit(family)
		if c.debugEnabled(c.debug.LogCache) {
			c.logger.Debug("Cache hit", "key", key)
		}
		return resultFromEntry(entry), nil
	}

	if !c.throttle.ShouldFetch(key, hasCached, o.forceFresh, policy.MinInterval) {
		c.metrics.RecordThrottled(family)
		if c.debugEnabled(c.debug.LogCache) {
			c.logger.Debug("Throttled, serving stale value", "key", key)
		}
		return resultFromEntry(entry), nil
	}

	if hasCached {
		c.metrics.RecordCacheStale(family)
	} else {
		c.metrics.RecordCacheMiss(family)
	}

	if hasCached && o.staleWhileRevalidate && !o.forceFresh {
		sub := c.acquire(key, family, req, policy, false)
		go func() {
			_, _ = sub.Wait(c.rootCtx)
		}()
		res := resultFromEntry(entry)
		res.Revalidating = true
		return res, nil
	}

	sub := c.acquire(key, family, req, policy, o.forceFresh)
	res, err := sub.Wait(ctx)
	if err != nil {
		if IsCancelled(err) {
			c.metrics.RecordCancellation(family)
		}
		if c.debugEnabled(c.debug.LogRequests) {
			c.logger.Debug("Fetch failed", "key", key, "error", err.Error())
		}
		if hasCached {
			stale := resultFromEntry(entry)
			stale.Fresh = false
			return stale, err
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) acquire(key RequestKey, family string, req Request, policy Policy, force bool) *Subscription {
	sub := c.registry.Acquire(key, force, func(ctx context.Context, gen uint64) (*Result, error) {
		c.throttle.Record(key)

		resp, err := c.pipeline.Do(ctx, req)
		if err != nil {
			return nil, err
		}

		data := resp.Body
		if policy.Normalize != nil {
			if data, err = policy.Normalize(resp.Body); err != nil {
				var ce *ClientError
				if !errors.As(err, &ce) {
					err = &ClientError{Type: ErrorTypeServer, Message: "normalize response", Cause: err}
				}
				return nil, err
			}
		}

		res := &Result{Key: key, Data: data, StoredAt: c.clock.Now(), Fresh: true}
		committed := c.registry.CommitIfCurrent(key, gen, func() {
			c.cache.Put(key, data, policy.TTL)
		})
		if committed {
			c.metrics.RecordCacheSize(c.cache.Len())
			c.mutations.notify(key, data, true)
		} else if c.debugEnabled(c.debug.LogCache) {
			c.logger.Debug("Discarded out-of-date result", "key", key, "generation", gen)
		}
		return res, nil
	})

	if sub.Deduplicated() {
		c.metrics.RecordDeduplicationHit(family)
	}
	if sub.Superseded() {
		c.metrics.RecordSupersede(family)
		if c.debugEnabled(c.debug.LogRequests) {
			c.logger.Debug("Superseded pending call", "key", key)
		}
	}
	return sub
}

func resultFromEntry(entry *CacheEntry) *Result {
	return &Result{
		Key:       entry.Key,
		Data:      entry.Value,
		StoredAt:  entry.StoredAt,
		Fresh:     entry.Fresh,
		FromCache: true,
	}
}

// Mutate applies m optimistically and reconciles or rolls back once the
// server answers.
func (c *Client) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.mutations.Mutate(ctx, m)
}

// Observe registers fn for changes to key's cached value.
func (c *Client) Observe(key RequestKey, fn Observer) func() {
	return c.mutations.Observe(key, fn)
}

// Invalidate drops the cached value for key. It is idempotent.
func (c *Client) Invalidate(key RequestKey) {
	c.cache.Invalidate(key)
	c.metrics.RecordCacheSize(c.cache.Len())
}

// InvalidatePrefix drops every cached key of a resource family, e.g.
// "connections/123/", and returns how many entries were removed.
func (c *Client) InvalidatePrefix(prefix string) int {
	n := c.cache.InvalidatePrefix(prefix)
	c.throttle.Forget(prefix)
	c.metrics.RecordCacheSize(c.cache.Len())
	if c.debugEnabled(c.debug.LogCache) {
		c.logger.Debug("Invalidated prefix", "prefix", prefix, "removed", n)
	}
	return n
}

// SelectResource persists the currently selected resource id in the
// session store.
func (c *Client) SelectResource(ctx context.Context, id string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if err := c.session.SetItem(ctx, c.sessionKey, id); err != nil {
		return fmt.Errorf("persist selected resource: %w", err)
	}
	return nil
}

// SelectedResource returns the persisted selection, if any.
func (c *Client) SelectedResource(ctx context.Context) (string, bool, error) {
	if c.closed.Load() {
		return "", false, ErrClientClosed
	}
	v, ok, err := c.session.GetItem(ctx, c.sessionKey)
	if err != nil {
		return "", false, fmt.Errorf("read selected resource: %w", err)
	}
	return v, ok, nil
}

// Close tears the session down: every pending call is cancelled, the cache
// is cleared and throttle history forgotten. Later calls fail with
// ErrClientClosed. Close is idempotent.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.rootCancel()
	n := c.registry.CancelAll()
	c.cache.Clear()
	c.throttle.Forget("")
	c.metrics.RecordCacheSize(0)
	if c.logger != nil {
		c.logger.Info("Client closed", "cancelledCalls", n)
	}
	return nil
}

// Cache exposes the response cache.
func (c *Client) Cache() Cache { return c.cache }

// Registry exposes the pending request registry.
func (c *Client) Registry() *Registry { return c.registry }

// Policies exposes the per-family policy registry.
func (c *Client) Policies() *PolicyRegistry { return c.policies }

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// Scope is a caller lifetime, typically one view. Every fetch made through
// it is detached when the scope closes.
type Scope struct {
	client *Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScope opens a scope bound to parent.
func (c *Client) NewScope(parent context.Context) *Scope {
	ctx, cancel := context.WithCancel(parent)
	return &Scope{client: c, ctx: ctx, cancel: cancel}
}

// Context returns the scope's context.
func (s *Scope) Context() context.Context { return s.ctx }

// Fetch fetches within the scope's lifetime.
func (s *Scope) Fetch(req Request, opts ...FetchOption) (*Result, error) {
	return s.client.Fetch(s.ctx, req, opts...)
}

// Subscribe starts a non-blocking fetch within the scope's lifetime.
func (s *Scope) Subscribe(req Request, opts ...FetchOption) *Handle {
	return s.client.Subscribe(s.ctx, req, opts...)
}

// Batch starts a batch within the scope's lifetime.
func (s *Scope) Batch(reqs []Request, onComplete func([]BatchResult), opts ...FetchOption) *BatchTicket {
	return s.client.RunBatch(s.ctx, reqs, onComplete, opts...)
}

// Close detaches every subscription made through the scope. Idempotent.
func (s *Scope) Close() { s.cancel() }

// Handle is a non-blocking view of one fetch: pending, then data or error.
type Handle struct {
	key    RequestKey
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.RWMutex
	res *Result
	err error
}

// Subscribe starts fetching req in the background and returns immediately.
func (c *Client) Subscribe(ctx context.Context, req Request, opts ...FetchOption) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{key: req.Key(), cancel: cancel, done: make(chan struct{})}
	go func() {
		defer cancel()
		res, err := c.Fetch(ctx, req, opts...)
		h.mu.Lock()
		h.res, h.err = res, err
		h.mu.Unlock()
		close(h.done)
	}()
	return h
}

// Key returns the key being fetched.
func (h *Handle) Key() RequestKey { return h.key }

// Done is closed when the fetch settles.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Pending reports whether the fetch is still in flight.
func (h *Handle) Pending() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Result returns the settled outcome, or ErrPending while in flight.
func (h *Handle) Result() (*Result, error) {
	if h.Pending() {
		return nil, ErrPending
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.res, h.err
}

// Cancel detaches the handle's interest. Idempotent.
func (h *Handle) Cancel() { h.cancel() }
