package reqflow

import (
	"context"
	"sync"
	"time"
)

// RunFunc performs the network work for a pending call. gen is the call's
// generation; pass it to Registry.CommitIfCurrent before touching the cache.
type RunFunc func(ctx context.Context, gen uint64) (*Result, error)

// call is one in-flight network call shared by every subscriber of a key.
type call struct {
	key         RequestKey
	gen         uint64
	forced      bool
	issuedAt    time.Time
	cancel      context.CancelFunc
	subscribers int
	done        chan struct{}

	// set under Registry.mu when done is closed
	settled bool
	res     *Result
	err     error
	// next is the call that superseded this one.
	next *call
}

// Registry tracks pending calls per key. At most one call per key is
// current; late settlements of superseded calls are dropped.
type Registry struct {
	mu    sync.Mutex
	calls map[RequestKey]*call
	gens  map[RequestKey]uint64
	base  context.Context
	clock Clock
}

// NewRegistry creates a registry. Calls run on contexts derived from base,
// never from a caller's context, so one subscriber leaving does not abort
// the others.
func NewRegistry(base context.Context, clock Clock) *Registry {
	if base == nil {
		base = context.Background()
	}
	if clock == nil {
		clock = SystemClock
	}
	return &Registry{
		calls: make(map[RequestKey]*call),
		gens:  make(map[RequestKey]uint64),
		base:  base,
		clock: clock,
	}
}

// Subscription is one caller's interest in a pending call.
type Subscription struct {
	r            *Registry
	key          RequestKey
	c            *call
	deduplicated bool
	superseded   bool

	once     sync.Once
	detached chan struct{}
	finished bool
}

// Acquire subscribes to the pending call for key, starting one with run when
// none exists. With forceFresh a pending call that was not itself forced is
// superseded: its subscribers move to a new call and its result is dropped.
func (r *Registry) Acquire(key RequestKey, forceFresh bool, run RunFunc) *Subscription {
	r.mu.Lock()

	existing := r.calls[key]
	if existing != nil && (!forceFresh || existing.forced) {
		existing.subscribers++
		r.mu.Unlock()
		return &Subscription{r: r, key: key, c: existing, deduplicated: true, detached: make(chan struct{})}
	}

	r.gens[key]++
	ctx, cancel := context.WithCancel(r.base)
	c := &call{
		key:         key,
		gen:         r.gens[key],
		forced:      forceFresh,
		issuedAt:    r.clock.Now(),
		cancel:      cancel,
		subscribers: 1,
		done:        make(chan struct{}),
	}
	if existing != nil {
		c.subscribers += existing.subscribers
		existing.next = c
		existing.settled = true
		existing.err = &ClientError{Type: ErrorTypeCancelled, Message: "superseded", Key: key}
		existing.cancel()
		close(existing.done)
	}
	r.calls[key] = c
	r.mu.Unlock()

	go r.execute(ctx, c, run)

	return &Subscription{r: r, key: key, c: c, superseded: existing != nil, detached: make(chan struct{})}
}

func (r *Registry) execute(ctx context.Context, c *call, run RunFunc) {
	res, err := run(ctx, c.gen)
	r.settle(c, res, err)
}

// settle records the outcome unless the call was already superseded or
// cancelled.
func (r *Registry) settle(c *call, res *Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.settled {
		return
	}
	c.settled = true
	c.res, c.err = res, err
	if r.calls[c.key] == c {
		delete(r.calls, c.key)
	}
	c.cancel()
	close(c.done)
}

// CommitIfCurrent runs fn while holding the registry lock, but only when gen
// is still the key's current generation. It reports whether fn ran.
func (r *Registry) CommitIfCurrent(key RequestKey, gen uint64, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.gens[key] != gen {
		return false
	}
	fn()
	return true
}

// Bump advances the generation of key so that calls already in flight can
// no longer write their result to the cache. They still settle for their
// subscribers. It returns the new generation.
func (r *Registry) Bump(key RequestKey) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gens[key]++
	return r.gens[key]
}

// Generation returns the current generation of key.
func (r *Registry) Generation(key RequestKey) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gens[key]
}

// Pending reports whether a call for key is in flight.
func (r *Registry) Pending(key RequestKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.calls[key]
	return ok
}

// Len returns the number of in-flight calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CancelAll cancels every pending call; all subscribers receive Cancelled.
// Every generation advances, so runs that already hold a response can no
// longer commit it.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key := range r.gens {
		r.gens[key]++
	}
	n := 0
	for key, c := range r.calls {
		c.settled = true
		c.err = &ClientError{Type: ErrorTypeCancelled, Message: "cancelled", Key: key}
		c.cancel()
		close(c.done)
		delete(r.calls, key)
		n++
	}
	return n
}

// live follows the supersede chain. Caller holds r.mu.
func (s *Subscription) live() *call {
	c := s.c
	for c.next != nil {
		c = c.next
	}
	return c
}

// Key returns the subscribed key.
func (s *Subscription) Key() RequestKey { return s.key }

// Deduplicated reports whether the subscription joined an existing call.
func (s *Subscription) Deduplicated() bool { return s.deduplicated }

// Superseded reports whether acquiring this subscription replaced a pending
// call.
func (s *Subscription) Superseded() bool { return s.superseded }

// Wait blocks until the live call settles, the subscription is detached or
// ctx ends. Ending ctx detaches the subscription.
func (s *Subscription) Wait(ctx context.Context) (*Result, error) {
	for {
		s.r.mu.Lock()
		c := s.live()
		s.r.mu.Unlock()

		select {
		case <-c.done:
			s.r.mu.Lock()
			if c.next != nil {
				s.r.mu.Unlock()
				continue
			}
			s.finished = true
			res, err := c.res, c.err
			s.r.mu.Unlock()
			return res, err
		case <-s.detached:
			return nil, &ClientError{Type: ErrorTypeCancelled, Message: "detached", Key: s.key}
		case <-ctx.Done():
			s.Detach()
			return nil, &ClientError{Type: classifyContextError(ctx.Err()), Message: ctx.Err().Error(), Cause: ctx.Err(), Key: s.key}
		}
	}
}

// Detach withdraws interest. When the last subscriber detaches before
// settlement the call is cancelled and removed. Detach is idempotent.
func (s *Subscription) Detach() {
	s.once.Do(func() {
		s.r.mu.Lock()
		defer s.r.mu.Unlock()

		close(s.detached)
		c := s.live()
		if s.finished || c.settled {
			return
		}
		c.subscribers--
		if c.subscribers > 0 {
			return
		}
		c.settled = true
		c.err = &ClientError{Type: ErrorTypeCancelled, Message: "no subscribers", Key: s.key}
		c.cancel()
		close(c.done)
		if s.r.calls[c.key] == c {
			delete(s.r.calls, c.key)
		}
	})
}
