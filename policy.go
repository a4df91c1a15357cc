package reqflow

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTTL is how long a cached response counts as fresh.
	DefaultTTL = 30 * time.Second
	// DefaultMinInterval is the default throttle window between network
	// calls for the same key.
	DefaultMinInterval = 10 * time.Second
)

// NormalizeFunc turns a raw backend body into the single stable shape the
// rest of the client sees for a resource family.
type NormalizeFunc func(body []byte) ([]byte, error)

// Policy holds the tuning for one resource family.
type Policy struct {
	TTL         time.Duration
	MinInterval time.Duration
	Normalize   NormalizeFunc
}

// DefaultPolicy is used for keys with no registered family.
func DefaultPolicy() Policy {
	return Policy{TTL: DefaultTTL, MinInterval: DefaultMinInterval}
}

// PolicyRegistry maps key prefixes to policies, resolving by longest prefix.
type PolicyRegistry struct {
	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

// NewPolicyRegistry creates a registry with the given fallback policy.
func NewPolicyRegistry(fallback Policy) *PolicyRegistry {
	return &PolicyRegistry{
		policies: make(map[string]Policy),
		fallback: fallback,
	}
}

// Register sets the policy for a resource family prefix such as
// "connections/" or "metadata/status".
func (r *PolicyRegistry) Register(prefix string, p Policy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[strings.TrimLeft(prefix, "/")] = p
}

// Lookup returns the policy for key and the prefix that matched ("" for the
// fallback). Zero fields in a registered policy inherit the fallback's.
func (r *PolicyRegistry) Lookup(key RequestKey) (Policy, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	found := false
	for prefix := range r.policies {
		if strings.HasPrefix(string(key), prefix) && (!found || len(prefix) > len(best)) {
			best = prefix
			found = true
		}
	}
	if !found {
		return r.fallback, ""
	}

	p := r.policies[best]
	if p.TTL <= 0 {
		p.TTL = r.fallback.TTL
	}
	if p.MinInterval <= 0 {
		p.MinInterval = r.fallback.MinInterval
	}
	if p.Normalize == nil {
		p.Normalize = r.fallback.Normalize
	}
	return p, best
}

// ShouldFetch decides whether a new network call is warranted. It returns
// false only when forceFresh is unset, a cached value exists and the last
// network call for the key is younger than minInterval.
func ShouldFetch(now, lastFetchedAt time.Time, hasCached, forceFresh bool, minInterval time.Duration) bool {
	if forceFresh || !hasCached {
		return true
	}
	if lastFetchedAt.IsZero() {
		return true
	}
	return now.Sub(lastFetchedAt) >= minInterval
}

// Throttle remembers when each key last went to the network.
type Throttle struct {
	mu    sync.Mutex
	last  map[RequestKey]time.Time
	clock Clock
}

// NewThrottle creates a throttle tracker.
func NewThrottle(clock Clock) *Throttle {
	return &Throttle{last: make(map[RequestKey]time.Time), clock: clock}
}

// ShouldFetch applies the package level ShouldFetch to key's history.
func (t *Throttle) ShouldFetch(key RequestKey, hasCached, forceFresh bool, minInterval time.Duration) bool {
	t.mu.Lock()
	last := t.last[key]
	t.mu.Unlock()
	return ShouldFetch(t.clock.Now(), last, hasCached, forceFresh, minInterval)
}

// Record marks key as fetched now.
func (t *Throttle) Record(key RequestKey) {
	t.mu.Lock()
	t.last[key] = t.clock.Now()
	t.mu.Unlock()
}

// LastFetchedAt returns the time of the last recorded network call.
func (t *Throttle) LastFetchedAt(key RequestKey) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.last[key]
	return ts, ok
}

// Forget drops history for every key with the given prefix.
func (t *Throttle) Forget(prefix string) {
	prefix = strings.TrimLeft(prefix, "/")
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.last {
		if strings.HasPrefix(string(k), prefix) {
			delete(t.last, k)
		}
	}
}
