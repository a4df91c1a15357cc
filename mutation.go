package reqflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mutation describes an optimistic local change backed by a server call.
type Mutation struct {
	// Key is the cached resource the change applies to.
	Key RequestKey
	// Transform computes the optimistic value from the current one. exists
	// is false when nothing is cached for Key.
	Transform func(current json.RawMessage, exists bool) (json.RawMessage, error)
	// Request is the server call that makes the change durable.
	Request Request
	// Invalidates lists key prefixes whose cached data depends on Key. They
	// are dropped after the server call settles, success or failure.
	Invalidates []string
	// Reconcile merges the optimistic value with the server's response
	// body. When nil a non-empty server body replaces the optimistic value.
	Reconcile func(optimistic, server json.RawMessage) (json.RawMessage, error)
}

// OptimisticSnapshot is the cached state captured before a transform.
type OptimisticSnapshot struct {
	Key        RequestKey
	Previous   CacheEntry
	Existed    bool
	MutationID string
	TakenAt    time.Time
}

// MutationResult is the committed outcome of a mutation.
type MutationResult struct {
	ID       string
	Key      RequestKey
	Value    json.RawMessage
	Response *Response
}

// Observer is notified whenever the cached value of a key changes through
// the mutation engine or a completed fetch.
type Observer func(key RequestKey, value json.RawMessage, exists bool)

// MutationEngine applies optimistic mutations against a Cache.
type MutationEngine struct {
	mu        sync.Mutex
	cache     Cache
	registry  *Registry
	transport Transport
	policies  *PolicyRegistry
	clock     Clock
	metrics   *MetricsCollector
	logger    Logger
	debug     *DebugConfig
	// onInvalidate runs for every dependent prefix dropped after a mutation.
	onInvalidate func(prefix string)

	obsMu     sync.RWMutex
	observers map[RequestKey]map[uint64]Observer
	nextObsID uint64
}

// NewMutationEngine wires an engine to the shared cache, registry and
// transport. The client builds one; it is exported for composition.
func NewMutationEngine(cache Cache, registry *Registry, transport Transport, policies *PolicyRegistry, clock Clock) *MutationEngine {
	if clock == nil {
		clock = SystemClock
	}
	if policies == nil {
		policies = NewPolicyRegistry(DefaultPolicy())
	}
	return &MutationEngine{
		cache:     cache,
		registry:  registry,
		transport: transport,
		policies:  policies,
		clock:     clock,
		observers: make(map[RequestKey]map[uint64]Observer),
	}
}

// Observe registers fn for changes to key and returns a function that
// removes it.
func (e *MutationEngine) Observe(key RequestKey, fn Observer) func() {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()

	e.nextObsID++
	id := e.nextObsID
	if e.observers[key] == nil {
		e.observers[key] = make(map[uint64]Observer)
	}
	e.observers[key][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.obsMu.Lock()
			defer e.obsMu.Unlock()
			delete(e.observers[key], id)
			if len(e.observers[key]) == 0 {
				delete(e.observers, key)
			}
		})
	}
}

func (e *MutationEngine) notify(key RequestKey, value json.RawMessage, exists bool) {
	e.obsMu.RLock()
	fns := make([]Observer, 0, len(e.observers[key]))
	for _, fn := range e.observers[key] {
		fns = append(fns, fn)
	}
	e.obsMu.RUnlock()

	for _, fn := range fns {
		fn(key, value, exists)
	}
}

// Snapshot captures the current cached state of key.
func (e *MutationEngine) Snapshot(key RequestKey) OptimisticSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked(key, "")
}

func (e *MutationEngine) snapshotLocked(key RequestKey, id string) OptimisticSnapshot {
	snap := OptimisticSnapshot{Key: key, MutationID: id, TakenAt: e.clock.Now()}
	if entry, ok := e.cache.Get(key); ok {
		snap.Existed = true
		snap.Previous = *entry
		snap.Previous.Value = append(json.RawMessage(nil), entry.Value...)
	}
	return snap
}

// Rollback restores snap exactly: a value that existed is written back
// verbatim and one that did not is removed.
func (e *MutationEngine) Rollback(snap OptimisticSnapshot) {
	e.mu.Lock()
	e.restoreLocked(snap)
	e.mu.Unlock()

	if snap.Existed {
		e.notify(snap.Key, snap.Previous.Value, true)
	} else {
		e.notify(snap.Key, nil, false)
	}
}

func (e *MutationEngine) restoreLocked(snap OptimisticSnapshot) {
	if e.registry != nil {
		e.registry.Bump(snap.Key)
	}
	if snap.Existed {
		e.cache.Restore(snap.Previous)
	} else {
		e.cache.Invalidate(snap.Key)
	}
}

// Mutate snapshots m.Key, applies the transform locally, then sends the
// server call. On success the server's answer is reconciled into the cache;
// on failure the snapshot is restored and the failure returned. Server
// rejections come back as ValidationFailure wrapping the ServerError.
// Concurrent mutations of one key are not coalesced; each restores its own
// snapshot.
func (e *MutationEngine) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if m.Key == "" || m.Transform == nil {
		return nil, &ClientError{Type: ErrorTypeConfiguration, Message: "mutation needs a key and a transform"}
	}

	id := uuid.NewString()
	policy, _ := e.policies.Lookup(m.Key)

	snap, optimistic, err := e.applyOptimistic(m, id, policy)
	if err != nil {
		return nil, err
	}

	e.notify(m.Key, optimistic, true)
	e.metrics.RecordCacheSize(e.cache.Len())
	if e.logEnabled() {
		e.logger.Debug("Optimistic change applied", "mutationID", id, "key", m.Key)
	}

	resp, err := e.transport.Do(ctx, m.Request)
	if err != nil {
		e.Rollback(snap)
		e.invalidate(m.Invalidates)
		e.metrics.RecordMutation("rolled_back")
		if e.logEnabled() {
			e.logger.Warn("Mutation rolled back", "mutationID", id, "key", m.Key, "error", err.Error())
		}
		return nil, rejection(err, m.Key)
	}

	final, err := e.reconcile(m, policy, optimistic, resp)
	if err != nil {
		e.Rollback(snap)
		e.invalidate(m.Invalidates)
		e.metrics.RecordMutation("rolled_back")
		return nil, err
	}

	e.mu.Lock()
	if e.registry != nil {
		e.registry.Bump(m.Key)
	}
	e.cache.Put(m.Key, final, policy.TTL)
	e.mu.Unlock()

	if !bytes.Equal(final, optimistic) {
		e.notify(m.Key, final, true)
	}
	e.invalidate(m.Invalidates)
	e.metrics.RecordMutation("committed")
	if e.logEnabled() {
		e.logger.Debug("Mutation committed", "mutationID", id, "key", m.Key)
	}

	return &MutationResult{ID: id, Key: m.Key, Value: final, Response: resp}, nil
}

// applyOptimistic bumps the key's generation before taking the snapshot, so
// a fetch already in flight cannot land between the snapshot and the
// optimistic write. A fetch acquired after the bump that commits first
// forces another round; Transform must therefore be free of side effects.
func (e *MutationEngine) applyOptimistic(m Mutation, id string, policy Policy) (OptimisticSnapshot, json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for {
		var gen uint64
		if e.registry != nil {
			gen = e.registry.Bump(m.Key)
		}

		snap := e.snapshotLocked(m.Key, id)
		var current json.RawMessage
		if snap.Existed {
			current = snap.Previous.Value
		}
		optimistic, err := m.Transform(current, snap.Existed)
		if err != nil {
			return snap, nil, &ClientError{Type: ErrorTypeValidation, Message: "transform rejected change", Cause: err, Key: m.Key}
		}

		put := func() { e.cache.Put(m.Key, optimistic, policy.TTL) }
		if e.registry == nil {
			put()
			return snap, optimistic, nil
		}
		if e.registry.CommitIfCurrent(m.Key, gen, put) {
			return snap, optimistic, nil
		}
	}
}

func (e *MutationEngine) reconcile(m Mutation, policy Policy, optimistic json.RawMessage, resp *Response) (json.RawMessage, error) {
	var server json.RawMessage
	if resp != nil && len(bytes.TrimSpace(resp.Body)) > 0 {
		server = resp.Body
		if policy.Normalize != nil {
			normalized, err := policy.Normalize(resp.Body)
			if err == nil {
				server = normalized
			}
		}
		if !json.Valid(server) {
			server = nil
		}
	}

	if m.Reconcile != nil {
		merged, err := m.Reconcile(optimistic, server)
		if err != nil {
			return nil, &ClientError{Type: ErrorTypeValidation, Message: "reconcile failed", Cause: err, Key: m.Key}
		}
		return merged, nil
	}
	if server != nil {
		return server, nil
	}
	return optimistic, nil
}

func (e *MutationEngine) invalidate(prefixes []string) {
	for _, p := range prefixes {
		e.cache.InvalidatePrefix(p)
		if e.onInvalidate != nil {
			e.onInvalidate(p)
		}
	}
	e.metrics.RecordCacheSize(e.cache.Len())
}

func (e *MutationEngine) logEnabled() bool {
	return e.debug != nil && e.debug.Enabled && e.debug.LogMutations && e.logger != nil
}

// rejection turns a server rejection into a ValidationFailure. Other kinds
// keep their type.
func rejection(err error, key RequestKey) error {
	var ce *ClientError
	if !errors.As(err, &ce) || ce.Type != ErrorTypeServer {
		return err
	}
	return &ClientError{
		Type:       ErrorTypeValidation,
		Message:    ce.Message,
		Cause:      err,
		RequestID:  ce.RequestID,
		Method:     ce.Method,
		Path:       ce.Path,
		Key:        key,
		StatusCode: ce.StatusCode,
		Timestamp:  ce.Timestamp,
		Duration:   ce.Duration,
	}
}
