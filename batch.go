package reqflow

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBatchLimit leaves batch parallelism unbounded: every constituent
// starts at once. WithBatchLimit sets a cap.
const DefaultBatchLimit = 0

// BatchResult is one slot of a batch, in request order.
type BatchResult struct {
	Index  int
	Key    RequestKey
	Result *Result
	Err    error
}

// BatchTicket tracks a running batch.
type BatchTicket struct {
	keys       []RequestKey
	results    []BatchResult
	onComplete func([]BatchResult)
	cancel     context.CancelFunc
	done       chan struct{}

	mu        sync.Mutex
	cancelled bool
	fired     bool
}

// RunBatch fetches every request in parallel through Fetch, so each one is
// deduplicated, cached and throttled on its own. onComplete (may be nil)
// runs exactly once after every slot has settled, unless the ticket is
// cancelled first. A failing constituent never fails the batch; its error
// lives in its slot.
func (c *Client) RunBatch(ctx context.Context, reqs []Request, onComplete func([]BatchResult), opts ...FetchOption) *BatchTicket {
	ctx, cancel := context.WithCancel(ctx)
	t := &BatchTicket{
		keys:       make([]RequestKey, len(reqs)),
		results:    make([]BatchResult, len(reqs)),
		onComplete: onComplete,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for i, r := range reqs {
		t.keys[i] = r.Key()
		t.results[i] = BatchResult{Index: i, Key: t.keys[i]}
	}

	c.metrics.RecordBatch()
	if c.debugEnabled(c.debug != nil && c.debug.LogRequests) {
		c.logger.Debug("Starting batch", "size", len(reqs))
	}

	go func() {
		defer cancel()

		limit := c.batchLimit
		if limit <= 0 {
			limit = -1
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for i, r := range reqs {
			i, r := i, r
			g.Go(func() error {
				res, err := c.Fetch(ctx, r, opts...)
				t.results[i].Result = res
				t.results[i].Err = err
				if err != nil && !IsCancelled(err) {
					c.metrics.RecordBatchSlotFailure()
				}
				return nil
			})
		}
		_ = g.Wait()

		t.finish()
	}()

	return t
}

func (t *BatchTicket) finish() {
	t.mu.Lock()
	fire := !t.cancelled && !t.fired && t.onComplete != nil
	t.fired = true
	t.mu.Unlock()
	close(t.done)

	if fire {
		t.onComplete(t.Results())
	}
}

// Batch runs reqs and blocks until every slot settles.
func (c *Client) Batch(ctx context.Context, reqs []Request, opts ...FetchOption) ([]BatchResult, error) {
	return c.RunBatch(ctx, reqs, nil, opts...).Wait(ctx)
}

// Keys returns the batch's keys in request order.
func (t *BatchTicket) Keys() []RequestKey {
	return append([]RequestKey(nil), t.keys...)
}

// Done is closed once every slot has settled.
func (t *BatchTicket) Done() <-chan struct{} { return t.done }

// Cancel stops the batch. Pending slots settle as Cancelled and the
// completion callback is suppressed. Cancel is idempotent.
func (t *BatchTicket) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.cancel()
}

// Cancelled reports whether Cancel was called.
func (t *BatchTicket) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// Wait blocks until the batch settles or ctx ends. A cancelled batch
// returns its partial results with a Cancelled error.
func (t *BatchTicket) Wait(ctx context.Context) ([]BatchResult, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, &ClientError{Type: classifyContextError(ctx.Err()), Message: "batch wait ended", Cause: ctx.Err()}
	}
	if t.Cancelled() {
		return t.Results(), &ClientError{Type: ErrorTypeCancelled, Message: "batch cancelled"}
	}
	return t.Results(), nil
}

// Results returns a copy of the slots once the batch has settled, nil
// before.
func (t *BatchTicket) Results() []BatchResult {
	select {
	case <-t.done:
	default:
		return nil
	}
	return append([]BatchResult(nil), t.results...)
}

// ResultFor returns the slot for key.
func (t *BatchTicket) ResultFor(key RequestKey) (BatchResult, bool) {
	for _, r := range t.Results() {
		if r.Key == key {
			return r, true
		}
	}
	return BatchResult{}, false
}
