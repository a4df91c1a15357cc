package reqflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBatch_PartialFailure(t *testing.T) {
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == "tables/customers/stats" {
			return nil, serverError(500, "stats unavailable")
		}
		return jsonResponse(`{"rows":1}`), nil
	}}
	client := newTestClient(transport, newFakeClock())
	defer client.Close()

	reqs := []Request{
		{Path: "tables/orders/stats"},
		{Path: "tables/customers/stats"},
		{Path: "tables/invoices/stats"},
	}

	var fired atomic.Int32
	completed := make(chan []BatchResult, 1)
	ticket := client.RunBatch(context.Background(), reqs, func(results []BatchResult) {
		fired.Add(1)
		completed <- results
	})

	var results []BatchResult
	select {
	case results = <-completed:
	case <-time.After(time.Second):
		t.Fatal("batch did not complete")
	}

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.True(t, errors.Is(results[1].Err, ErrServer))
	assert.Nil(t, results[1].Result)
	assert.NoError(t, results[2].Err)
	assert.Equal(t, RequestKey("tables/invoices/stats"), results[2].Key)
	assert.Equal(t, 2, results[2].Index)

	slot, ok := ticket.ResultFor("tables/customers/stats")
	require.True(t, ok)
	assert.Error(t, slot.Err)

	waited, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, waited, 3)
	assert.Equal(t, int32(1), fired.Load())
}

func TestRunBatch_CancelSuppressesCallback(t *testing.T) {
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (*Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	client := newTestClient(transport, newFakeClock())
	defer client.Close()

	var fired atomic.Int32
	ticket := client.RunBatch(context.Background(), []Request{{Path: "a"}, {Path: "b"}}, func([]BatchResult) {
		fired.Add(1)
	})
	require.Eventually(t, func() bool { return transport.calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	ticket.Cancel()
	ticket.Cancel()

	results, err := ticket.Wait(context.Background())
	assert.True(t, IsCancelled(err))
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, IsCancelled(r.Err))
	}
	assert.Equal(t, int32(0), fired.Load())
}

func TestRunBatch_DeduplicatesWithinBatch(t *testing.T) {
	release := make(chan struct{})
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (*Response, error) {
		<-release
		return jsonResponse(`[]`), nil
	}}
	client := newTestClient(transport, newFakeClock())
	defer client.Close()

	ticket := client.RunBatch(context.Background(), []Request{{Path: "connections"}, {Path: "connections"}}, nil)
	require.Eventually(t, func() bool { return client.Registry().Pending("connections") }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	results, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestBatch_RespectsLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (*Response, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inFlight.Add(-1)
		return jsonResponse(`{}`), nil
	}}
	client := newTestClient(transport, newFakeClock(), WithBatchLimit(2))
	defer client.Close()

	reqs := make([]Request, 6)
	for i := range reqs {
		reqs[i] = Request{Path: "tables", Params: map[string]string{"page": string(rune('a' + i))}}
	}

	results, err := client.Batch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Len(t, results, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(6), transport.calls.Load())
}

func TestBatch_DefaultRunsEveryRequestConcurrently(t *testing.T) {
	const size = 12
	var arrived atomic.Int32
	allIn := make(chan struct{})
	transport := &stubTransport{handler: func(ctx context.Context, req Request) (*Response, error) {
		if arrived.Add(1) == size {
			close(allIn)
		}
		select {
		case <-allIn:
			return jsonResponse(`{}`), nil
		case <-time.After(2 * time.Second):
			return nil, serverError(504, "batch was serialized")
		}
	}}
	client := newTestClient(transport, newFakeClock())
	defer client.Close()

	reqs := make([]Request, size)
	for i := range reqs {
		reqs[i] = Request{Path: "tables", Params: map[string]string{"page": string(rune('a' + i))}}
	}

	results, err := client.Batch(context.Background(), reqs)
	require.NoError(t, err)
	for _, r := range results {
		assert.NoError(t, r.Err, "slot %d", r.Index)
	}
	assert.Equal(t, int32(size), transport.calls.Load())
}
