package reqflow

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubTransport answers by path and counts calls.
type stubTransport struct {
	calls   atomic.Int32
	mu      sync.Mutex
	handler func(ctx context.Context, req Request) (*Response, error)
	seen    []Request
}

func (s *stubTransport) Do(ctx context.Context, req Request) (*Response, error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.seen = append(s.seen, req)
	s.mu.Unlock()
	return s.handler(ctx, req)
}

func (s *stubTransport) requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.seen...)
}

func jsonResponse(body string) *Response {
	return &Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte(body)}
}

func serverError(status int, msg string) error {
	return &ClientError{Type: ErrorTypeServer, Message: msg, StatusCode: status}
}

func newTestClient(transport Transport, clock Clock, opts ...Option) *Client {
	base := []Option{
		WithTransport(transport),
		WithClock(clock),
		WithoutCircuitBreaker(),
	}
	return New(append(base, opts...)...)
}
