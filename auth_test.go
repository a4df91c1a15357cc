package reqflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotatingTokens hands out "old" until refreshed, then whatever refresh sets.
type rotatingTokens struct {
	mu        sync.Mutex
	token     string
	next      string
	refreshes atomic.Int32
	delay     time.Duration
	fail      error
}

func (p *rotatingTokens) Token(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token, nil
}

func (p *rotatingTokens) Refresh(context.Context) (string, error) {
	p.refreshes.Add(1)
	time.Sleep(p.delay)
	if p.fail != nil {
		return "", p.fail
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = p.next
	return p.token, nil
}

func unauthorized() error {
	return &ClientError{Type: ErrorTypeUnauthorized, Message: "unauthorized", StatusCode: 401}
}

// barrierTransport rejects "Bearer old" with 401 once n such requests have
// arrived, so that every caller fails before any refresh completes.
func barrierTransport(n int32, retries *atomic.Int32) Transport {
	var arrived atomic.Int32
	gate := make(chan struct{})
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		switch req.Header.Get("Authorization") {
		case "Bearer old":
			if arrived.Add(1) == n {
				close(gate)
			}
			<-gate
			return nil, unauthorized()
		case "Bearer new":
			retries.Add(1)
			return jsonResponse(`{"ok":true}`), nil
		default:
			return nil, unauthorized()
		}
	})
}

func TestAuthInterceptor_SingleRefreshForConcurrentUnauthorized(t *testing.T) {
	tokens := &rotatingTokens{token: "old", next: "new", delay: 50 * time.Millisecond}
	var retries atomic.Int32
	auth := NewAuthInterceptor(barrierTransport(3, &retries), tokens, AuthConfig{Skew: -1})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i, path := range []string{"connections", "validations", "metadata/status"} {
		i, path := i, path
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = auth.Do(context.Background(), Request{Path: path})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), tokens.refreshes.Load())
	assert.Equal(t, int32(3), retries.Load())
}

func TestAuthInterceptor_RefreshFailureExpiresEveryWaiter(t *testing.T) {
	tokens := &rotatingTokens{token: "old", delay: 50 * time.Millisecond, fail: errors.New("refresh token revoked")}
	var retries atomic.Int32
	var hooks atomic.Int32
	auth := NewAuthInterceptor(barrierTransport(3, &retries), tokens, AuthConfig{
		Skew:          -1,
		OnAuthExpired: func(error) { hooks.Add(1) },
	})

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = auth.Do(context.Background(), Request{Path: "connections"})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.True(t, IsAuthExpired(err), "got %v", err)
	}
	assert.Equal(t, int32(3), hooks.Load())
	assert.Equal(t, int32(0), retries.Load())
}

func TestAuthInterceptor_SecondUnauthorizedIsAuthExpired(t *testing.T) {
	tokens := &rotatingTokens{token: "old", next: "still-bad"}
	var calls atomic.Int32
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		calls.Add(1)
		return nil, unauthorized()
	})
	auth := NewAuthInterceptor(transport, tokens, AuthConfig{Skew: -1})

	_, err := auth.Do(context.Background(), Request{Path: "connections"})
	require.Error(t, err)
	assert.True(t, IsAuthExpired(err))
	assert.Equal(t, int32(2), calls.Load(), "one retry only")
	assert.Equal(t, int32(1), tokens.refreshes.Load())
}

func TestAuthInterceptor_TimeoutIsNotAnAuthFailure(t *testing.T) {
	tokens := &rotatingTokens{token: "old", next: "new"}
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		return nil, &ClientError{Type: ErrorTypeTimeout, Message: "deadline exceeded"}
	})
	auth := NewAuthInterceptor(transport, tokens, AuthConfig{Skew: -1})

	_, err := auth.Do(context.Background(), Request{Path: "connections"})
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, IsAuthExpired(err))
	assert.Equal(t, int32(0), tokens.refreshes.Load())
}

func TestAuthInterceptor_AttachesBearerToken(t *testing.T) {
	var got string
	transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		got = req.Header.Get("Authorization")
		return jsonResponse(`{}`), nil
	})
	auth := NewAuthInterceptor(transport, StaticTokenProvider{AccessToken: "abc"}, AuthConfig{Skew: -1})

	_, err := auth.Do(context.Background(), Request{Path: "connections"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", got)
}

func TestAuthInterceptor_ProactiveRefresh(t *testing.T) {
	clock := newFakeClock()
	expiring, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(clock.Now().Add(10 * time.Second)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	t.Run("expiring jwt", func(t *testing.T) {
		tokens := &rotatingTokens{token: expiring, next: "fresh"}
		var got string
		transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
			got = req.Header.Get("Authorization")
			return jsonResponse(`{}`), nil
		})
		auth := NewAuthInterceptor(transport, tokens, AuthConfig{Skew: 30 * time.Second, Clock: clock})

		_, err := auth.Do(context.Background(), Request{Path: "connections"})
		require.NoError(t, err)
		assert.Equal(t, "Bearer fresh", got)
		assert.Equal(t, int32(1), tokens.refreshes.Load())
	})

	t.Run("absent token", func(t *testing.T) {
		tokens := &rotatingTokens{next: "fresh"}
		transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
			return jsonResponse(`{}`), nil
		})
		auth := NewAuthInterceptor(transport, tokens, AuthConfig{Clock: clock})

		_, err := auth.Do(context.Background(), Request{Path: "connections"})
		require.NoError(t, err)
		assert.Equal(t, int32(1), tokens.refreshes.Load())
	})

	t.Run("absent token and refresh fails", func(t *testing.T) {
		tokens := &rotatingTokens{fail: errors.New("no session")}
		transport := TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
			t.Fatal("request must not be sent without a token")
			return nil, nil
		})
		auth := NewAuthInterceptor(transport, tokens, AuthConfig{Clock: clock})

		_, err := auth.Do(context.Background(), Request{Path: "connections"})
		assert.True(t, IsAuthExpired(err))
	})
}

// staggeredTransport rejects "Bearer old" with 401. Requests to the "slow"
// path signal arrival and then wait for release, so their 401 lands after
// another caller's refresh has completed.
func staggeredTransport(arrived chan<- struct{}, release <-chan struct{}) Transport {
	return TransportFunc(func(ctx context.Context, req Request) (*Response, error) {
		if req.Path == "slow" && req.Header.Get("Authorization") == "Bearer old" {
			arrived <- struct{}{}
			<-release
		}
		if req.Header.Get("Authorization") == "Bearer new" {
			return jsonResponse(`{"ok":true}`), nil
		}
		return nil, unauthorized()
	})
}

func TestAuthInterceptor_LateUnauthorizedReusesCompletedRefresh(t *testing.T) {
	tokens := &rotatingTokens{token: "old", next: "new"}
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	auth := NewAuthInterceptor(staggeredTransport(arrived, release), tokens, AuthConfig{Skew: -1})

	slow := make(chan error, 1)
	go func() {
		_, err := auth.Do(context.Background(), Request{Path: "slow"})
		slow <- err
	}()
	<-arrived

	_, err := auth.Do(context.Background(), Request{Path: "fast"})
	require.NoError(t, err)
	require.Equal(t, int32(1), tokens.refreshes.Load())

	close(release)
	require.NoError(t, <-slow)
	assert.Equal(t, int32(1), tokens.refreshes.Load(), "late 401 reuses the refreshed token")
}

func TestAuthInterceptor_LateUnauthorizedAfterFailedRefreshExpires(t *testing.T) {
	tokens := &rotatingTokens{token: "old", fail: errors.New("refresh token revoked")}
	arrived := make(chan struct{}, 1)
	release := make(chan struct{})
	var hooks atomic.Int32
	auth := NewAuthInterceptor(staggeredTransport(arrived, release), tokens, AuthConfig{
		Skew:          -1,
		OnAuthExpired: func(error) { hooks.Add(1) },
	})

	slow := make(chan error, 1)
	go func() {
		_, err := auth.Do(context.Background(), Request{Path: "slow"})
		slow <- err
	}()
	<-arrived

	_, err := auth.Do(context.Background(), Request{Path: "fast"})
	require.True(t, IsAuthExpired(err), "got %v", err)
	require.Equal(t, int32(1), tokens.refreshes.Load())

	close(release)
	err = <-slow
	assert.True(t, IsAuthExpired(err), "got %v", err)
	assert.Equal(t, int32(1), tokens.refreshes.Load(), "the failed refresh ends the episode")
	assert.Equal(t, int32(2), hooks.Load())
}

func TestAuthInterceptor_NewEpisodeAfterFailedRefresh(t *testing.T) {
	tokens := &rotatingTokens{token: "old", fail: errors.New("temporarily unavailable")}
	auth := NewAuthInterceptor(staggeredTransport(nil, nil), tokens, AuthConfig{Skew: -1})

	_, err := auth.Do(context.Background(), Request{Path: "connections"})
	require.True(t, IsAuthExpired(err))

	tokens.mu.Lock()
	tokens.fail = nil
	tokens.next = "new"
	tokens.mu.Unlock()

	_, err = auth.Do(context.Background(), Request{Path: "connections"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), tokens.refreshes.Load())
}

func TestAuthInterceptor_ErrorsUseInjectedClock(t *testing.T) {
	clock := newFakeClock()
	tokens := &rotatingTokens{token: "old", fail: errors.New("revoked")}
	auth := NewAuthInterceptor(staggeredTransport(nil, nil), tokens, AuthConfig{Skew: -1, Clock: clock})

	_, err := auth.Do(context.Background(), Request{Path: "connections"})
	var ce *ClientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, clock.Now(), ce.Timestamp)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = contextFailure(ctx, Request{Path: "connections"}, clock.Now())
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, clock.Now(), ce.Timestamp)
	assert.True(t, IsCancelled(err))
}
