package reqflow

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshSkew is how close to its exp claim a JWT may get before it
// is refreshed ahead of use.
const DefaultRefreshSkew = 30 * time.Second

// AuthConfig configures an AuthInterceptor.
type AuthConfig struct {
	// Skew enables proactive refresh of JWTs expiring within it. Zero uses
	// DefaultRefreshSkew; negative disables proactive refresh.
	Skew time.Duration
	// OnAuthExpired runs each time a call ends in AuthExpired. It may fire
	// once per waiting caller, so it must be idempotent.
	OnAuthExpired func(err error)
	Logger        Logger
	Debug         *DebugConfig
	Metrics       *MetricsCollector
	Clock         Clock
}

// AuthInterceptor attaches bearer tokens and recovers from 401 with a single
// shared refresh followed by one retry.
type AuthInterceptor struct {
	next   Transport
	tokens TokenProvider

	group singleflight.Group

	// attempts counts completed refreshes, successful or not; lastErr is the
	// outcome of the latest one.
	mu       sync.Mutex
	attempts uint64
	lastErr  error

	skew          time.Duration
	onAuthExpired func(error)
	logger        Logger
	debug         *DebugConfig
	metrics       *MetricsCollector
	clock         Clock
}

// NewAuthInterceptor wraps next with token handling from tokens.
func NewAuthInterceptor(next Transport, tokens TokenProvider, cfg AuthConfig) *AuthInterceptor {
	a := &AuthInterceptor{
		next:          next,
		tokens:        tokens,
		skew:          cfg.Skew,
		onAuthExpired: cfg.OnAuthExpired,
		logger:        cfg.Logger,
		debug:         cfg.Debug,
		metrics:       cfg.Metrics,
		clock:         cfg.Clock,
	}
	if a.skew == 0 {
		a.skew = DefaultRefreshSkew
	}
	if a.clock == nil {
		a.clock = SystemClock
	}
	return a
}

// Do sends req with the current token. On Unauthorized it refreshes once
// (shared with every concurrent caller) and retries once; a second
// Unauthorized or a failed refresh yields AuthExpired. Timeouts and network
// failures pass through untouched.
func (a *AuthInterceptor) Do(ctx context.Context, req Request) (*Response, error) {
	seen := a.episode()

	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, a.expired(req, err)
	}

	if token == "" || a.expiringSoon(token) {
		fresh, err := a.refresh(ctx, seen)
		switch {
		case err == nil:
			token = fresh
			seen = a.episode()
		case ctx.Err() != nil:
			return nil, contextFailure(ctx, req, a.clock.Now())
		case token == "":
			return nil, a.expired(req, err)
		}
	}

	resp, err := a.send(ctx, req, token)
	if !isUnauthorized(err) {
		return resp, err
	}

	if a.logEnabled() {
		a.logger.Info("Unauthorized response, refreshing token", "key", req.Key())
	}

	token, err = a.refresh(ctx, seen)
	if err != nil {
		if ctx.Err() != nil {
			return nil, contextFailure(ctx, req, a.clock.Now())
		}
		return nil, a.expired(req, err)
	}

	resp, err = a.send(ctx, req, token)
	if isUnauthorized(err) {
		return nil, a.expired(req, err)
	}
	return resp, err
}

func (a *AuthInterceptor) send(ctx context.Context, req Request, token string) (*Response, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Authorization", "Bearer "+token)
	req.Header = header
	return a.next.Do(ctx, req)
}

func (a *AuthInterceptor) episode() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

// settledSince reports whether a refresh completed after attempt seen and,
// if so, how the latest one ended.
func (a *AuthInterceptor) settledSince(seen uint64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attempts == seen {
		return false, nil
	}
	return true, a.lastErr
}

// reuse returns the outcome of a refresh completed after seen without
// calling the token endpoint again. ok is false when a new refresh is
// needed.
func (a *AuthInterceptor) reuse(ctx context.Context, seen uint64) (string, bool, error) {
	done, lastErr := a.settledSince(seen)
	if !done {
		return "", false, nil
	}
	if lastErr != nil {
		return "", true, lastErr
	}
	token, err := a.tokens.Token(ctx)
	if err != nil || token == "" {
		return "", false, nil
	}
	return token, true, nil
}

// refresh returns a token newer than the one read at attempt seen. A refresh
// that completed since then ends the episode: its token is reused, or its
// failure returned. Otherwise the caller joins (or starts) the single
// in-flight refresh.
func (a *AuthInterceptor) refresh(ctx context.Context, seen uint64) (string, error) {
	if token, ok, err := a.reuse(ctx, seen); ok {
		return token, err
	}

	detached := context.WithoutCancel(ctx)
	ch := a.group.DoChan("refresh", func() (any, error) {
		// an attempt may have finished between the check above and here
		if token, ok, err := a.reuse(detached, seen); ok {
			return token, err
		}

		token, err := a.tokens.Refresh(detached)

		a.mu.Lock()
		a.attempts++
		a.lastErr = err
		attempt := a.attempts
		a.mu.Unlock()

		if err != nil {
			a.metrics.RecordTokenRefresh("failure")
			if a.logEnabled() {
				a.logger.Warn("Token refresh failed", "attempt", attempt, "error", err.Error())
			}
			return "", err
		}
		a.metrics.RecordTokenRefresh("success")
		if a.logEnabled() {
			a.logger.Debug("Token refreshed", "attempt", attempt)
		}
		return token, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return "", r.Err
		}
		return r.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// expiringSoon reports whether token is a JWT whose exp claim falls within
// the skew. Opaque tokens are never considered expiring.
func (a *AuthInterceptor) expiringSoon(token string) bool {
	if a.skew < 0 {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !a.clock.Now().Add(a.skew).Before(claims.ExpiresAt.Time)
}

func (a *AuthInterceptor) expired(req Request, cause error) error {
	err := &ClientError{
		Type:      ErrorTypeAuthExpired,
		Message:   "authentication expired",
		Cause:     cause,
		Method:    req.method(),
		Path:      req.Path,
		Key:       req.Key(),
		Timestamp: a.clock.Now(),
	}
	a.metrics.RecordError(ErrorTypeAuthExpired, req.method(), req.Path)
	if a.logEnabled() {
		a.logger.Warn("Authentication expired", "key", req.Key())
	}
	if a.onAuthExpired != nil {
		a.onAuthExpired(err)
	}
	return err
}

func (a *AuthInterceptor) logEnabled() bool {
	return a.debug != nil && a.debug.Enabled && a.debug.LogAuth && a.logger != nil
}

func contextFailure(ctx context.Context, req Request, now time.Time) error {
	cause := ctx.Err()
	return &ClientError{
		Type:      classifyContextError(cause),
		Message:   cause.Error(),
		Cause:     cause,
		Method:    req.method(),
		Path:      req.Path,
		Key:       req.Key(),
		Timestamp: now,
	}
}
