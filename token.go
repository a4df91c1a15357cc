package reqflow

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/oauth2"
)

// TokenProvider is the identity provider boundary. Token returns "" when no
// token is held. Refresh obtains a new access token or fails.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenProvider serves a fixed token and cannot refresh.
type StaticTokenProvider struct {
	AccessToken string
}

func (p StaticTokenProvider) Token(context.Context) (string, error) { return p.AccessToken, nil }

func (p StaticTokenProvider) Refresh(context.Context) (string, error) {
	return "", errors.New("static token cannot be refreshed")
}

// TokenProviderFunc adapts a pair of functions into a TokenProvider.
type TokenProviderFunc struct {
	TokenFunc   func(ctx context.Context) (string, error)
	RefreshFunc func(ctx context.Context) (string, error)
}

func (f TokenProviderFunc) Token(ctx context.Context) (string, error) {
	if f.TokenFunc == nil {
		return "", nil
	}
	return f.TokenFunc(ctx)
}

func (f TokenProviderFunc) Refresh(ctx context.Context) (string, error) {
	if f.RefreshFunc == nil {
		return "", errors.New("refresh not supported")
	}
	return f.RefreshFunc(ctx)
}

// OAuth2TokenProvider holds an oauth2 token pair and refreshes it with the
// refresh_token grant against the configured endpoint.
type OAuth2TokenProvider struct {
	cfg *oauth2.Config

	mu    sync.RWMutex
	token *oauth2.Token

	// OnRefresh, when set, is called with every newly issued token so the
	// application can persist it.
	OnRefresh func(*oauth2.Token)
}

// NewOAuth2TokenProvider creates a provider seeded with tok (may be nil).
func NewOAuth2TokenProvider(cfg *oauth2.Config, tok *oauth2.Token) *OAuth2TokenProvider {
	return &OAuth2TokenProvider{cfg: cfg, token: tok}
}

// Token returns the current access token without refreshing.
func (p *OAuth2TokenProvider) Token(context.Context) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.token == nil {
		return "", nil
	}
	return p.token.AccessToken, nil
}

// Refresh exchanges the refresh token for a new access token.
func (p *OAuth2TokenProvider) Refresh(ctx context.Context) (string, error) {
	p.mu.RLock()
	var refresh string
	if p.token != nil {
		refresh = p.token.RefreshToken
	}
	p.mu.RUnlock()

	if refresh == "" {
		return "", errors.New("no refresh token")
	}

	// an already-expired token forces the source to hit the token endpoint
	src := p.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
	tok, err := src.Token()
	if err != nil {
		return "", err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = refresh
	}

	p.mu.Lock()
	p.token = tok
	p.mu.Unlock()

	if p.OnRefresh != nil {
		p.OnRefresh(tok)
	}
	return tok.AccessToken, nil
}

// Clear drops the held token pair, e.g. on logout.
func (p *OAuth2TokenProvider) Clear() {
	p.mu.Lock()
	p.token = nil
	p.mu.Unlock()
}
