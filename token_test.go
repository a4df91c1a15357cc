package reqflow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestOAuth2TokenProvider_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	cfg := &oauth2.Config{
		ClientID: "dashboard",
		Endpoint: oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams},
	}

	var persisted *oauth2.Token
	p := NewOAuth2TokenProvider(cfg, &oauth2.Token{AccessToken: "at-1", RefreshToken: "rt-1"})
	p.OnRefresh = func(tok *oauth2.Token) { persisted = tok }

	current, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", current)

	fresh, err := p.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", fresh)

	current, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", current)

	require.NotNil(t, persisted)
	assert.Equal(t, "rt-1", persisted.RefreshToken, "refresh token is kept when not rotated")
}

func TestOAuth2TokenProvider_NoRefreshToken(t *testing.T) {
	p := NewOAuth2TokenProvider(&oauth2.Config{}, nil)

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)

	_, err = p.Refresh(context.Background())
	assert.Error(t, err)
}

func TestOAuth2TokenProvider_Clear(t *testing.T) {
	p := NewOAuth2TokenProvider(&oauth2.Config{}, &oauth2.Token{AccessToken: "at"})
	p.Clear()

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestTokenProviderFunc(t *testing.T) {
	p := TokenProviderFunc{TokenFunc: func(context.Context) (string, error) { return "x", nil }}

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "x", tok)

	_, err = p.Refresh(context.Background())
	assert.Error(t, err)

	_, err = StaticTokenProvider{}.Refresh(context.Background())
	assert.Error(t, err)
}
