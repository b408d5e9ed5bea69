package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/copilot-relay/backend/internal/config"
)

func testAgentConfig(authority string) config.AgentConfig {
	return config.AgentConfig{
		AppID:         "app-id",
		ClientSecret:  "secret",
		TenantID:      "tenant-1",
		AuthorityHost: authority,
	}
}

func TestOAuthProviderAuthCodeURL(t *testing.T) {
	p := NewOAuthProvider(testAgentConfig("https://login.microsoftonline.com"), nil)

	raw := p.AuthCodeURL("state-1", "https://relay.example.com/auth/callback")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "login.microsoftonline.com", u.Host)
	assert.Equal(t, "/tenant-1/oauth2/v2.0/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, "app-id", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://relay.example.com/auth/callback", q.Get("redirect_uri"))
	assert.Contains(t, q.Get("scope"), "https://api.powerplatform.com/.default")
}

func TestOAuthProviderExchange(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tenant-1/oauth2/v2.0/token", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"access-1","token_type":"Bearer","expires_in":3600,"id_token":"header.payload.sig"}`))
	}))
	defer srv.Close()

	p := NewOAuthProvider(testAgentConfig(srv.URL), srv.Client())
	tok, err := p.Exchange(context.Background(), "code-1", "https://relay.example.com/auth/callback")
	require.NoError(t, err)

	assert.Equal(t, "access-1", tok.AccessToken)
	assert.Equal(t, "header.payload.sig", tok.IDToken)
	assert.False(t, tok.Expiry.IsZero())

	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "code-1", form.Get("code"))
	assert.Equal(t, "https://relay.example.com/auth/callback", form.Get("redirect_uri"))
	assert.Equal(t, "app-id", form.Get("client_id"))
	assert.Equal(t, "secret", form.Get("client_secret"))
}

func TestOAuthProviderExchangeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"AADSTS70008: code expired"}`))
	}))
	defer srv.Close()

	p := NewOAuthProvider(testAgentConfig(srv.URL), srv.Client())
	svc := NewService(p, NewStore(), Options{})
	state := beginState(t, svc, "b", "https://relay.example.com/auth/callback")

	_, err := svc.CompleteLogin(context.Background(), "b", Callback{State: state, Code: "stale"})
	var pe *ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "invalid_grant", pe.Code)
	assert.True(t, strings.HasPrefix(pe.Detail(), "AADSTS70008"))
}
